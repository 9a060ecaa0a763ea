// Package cpuspec sizes CPU-bound worker pools from the host processor.
package cpuspec

import (
	"regexp"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// CPUSpec contains information about CPU specifications
type CPUSpec struct {
	BrandName        string
	LogicalCores     int
	PhysicalCores    int
	PerformanceCores int // 0 when the part is not a known hybrid design
}

// GetCPUSpec returns the host CPU description
func GetCPUSpec() CPUSpec {
	brandName := cpuid.CPU.BrandName
	return CPUSpec{
		BrandName:        brandName,
		LogicalCores:     cpuid.CPU.LogicalCores,
		PhysicalCores:    cpuid.CPU.PhysicalCores,
		PerformanceCores: performanceCores(brandName),
	}
}

// OptimalCPUWorkers returns the decode worker count for this host.
// Hybrid parts use their performance cores only.
func (c CPUSpec) OptimalCPUWorkers() int {
	available := runtime.NumCPU()

	if c.PerformanceCores > 0 {
		return min(c.PerformanceCores, available)
	}
	if c.LogicalCores > 0 {
		return min(c.LogicalCores, available)
	}
	return available
}

var (
	// i5-13600K -> tier "5"; only 12th to 14th gen are hybrid
	intelHybridRegex = regexp.MustCompile(`intel.*core.*i([3579])-1[234]\d{3}`)
	intelUltraRegex  = regexp.MustCompile(`intel.*core.*ultra\s+[579]\s+(?:processor\s+)?(\d{3})`)
	appleRegex       = regexp.MustCompile(`apple\s+(m[1-4](?:\s*(?:pro|max|ultra))?)`)
)

// intelPCores maps the Core i tier to its P-core count
var intelPCores = map[string]int{
	"9": 8, "7": 8, "5": 6, "3": 4,
}

var ultraPCores = map[string]int{
	"285": 8, "265": 8, "255": 8, "245": 6, "235": 6, "225": 4,
}

var applePCores = map[string]int{
	"m1": 4, "m1 pro": 8, "m1 max": 8, "m1 ultra": 16,
	"m2": 4, "m2 pro": 8, "m2 max": 12, "m2 ultra": 24,
	"m3": 4, "m3 pro": 6, "m3 max": 12, "m3 ultra": 24,
	"m4": 4, "m4 pro": 10, "m4 max": 12,
}

func performanceCores(brandName string) int {
	brandName = strings.ToLower(brandName)

	if m := intelHybridRegex.FindStringSubmatch(brandName); m != nil {
		return intelPCores[m[1]]
	}
	if m := intelUltraRegex.FindStringSubmatch(brandName); m != nil {
		return ultraPCores[m[1]]
	}
	if m := appleRegex.FindStringSubmatch(brandName); m != nil {
		return applePCores[strings.Join(strings.Fields(m[1]), " ")]
	}
	return 0
}
