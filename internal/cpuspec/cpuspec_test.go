package cpuspec

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPerformanceCores(t *testing.T) {
	t.Parallel()

	tests := []struct {
		brand string
		want  int
	}{
		{"12th Gen Intel(R) Core(TM) i7-12700K", 8},
		{"13th Gen Intel(R) Core(TM) i5-13600K", 6},
		{"Intel(R) Core(TM) Ultra 7 265K", 8},
		{"Intel(R) Core(TM) i7-9700K CPU @ 3.60GHz", 0},
		{"Apple M2 Max", 12},
		{"Apple M1", 4},
		{"AMD Ryzen 9 7950X 16-Core Processor", 0},
	}
	for _, tt := range tests {
		t.Run(tt.brand, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, performanceCores(tt.brand))
		})
	}
}

func TestOptimalCPUWorkersBounded(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, CPUSpec{PerformanceCores: 1}.OptimalCPUWorkers())
	assert.Equal(t, runtime.NumCPU(), CPUSpec{LogicalCores: 1 << 12}.OptimalCPUWorkers())
	assert.Equal(t, runtime.NumCPU(), CPUSpec{}.OptimalCPUWorkers())

	got := GetCPUSpec().OptimalCPUWorkers()
	assert.GreaterOrEqual(t, got, 1)
	assert.LessOrEqual(t, got, runtime.NumCPU())
}
