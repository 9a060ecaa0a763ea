package bufferpool

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/logger"
)

// DefaultLeakThreshold is the RSS growth reported as a potential leak.
const DefaultLeakThreshold = 100 << 20

// ErrInsufficientSnapshots is returned by Analyze with fewer than two snapshots.
var ErrInsufficientSnapshots = errors.NewStd("leak detector: at least two snapshots are required")

// SystemMemoryInfo describes host and process memory.
type SystemMemoryInfo struct {
	TotalBytes     uint64
	AvailableBytes uint64
	UsedBytes      uint64
	UsedPercent    float64
	ProcessRSS     uint64
	ProcessVMS     uint64
}

// SystemMemory reads host memory and this process's resident size.
func SystemMemory() (SystemMemoryInfo, error) {
	info := SystemMemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err != nil {
		return info, errors.New(err).
			Component(componentName).
			Category(errors.CategorySystem).
			Context("operation", "virtual-memory").
			Build()
	}
	info.TotalBytes = vmStat.Total
	info.AvailableBytes = vmStat.Available
	info.UsedBytes = vmStat.Used
	info.UsedPercent = vmStat.UsedPercent

	memInfo, err := currentProcessMemory()
	if err != nil {
		return info, err
	}
	info.ProcessRSS = memInfo.RSS
	info.ProcessVMS = memInfo.VMS

	return info, nil
}

func currentProcessMemory() (*process.MemoryInfoStat, error) {
	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategorySystem).
			Context("operation", "process-instance").
			Build()
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategorySystem).
			Context("operation", "process-memory").
			Build()
	}
	return memInfo, nil
}

// RecordSystemMemory publishes host and process memory to the pool's metrics.
func (p *Pool) RecordSystemMemory() (SystemMemoryInfo, error) {
	info, err := SystemMemory()
	if err != nil {
		return info, err
	}
	if p.metrics != nil {
		p.metrics.SetSystemMemory(info.TotalBytes, info.AvailableBytes, info.UsedBytes, info.ProcessRSS)
	}
	return info, nil
}

// MemorySnapshot is the process memory at a named point.
type MemorySnapshot struct {
	Name      string
	Timestamp time.Time
	RSS       uint64
	VMS       uint64
	NumFDs    int32 // 0 where the platform does not report it
}

// LeakReport compares the first and last snapshots.
type LeakReport struct {
	RSSGrowth     int64
	VMSGrowth     int64
	PotentialLeak bool
	Snapshots     int
	Elapsed       time.Duration
}

// LeakDetector records process memory snapshots and flags sustained growth.
type LeakDetector struct {
	mu        sync.Mutex
	threshold int64
	snapshots []MemorySnapshot
}

// NewLeakDetector creates a detector; thresholdBytes <= 0 selects DefaultLeakThreshold.
func NewLeakDetector(thresholdBytes int64) *LeakDetector {
	if thresholdBytes <= 0 {
		thresholdBytes = DefaultLeakThreshold
	}
	return &LeakDetector{threshold: thresholdBytes}
}

// TakeSnapshot records the current process memory under name.
func (d *LeakDetector) TakeSnapshot(name string) (MemorySnapshot, error) {
	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		return MemorySnapshot{}, errors.New(err).
			Component(componentName).
			Category(errors.CategorySystem).
			Context("snapshot", name).
			Build()
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return MemorySnapshot{}, errors.New(err).
			Component(componentName).
			Category(errors.CategorySystem).
			Context("snapshot", name).
			Build()
	}

	snapshot := MemorySnapshot{
		Name:      name,
		Timestamp: time.Now(),
		RSS:       memInfo.RSS,
		VMS:       memInfo.VMS,
	}
	if fds, err := proc.NumFDs(); err == nil {
		snapshot.NumFDs = fds
	}

	d.record(snapshot)
	return snapshot, nil
}

func (d *LeakDetector) record(snapshot MemorySnapshot) {
	d.mu.Lock()
	d.snapshots = append(d.snapshots, snapshot)
	d.mu.Unlock()

	getLogger().Info("memory snapshot",
		logger.String("name", snapshot.Name),
		logger.Uint64("rss_bytes", snapshot.RSS),
		logger.Uint64("vms_bytes", snapshot.VMS),
		logger.Int("num_fds", int(snapshot.NumFDs)))
}

// Snapshots returns a copy of the recorded snapshots.
func (d *LeakDetector) Snapshots() []MemorySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]MemorySnapshot, len(d.snapshots))
	copy(out, d.snapshots)
	return out
}

// Analyze reports growth between the first and last snapshots.
func (d *LeakDetector) Analyze() (LeakReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.snapshots) < 2 {
		return LeakReport{}, errors.New(ErrInsufficientSnapshots).
			Component(componentName).
			Category(errors.CategoryState).
			Context("snapshots", len(d.snapshots)).
			Build()
	}

	first := d.snapshots[0]
	last := d.snapshots[len(d.snapshots)-1]
	rssGrowth := int64(last.RSS) - int64(first.RSS) //nolint:gosec // RSS is far below MaxInt64
	vmsGrowth := int64(last.VMS) - int64(first.VMS) //nolint:gosec // VMS is far below MaxInt64

	return LeakReport{
		RSSGrowth:     rssGrowth,
		VMSGrowth:     vmsGrowth,
		PotentialLeak: rssGrowth > d.threshold,
		Snapshots:     len(d.snapshots),
		Elapsed:       last.Timestamp.Sub(first.Timestamp),
	}, nil
}
