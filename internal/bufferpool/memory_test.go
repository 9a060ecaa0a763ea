package bufferpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemMemory(t *testing.T) {
	t.Parallel()

	info, err := SystemMemory()
	require.NoError(t, err)
	assert.Positive(t, info.TotalBytes)
	assert.Positive(t, info.ProcessRSS)
	assert.LessOrEqual(t, info.AvailableBytes, info.TotalBytes)
}

func TestLeakDetectorAnalyze(t *testing.T) {
	t.Parallel()

	d := NewLeakDetector(1 << 20)

	_, err := d.Analyze()
	require.ErrorIs(t, err, ErrInsufficientSnapshots)

	start := time.Now()
	d.record(MemorySnapshot{Name: "start", Timestamp: start, RSS: 10 << 20, VMS: 100 << 20})
	d.record(MemorySnapshot{Name: "mid", Timestamp: start.Add(time.Second), RSS: 12 << 20, VMS: 100 << 20})
	d.record(MemorySnapshot{Name: "end", Timestamp: start.Add(2 * time.Second), RSS: 15 << 20, VMS: 90 << 20})

	report, err := d.Analyze()
	require.NoError(t, err)
	assert.Equal(t, int64(5<<20), report.RSSGrowth)
	assert.Equal(t, int64(-10<<20), report.VMSGrowth)
	assert.True(t, report.PotentialLeak)
	assert.Equal(t, 3, report.Snapshots)
	assert.Equal(t, 2*time.Second, report.Elapsed)
	assert.Len(t, d.Snapshots(), 3)
}

func TestLeakDetectorTakeSnapshot(t *testing.T) {
	t.Parallel()

	d := NewLeakDetector(0)
	snapshot, err := d.TakeSnapshot("now")
	require.NoError(t, err)
	assert.Equal(t, "now", snapshot.Name)
	assert.Positive(t, snapshot.RSS)

	_, err = d.TakeSnapshot("again")
	require.NoError(t, err)

	report, err := d.Analyze()
	require.NoError(t, err)
	assert.False(t, report.PotentialLeak, "default threshold is 100MB")
}
