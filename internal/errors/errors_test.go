package errors

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = NewStd("sentinel")

type recordingReporter struct {
	mu       sync.Mutex
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, ee)
	ee.MarkReported()
}

func (r *recordingReporter) IsEnabled() bool { return true }

func TestBuildDefaults(t *testing.T) {
	t.Parallel()

	ee := New(fmt.Errorf("plain failure")).Build()

	assert.Equal(t, "plain failure", ee.Error())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.Timestamp.IsZero())
	assert.NotEmpty(t, ee.GetComponent())
}

func TestBuilderKeepsSentinelReachable(t *testing.T) {
	t.Parallel()

	ee := Newf("acquire 4096 bytes: %w", errSentinel).
		Component("bufferpool").
		Category(CategoryLimit).
		Context("size", 4096).
		Build()

	require.ErrorIs(t, ee, errSentinel)
	assert.Equal(t, "bufferpool", ee.GetComponent())
	assert.True(t, IsCategory(ee, CategoryLimit))
	assert.Equal(t, 4096, ee.GetContext()["size"])

	wrapped := fmt.Errorf("outer: %w", ee)
	assert.ErrorIs(t, wrapped, errSentinel)
	assert.True(t, IsCategory(wrapped, CategoryLimit))
}

func TestContextIsCopied(t *testing.T) {
	t.Parallel()

	ee := New(errSentinel).Context("k", "v").Build()
	ctx := ee.GetContext()
	ctx["k"] = "changed"

	assert.Equal(t, "v", ee.GetContext()["k"])
}

func TestTimingAndFileContext(t *testing.T) {
	t.Parallel()

	ee := New(errSentinel).
		Timing("map_file", 1500*time.Millisecond).
		FileContext("/data/capture_0001.bin", 5*1024*1024).
		Build()

	ctx := ee.GetContext()
	assert.Equal(t, "map_file", ctx["operation"])
	assert.Equal(t, int64(1500), ctx["duration_ms"])
	assert.Equal(t, "bin", ctx["file_extension"])
	assert.Equal(t, "medium", ctx["file_size_category"])
}

func TestPriorityFallsBackToMedium(t *testing.T) {
	t.Parallel()

	assert.Equal(t, PriorityHigh, New(errSentinel).Priority(PriorityHigh).Build().GetPriority())
	assert.Equal(t, PriorityMedium, New(errSentinel).Priority("urgent").Build().GetPriority())
	assert.Empty(t, New(errSentinel).Priority("").Build().GetPriority())
}

func TestDetectCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"timeout", NewStd("task deadline exceeded"), CategoryTimeout},
		{"cancel", NewStd("task cancelled"), CategoryCancellation},
		{"file", NewStd("open capture.bin: no such file"), CategoryFileIO},
		{"invalid", NewStd("invalid magic"), CategoryValidation},
		{"nested", New(errSentinel).Category(CategoryStorage).Build(), CategoryStorage},
		{"other", NewStd("boom"), CategoryGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, detectCategory(tt.err))
		})
	}
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	assert.True(t, IsNotFound(New(errSentinel).Category(CategoryNotFound).Build()))
	assert.False(t, IsNotFound(errSentinel))
}

func TestTelemetryReporterReceivesErrors(t *testing.T) {
	reporter := &recordingReporter{}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := New(errSentinel).Category(CategoryWorker).Build()

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	require.Len(t, reporter.reported, 1)
	assert.Same(t, ee, reporter.reported[0])
	assert.True(t, ee.IsReported())
}

func TestGenerateErrorTitle(t *testing.T) {
	t.Parallel()

	ee := New(errSentinel).
		Component("sink").
		Category(CategoryStorage).
		Context("operation", "write_segment").
		Build()

	assert.Equal(t, "Sink Storage Error Write Segment", generateErrorTitle(ee))
}
