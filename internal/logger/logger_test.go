package logger_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/canpipe/internal/logger"
)

func TestSlogLoggerLevels(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := logger.NewSlogLogger(buf, logger.LogLevelInfo, time.UTC)

	log.Debug("hidden")
	log.Info("visible", logger.String("lane", "io"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "lane=io")
	assert.NotContains(t, out, "time=")
}

func TestTraceLevelName(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := logger.NewSlogLogger(buf, logger.LogLevelTrace, time.UTC)
	log.Trace("deep detail")

	assert.Contains(t, buf.String(), "level=TRACE")
}

func TestModuleAndWithFields(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	base := logger.NewSlogLogger(buf, logger.LogLevelDebug, time.UTC)

	child := base.Module("executor").Module("cpu").With(logger.Int("workers", 4))
	child.Info("pool started", logger.Duration("grace", 1500*time.Millisecond))
	base.Info("parent untouched")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), "module=executor.cpu")
	assert.Contains(t, string(lines[0]), "workers=4")
	assert.Contains(t, string(lines[0]), "grace=1.5s")
	assert.NotContains(t, string(lines[1]), "workers")
}

func TestWithContextAddsTraceID(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := logger.NewSlogLogger(buf, logger.LogLevelInfo, time.UTC)

	ctx := logger.WithTraceID(context.Background(), "file-0001")
	log.WithContext(ctx).Info("decoding")
	log.WithContext(context.Background()).Info("no trace")

	out := buf.String()
	assert.Contains(t, out, "trace_id=file-0001")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("trace_id")))
}

func TestCentralLoggerFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "canpipe.log")
	cl, err := logger.NewCentralLogger(&logger.LoggingConfig{
		DefaultLevel: "debug",
		Timezone:     "UTC",
		Console:      &logger.ConsoleOutput{Enabled: false},
		FileOutput:   &logger.FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"sink": "error"},
	})
	require.NoError(t, err)

	cl.Module("bufferpool").Debug("evicted", logger.Int64("bytes", 4096), logger.Float64("ratio", 0.123456))
	cl.Module("sink").Info("suppressed by module level")
	require.NoError(t, cl.Close())
	require.NoError(t, cl.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 1)
	assert.Equal(t, "bufferpool", records[0]["module"])
	assert.InDelta(t, 4096, records[0]["bytes"], 0)
	assert.InDelta(t, 0.123, records[0]["ratio"], 1e-9)
}

func TestNewCentralLoggerRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := logger.NewCentralLogger(nil)
	require.Error(t, err)

	_, err = logger.NewCentralLogger(&logger.LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)
}
