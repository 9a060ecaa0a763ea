package sink

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/observability/metrics"
)

var baseTime = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

// sampleRecords returns n records 10ms apart alternating between two signals.
func sampleRecords(start time.Time, n int) []Record {
	records := make([]Record, n)
	for i := range records {
		r := Record{
			Timestamp: start.Add(time.Duration(i) * 10 * time.Millisecond).UnixMicro(),
			CANID:     0x100,
			Message:   "EngineData",
			Signal:    "EngineSpeed",
			Value:     float64(800 + i),
			Unit:      "rpm",
		}
		if i%2 == 1 {
			r.CANID = 0x18FF1234
			r.Message = "EngineDetail"
			r.Signal = "OilTemp"
			r.Value = float64(i) / 4
			r.Unit = "degC"
		}
		records[i] = r
	}
	return records
}

func newStore(t *testing.T, codec Codec, rowGroup int) *ColumnStore {
	t.Helper()
	s, err := NewColumnStore(Config{Dir: t.TempDir(), Codec: codec, RowGroupSize: rowGroup}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	data := []byte("EngineSpeed EngineSpeed EngineSpeed OilTemp OilTemp OilTemp 0123456789")
	for _, c := range []Codec{CodecNone, CodecSnappy, CodecLZ4, CodecZstd} {
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()
			stored, err := compress(c, data)
			require.NoError(t, err)
			got, err := decompress(c, stored, len(data))
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestParseCodec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		want    Codec
		wantErr bool
	}{
		{"", CodecSnappy, false},
		{"none", CodecNone, false},
		{"snappy", CodecSnappy, false},
		{"lz4", CodecLZ4, false},
		{"zstd", CodecZstd, false},
		{"brotli", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCodec(tt.name)
		if tt.wantErr {
			require.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestPartitionKey(t *testing.T) {
	t.Parallel()

	ts := time.Date(2022, 3, 4, 23, 59, 0, 0, time.FixedZone("EET", 2*3600))
	tests := []struct {
		strategy string
		path     string
		want     string
	}{
		{PartitionTime, "/data/capture_0001.bin", "2022-03-04"},
		{PartitionFile, "/data/capture_0001.bin", "capture_0001"},
		{PartitionFile, "capture", "capture"},
		{PartitionDefault, "/data/capture_0001.bin", "default"},
		{"unknown", "/data/capture_0001.bin", "default"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PartitionKey(tt.strategy, tt.path, ts), tt.strategy+" "+tt.path)
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	t.Parallel()

	rows := sampleRecords(baseTime, 500)
	for _, c := range []Codec{CodecNone, CodecSnappy, CodecLZ4, CodecZstd} {
		data, raw, stored, err := encodeSegment(rows, c)
		require.NoError(t, err)
		assert.Positive(t, raw)
		assert.Positive(t, stored)

		info, got, err := decodeSegment(data)
		require.NoError(t, err)
		assert.Equal(t, c, info.codec)
		assert.Equal(t, 500, info.rows)
		assert.Equal(t, rows[0].Timestamp, info.minTimestamp)
		assert.Equal(t, rows[499].Timestamp, info.maxTimestamp)
		assert.Equal(t, rows, got)
	}
}

func TestSegmentCompresses(t *testing.T) {
	t.Parallel()

	_, raw, stored, err := encodeSegment(sampleRecords(baseTime, 5000), CodecZstd)
	require.NoError(t, err)
	assert.Less(t, stored, raw)
}

func TestSegmentCorruption(t *testing.T) {
	t.Parallel()

	data, _, _, err := encodeSegment(sampleRecords(baseTime, 100), CodecSnappy)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"bad version", func(b []byte) []byte { b[4] = 9; return b }},
		{"truncated", func(b []byte) []byte { return b[:len(b)-10] }},
		{"flipped payload byte", func(b []byte) []byte { b[len(b)-1] ^= 0xFF; return b }},
		{"header only", func(b []byte) []byte { return b[:segmentHeaderSize] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := decodeSegment(tt.mutate(append([]byte(nil), data...)))
			require.ErrorIs(t, err, ErrCorruptSegment)
		})
	}
}

func TestParseQuery(t *testing.T) {
	t.Parallel()

	r := Record{
		Timestamp: baseTime.UnixMicro(),
		CANID:     0x100,
		Message:   "EngineData",
		Signal:    "EngineSpeed",
		Value:     3200,
		Unit:      "rpm",
		Partition: "2022-01-01",
	}
	tests := []struct {
		expr  string
		match bool
	}{
		{"", true},
		{"signal = EngineSpeed", true},
		{`signal == "EngineSpeed"`, true},
		{"signal != EngineSpeed", false},
		{"value > 3000 AND unit = rpm", true},
		{"value>3000 and value<3200", false},
		{"value <= 3200", true},
		{"can_id = 0x100", true},
		{"can_id = 256", true},
		{"can_id > 0x100", false},
		{"timestamp >= 2022-01-01T00:00:00Z", true},
		{"timestamp < 2022-01-01T00:00:00Z", false},
		{"timestamp = 1640995200000000", true},
		{"partition = 2022-01-01 AND message = EngineData", true},
		{"partition = 2022-01-02", false},
	}
	for _, tt := range tests {
		q, err := ParseQuery(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.match, q.Match(&r), tt.expr)
	}
}

func TestParseQueryErrors(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{
		"signal",
		"signal =",
		"colour = red",
		"value ~ 3",
		"value > fast",
		"can_id = 0x1FFFFFFFFF",
		"timestamp > yesterday",
		`signal = "EngineSpeed`,
		"signal = A OR value > 1",
		"signal = A AND",
	} {
		_, err := ParseQuery(expr)
		require.ErrorIs(t, err, ErrInvalidQuery, expr)
		assert.True(t, errors.IsCategory(err, errors.CategoryQuery), expr)
	}
}

func TestQueryRangePruning(t *testing.T) {
	t.Parallel()

	lo, hi := baseTime.UnixMicro(), baseTime.Add(time.Second).UnixMicro()
	tests := []struct {
		expr string
		may  bool
	}{
		{"timestamp > 1640995201000000", false},
		{"timestamp >= 1640995201000000", true},
		{"timestamp < 1640995200000000", false},
		{"timestamp <= 1640995200000000", true},
		{"timestamp = 1640995200500000", true},
		{"timestamp = 1640995202000000", false},
		{"value > 9", true},
	}
	for _, tt := range tests {
		q, err := ParseQuery(tt.expr)
		require.NoError(t, err)
		assert.Equal(t, tt.may, q.mayMatchRange(lo, hi), tt.expr)
	}
}

func TestColumnStoreWriteQuery(t *testing.T) {
	t.Parallel()

	for _, c := range []Codec{CodecNone, CodecSnappy, CodecLZ4, CodecZstd} {
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()
			s := newStore(t, c, 64)
			ctx := context.Background()

			records := sampleRecords(baseTime, 200)
			require.NoError(t, s.Write(ctx, records, "2022-01-01"))

			all, err := s.Query(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 200)
			for i := range all {
				assert.Equal(t, "2022-01-01", all[i].Partition)
				all[i].Partition = ""
			}
			assert.Equal(t, records, all)

			oil, err := s.Query(ctx, "signal = OilTemp AND value >= 20")
			require.NoError(t, err)
			for _, r := range oil {
				assert.Equal(t, "OilTemp", r.Signal)
				assert.GreaterOrEqual(t, r.Value, 20.0)
			}
			assert.Len(t, oil, 60) // odd i in [81, 199]

			st := s.Stats()
			assert.Equal(t, 1, st.Partitions)
			assert.Equal(t, int64(4), st.Segments) // 64+64+64+8
			assert.Equal(t, int64(200), st.Rows)
			assert.Equal(t, int64(1), st.Writes)
			assert.Equal(t, int64(2), st.Queries)
			assert.Positive(t, st.RawBytes)
			assert.Positive(t, st.CompressionRatio())
		})
	}
}

func TestColumnStorePartitions(t *testing.T) {
	t.Parallel()

	s := newStore(t, CodecSnappy, 0)
	ctx := context.Background()

	day1 := sampleRecords(baseTime, 10)
	day2 := sampleRecords(baseTime.Add(24*time.Hour), 10)
	require.NoError(t, s.Write(ctx, day1, "2022-01-01"))
	require.NoError(t, s.Write(ctx, day2, "2022-01-02"))

	got, err := s.Query(ctx, "partition = 2022-01-02")
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, day2[0].Timestamp, got[0].Timestamp)

	got, err = s.Query(ctx, "timestamp >= 2022-01-02T00:00:00Z")
	require.NoError(t, err)
	assert.Len(t, got, 10)

	got, err = s.Query(ctx, "partition != 2022-01-02 AND signal = EngineSpeed")
	require.NoError(t, err)
	assert.Len(t, got, 5)

	assert.Equal(t, 2, s.Stats().Partitions)
}

func TestColumnStoreRejectsInvalidPartition(t *testing.T) {
	t.Parallel()

	s := newStore(t, CodecNone, 0)
	for _, key := range []string{"", ".", "..", "a/b", `a\b`, ".hidden"} {
		err := s.Write(context.Background(), sampleRecords(baseTime, 1), key)
		require.ErrorIs(t, err, ErrInvalidPartition, key)
	}
}

func TestColumnStoreClosed(t *testing.T) {
	t.Parallel()

	s := newStore(t, CodecSnappy, 0)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, sampleRecords(baseTime, 5), "default"))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Write(ctx, sampleRecords(baseTime, 5), "default"), ErrClosed)

	got, err := s.Query(ctx, "")
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestColumnStoreReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewColumnStore(Config{Dir: dir, Codec: CodecLZ4, RowGroupSize: 30}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, sampleRecords(baseTime, 100), "capture_0001"))
	require.NoError(t, s.Close())

	reopened, err := NewColumnStore(Config{Dir: dir, Codec: CodecZstd}, nil)
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck // test cleanup

	st := reopened.Stats()
	assert.Equal(t, 1, st.Partitions)
	assert.Equal(t, int64(4), st.Segments)
	assert.Equal(t, int64(100), st.Rows)

	// Segments written with another codec stay readable.
	require.NoError(t, reopened.Write(ctx, sampleRecords(baseTime.Add(time.Hour), 10), "capture_0001"))
	got, err := reopened.Query(ctx, "")
	require.NoError(t, err)
	assert.Len(t, got, 110)
}

func TestColumnStoreDetectsCorruptSegment(t *testing.T) {
	t.Parallel()

	s := newStore(t, CodecSnappy, 0)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, sampleRecords(baseTime, 50), "default"))

	segments, err := filepath.Glob(filepath.Join(s.config.Dir, "default", "seg-*"+segmentFileSuffix))
	require.NoError(t, err)
	require.Len(t, segments, 1)

	data, err := os.ReadFile(segments[0])
	require.NoError(t, err)
	data[len(data)-3] ^= 0x55
	require.NoError(t, os.WriteFile(segments[0], data, 0o600))

	_, err = s.Query(ctx, "")
	require.ErrorIs(t, err, ErrCorruptSegment)
}

func TestColumnStoreQueryHonorsContext(t *testing.T) {
	t.Parallel()

	s := newStore(t, CodecNone, 0)
	require.NoError(t, s.Write(context.Background(), sampleRecords(baseTime, 5), "default"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Query(ctx, "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestColumnStoreMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := metrics.NewPipelineMetrics(registry)
	require.NoError(t, err)

	s, err := NewColumnStore(Config{Dir: t.TempDir(), Codec: CodecZstd, RowGroupSize: 10}, m)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck // test cleanup

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, sampleRecords(baseTime, 25), "default"))
	_, err = s.Query(ctx, "signal = EngineSpeed")
	require.NoError(t, err)
	_, err = s.Query(ctx, "bogus")
	require.Error(t, err)

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["canpipe_sink_writes_total"])
	assert.True(t, names["canpipe_sink_queries_total"])
	assert.Positive(t, testutil.CollectAndCount(m, "canpipe_sink_writes_total"))
}
