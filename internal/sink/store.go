package sink

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/logger"
	"github.com/tphakala/canpipe/internal/observability/metrics"
)

// DefaultRowGroupSize bounds the rows of one segment.
const DefaultRowGroupSize = 100_000

// Config configures a ColumnStore.
type Config struct {
	Dir          string
	Codec        Codec
	RowGroupSize int // 0 selects DefaultRowGroupSize
}

// ColumnStore is a Sink writing one directory per partition. Every Write
// produces one or more immutable segment files.
type ColumnStore struct {
	config  Config
	metrics *metrics.PipelineMetrics

	mu         sync.Mutex
	closed     bool
	stats      Stats
	partitions map[string]struct{}
	lastStamp  int64 // keeps segment names increasing
}

var _ Sink = (*ColumnStore)(nil)

// NewColumnStore opens or creates a store rooted at config.Dir. m may be nil.
func NewColumnStore(config Config, m *metrics.PipelineMetrics) (*ColumnStore, error) {
	if config.Dir == "" {
		return nil, errors.Newf("column store directory is empty").
			Component("sink").
			Category(errors.CategoryValidation).
			Build()
	}
	if config.RowGroupSize <= 0 {
		config.RowGroupSize = DefaultRowGroupSize
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, errors.New(err).
			Component("sink").
			Category(errors.CategoryStorage).
			Context("dir", config.Dir).
			Build()
	}

	s := &ColumnStore{
		config:     config,
		metrics:    m,
		partitions: make(map[string]struct{}),
	}
	if err := s.loadStats(); err != nil {
		return nil, err
	}
	getLogger().Info("column store opened",
		logger.String("dir", config.Dir),
		logger.String("codec", config.Codec.String()),
		logger.Int("partitions", len(s.partitions)),
		logger.Int64("segments", s.stats.Segments))
	return s, nil
}

// loadStats counts existing partitions, segments and rows from segment headers.
func (s *ColumnStore) loadStats() error {
	partitions, err := s.listPartitions()
	if err != nil {
		return err
	}
	for _, p := range partitions {
		s.partitions[p] = struct{}{}
		segments, err := s.listSegments(p)
		if err != nil {
			return err
		}
		for _, path := range segments {
			info, err := readSegmentHeader(path)
			if err != nil {
				getLogger().Warn("skipping unreadable segment", logger.String("path", path), logger.Error(err))
				continue
			}
			s.stats.Segments++
			s.stats.Rows += int64(info.rows)
		}
	}
	return nil
}

func readSegmentHeader(path string) (segmentInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return segmentInfo{}, err
	}
	defer f.Close() //nolint:errcheck // read only

	header := make([]byte, segmentHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return segmentInfo{}, corrupt("short segment")
	}
	return readSegmentInfo(header)
}

// Write stores records in partitionKey, split into row groups.
func (s *ColumnStore) Write(ctx context.Context, records []Record, partitionKey string) error {
	if err := validatePartition(partitionKey); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if len(records) == 0 {
		return nil
	}

	dir := filepath.Join(s.config.Dir, partitionKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return s.storageError(err, "create-partition", partitionKey)
	}

	for group := range slices.Chunk(records, s.config.RowGroupSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.writeSegment(dir, partitionKey, group); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.stats.Writes++
	s.partitions[partitionKey] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *ColumnStore) writeSegment(dir, partitionKey string, rows []Record) error {
	start := time.Now()
	codec := s.config.Codec.String()

	data, raw, stored, err := encodeSegment(rows, s.config.Codec)
	if err != nil {
		s.recordWrite(codec, metrics.StatusError, start, 0, 0)
		return s.storageError(err, "encode-segment", partitionKey)
	}

	name := fmt.Sprintf("seg-%019d-%s%s", s.nextStamp(), uuid.NewString()[:8], segmentFileSuffix)
	if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
		s.recordWrite(codec, metrics.StatusError, start, 0, 0)
		return s.storageError(err, "write-segment", partitionKey)
	}

	s.mu.Lock()
	s.stats.Segments++
	s.stats.Rows += int64(len(rows))
	s.stats.RawBytes += int64(raw)
	s.stats.CompressedBytes += int64(stored)
	s.mu.Unlock()

	s.recordWrite(codec, metrics.StatusSuccess, start, raw, stored)
	getLogger().Debug("segment written",
		logger.String("partition", partitionKey),
		logger.String("segment", name),
		logger.Int("rows", len(rows)),
		logger.Int("raw_bytes", raw),
		logger.Int("stored_bytes", stored))
	return nil
}

// nextStamp returns a nanosecond timestamp strictly greater than the previous one.
func (s *ColumnStore) nextStamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStamp = max(time.Now().UnixNano(), s.lastStamp+1)
	return s.lastStamp
}

func (s *ColumnStore) recordWrite(codec, status string, start time.Time, raw, stored int) {
	if s.metrics != nil {
		s.metrics.RecordSinkWrite(codec, status, time.Since(start), raw, stored)
	}
}

// writeFileAtomic keeps readers from seeing partial segments.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".seg-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *ColumnStore) storageError(err error, op, partition string) error {
	return errors.New(err).
		Component("sink").
		Category(errors.CategoryStorage).
		Context("operation", op).
		Context("partition", partition).
		Build()
}

// Query returns the records matching expr in partition order, then segment
// write order, then row order.
func (s *ColumnStore) Query(ctx context.Context, expr string) ([]Record, error) {
	start := time.Now()
	records, err := s.query(ctx, expr)

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	if s.metrics != nil {
		s.metrics.RecordQuery(status, len(records), time.Since(start))
	}
	s.mu.Lock()
	s.stats.Queries++
	s.mu.Unlock()
	return records, err
}

func (s *ColumnStore) query(ctx context.Context, expr string) ([]Record, error) {
	q, err := ParseQuery(expr)
	if err != nil {
		return nil, err
	}

	partitions, err := s.listPartitions()
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, p := range partitions {
		if !q.matchPartition(p) {
			continue
		}
		segments, err := s.listSegments(p)
		if err != nil {
			return nil, err
		}
		for _, path := range segments {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out, err = s.scanSegment(path, p, q, out)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (s *ColumnStore) scanSegment(path, partition string, q *Query, out []Record) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return out, errors.FileError(err, path, 0)
	}
	info, err := readSegmentInfo(data)
	if err != nil {
		return out, err
	}
	if !q.mayMatchRange(info.minTimestamp, info.maxTimestamp) {
		return out, nil
	}

	_, rows, err := decodeSegment(data)
	if err != nil {
		return out, errors.New(err).
			Component("sink").
			Category(errors.CategoryStorage).
			FileContext(path, int64(len(data))).
			Build()
	}
	for i := range rows {
		rows[i].Partition = partition
		if q.Match(&rows[i]) {
			out = append(out, rows[i])
		}
	}
	return out, nil
}

func (s *ColumnStore) listPartitions() ([]string, error) {
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, s.storageError(err, "list-partitions", "")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && validatePartition(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *ColumnStore) listSegments(partition string) ([]string, error) {
	dir := filepath.Join(s.config.Dir, partition)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, s.storageError(err, "list-segments", partition)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "seg-") && strings.HasSuffix(e.Name(), segmentFileSuffix) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

// Stats returns store counters.
func (s *ColumnStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Partitions = len(s.partitions)
	return st
}

// Close rejects further writes. Queries keep working. It is idempotent.
func (s *ColumnStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		getLogger().Info("column store closed",
			logger.Int64("segments", s.stats.Segments),
			logger.Int64("rows", s.stats.Rows))
	}
	return nil
}
