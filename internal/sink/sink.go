// Package sink stores decoded signal records in a partitioned columnar layout
// and answers simple filter queries over them.
package sink

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/tphakala/canpipe/internal/errors"
)

// Record is one decoded signal sample.
type Record struct {
	Timestamp int64 // microseconds since the Unix epoch
	CANID     uint32
	Message   string
	Signal    string
	Value     float64
	Unit      string
	Partition string // set on records returned by Query
}

// Time returns the record timestamp.
func (r Record) Time() time.Time {
	return time.UnixMicro(r.Timestamp).UTC()
}

// Stats summarizes a sink.
type Stats struct {
	Partitions      int
	Segments        int64
	Rows            int64
	RawBytes        int64 // column data before compression
	CompressedBytes int64
	Writes          int64
	Queries         int64
}

// CompressionRatio returns compressed/raw bytes, 0 before the first write.
func (s Stats) CompressionRatio() float64 {
	if s.RawBytes == 0 {
		return 0
	}
	return float64(s.CompressedBytes) / float64(s.RawBytes)
}

// Sink persists records.
type Sink interface {
	Write(ctx context.Context, records []Record, partitionKey string) error
	Query(ctx context.Context, expr string) ([]Record, error)
	Stats() Stats
	Close() error
}

var (
	ErrClosed           = errors.NewStd("sink: closed")
	ErrInvalidPartition = errors.NewStd("sink: invalid partition key")
	ErrCorruptSegment   = errors.NewStd("sink: corrupt segment")
	ErrInvalidQuery     = errors.NewStd("sink: invalid query")
)

// Partition strategies understood by PartitionKey.
const (
	PartitionTime    = "time"
	PartitionFile    = "file"
	PartitionDefault = "default"
)

// PartitionKey derives the partition for data read from path at ts. The time
// strategy uses the UTC date of ts, the file strategy the file name without
// extension; anything else maps to "default".
func PartitionKey(strategy, path string, ts time.Time) string {
	switch strategy {
	case PartitionTime:
		return ts.UTC().Format("2006-01-02")
	case PartitionFile:
		base := filepath.Base(path)
		if stem := strings.TrimSuffix(base, filepath.Ext(base)); stem != "" && stem != "." && stem != string(filepath.Separator) {
			return stem
		}
	}
	return PartitionDefault
}

func validatePartition(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return errors.New(ErrInvalidPartition).
			Component("sink").
			Category(errors.CategoryValidation).
			Context("partition", key).
			Build()
	}
	return nil
}
