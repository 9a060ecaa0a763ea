package pipeline

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/canpipe/internal/bufferpool"
	"github.com/tphakala/canpipe/internal/capture"
	"github.com/tphakala/canpipe/internal/dbc"
	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/executor"
	"github.com/tphakala/canpipe/internal/logger"
	"github.com/tphakala/canpipe/internal/observability/metrics"
	"github.com/tphakala/canpipe/internal/sink"
)

// cancelCheckInterval is how many frames are decoded between context checks.
const cancelCheckInterval = 4096

// decoded is the outcome of the CPU stage for one file.
type decoded struct {
	header     capture.FileHeader
	stats      capture.ParseStats
	unknown    int
	short      int
	partitions []string // first-seen order
	records    map[string][]sink.Record
}

func (d *decoded) total() int {
	n := 0
	for _, rs := range d.records {
		n += len(rs)
	}
	return n
}

// Run processes every capture file below dir, at most MaxParallelFiles at a
// time. A failing file is recorded in the report and does not stop the
// others. The returned error is non-nil only when discovery fails or ctx ends.
func (c *Coordinator) Run(ctx context.Context, dir string) (*Report, error) {
	start := time.Now()
	files, err := Discover(dir, c.config.FilePattern)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.SetDiscoveredFiles(len(files))
	}
	getLogger().Info("processing capture files",
		logger.String("dir", dir),
		logger.Int("files", len(files)),
		logger.Int("parallel", c.config.MaxParallelFiles))

	report := &Report{}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(c.config.MaxParallelFiles)
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res := c.ProcessFile(ctx, path)
			mu.Lock()
			report.add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(report.Files, func(a, b FileResult) int { return strings.Compare(a.Path, b.Path) })
	slices.SortFunc(report.Errors, func(a, b FileError) int { return strings.Compare(a.Path, b.Path) })
	report.Duration = time.Since(start)
	report.Sink = c.sink.Stats()

	getLogger().Info("capture files processed",
		logger.Int("processed", report.FilesProcessed),
		logger.Int("failed", report.FilesFailed),
		logger.Int64("frames", report.Frames),
		logger.Int64("records", report.Records),
		logger.Float64("frames_per_second", report.FramesPerSecond()),
		logger.Duration("duration", report.Duration))

	return report, ctx.Err()
}

// ProcessFile decodes one capture file and writes its records to the sink.
// Errors are reported in the result.
func (c *Coordinator) ProcessFile(ctx context.Context, path string) FileResult {
	start := time.Now()
	res := FileResult{Path: path}
	res.Err = c.processFile(ctx, path, &res)
	res.Duration = time.Since(start)

	status := metrics.StatusSuccess
	if res.Err != nil {
		status = metrics.StatusError
		getLogger().Warn("capture file failed",
			logger.String("path", path),
			logger.Error(res.Err))
	}
	if c.metrics != nil {
		c.metrics.RecordFile(status, res.Size, res.Duration)
	}
	return res
}

func (c *Coordinator) processFile(ctx context.Context, path string, res *FileResult) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.FileError(err, path, 0)
	}
	res.Size = info.Size()

	v, err := c.exec.Do(ctx, executor.KindCPU, func(ctx context.Context) (any, error) {
		return c.decodeFile(ctx, path)
	})
	if err != nil {
		return err
	}
	d := v.(*decoded)

	res.Sequences = d.stats.Sequences
	res.Frames = d.stats.Frames
	res.InvalidFrames = d.stats.InvalidFrames
	res.UnknownFrames = d.unknown
	res.ShortFrames = d.short
	res.Records = d.total()
	res.Partitions = d.partitions
	if c.metrics != nil {
		c.metrics.RecordFrames(d.stats.Frames-d.unknown, d.stats.InvalidFrames, d.unknown)
		c.metrics.RecordRecords(res.Records)
	}

	if err := c.writeRecords(ctx, d); err != nil {
		return err
	}

	stats, err := c.exec.Do(ctx, executor.KindPriority, func(context.Context) (any, error) {
		return c.sink.Stats(), nil
	})
	if err != nil {
		return err
	}
	st := stats.(sink.Stats)
	getLogger().Info("capture file processed",
		logger.String("path", path),
		logger.Uint64("file_index", uint64(d.header.FileIndex)),
		logger.Int("frames", res.Frames),
		logger.Int("unknown_frames", res.UnknownFrames),
		logger.Int("records", res.Records),
		logger.Int64("sink_rows", st.Rows),
		logger.Duration("parse_duration", d.stats.Duration))
	return nil
}

// decodeFile runs on the CPU lane. The mapping and scratch buffer live only
// for the duration of the task.
func (c *Coordinator) decodeFile(ctx context.Context, path string) (*decoded, error) {
	mf, err := c.pool.MapFile(path)
	if err != nil {
		return nil, err
	}
	defer mf.Close() //nolint:errcheck // drops our reference only

	data := mf.Bytes()
	hint := capture.UncompressedSizeHint(data)

	var d *decoded
	parse := func(scratch []byte) error {
		var err error
		d, err = c.decode(ctx, path, data, scratch)
		return err
	}

	if hint <= 0 {
		err := parse(nil)
		return d, err
	}
	err = c.pool.With(hint, func(buf *bufferpool.Buffer) error {
		return parse(buf.Full())
	})
	if errors.Is(err, bufferpool.ErrNoBucket) || errors.Is(err, bufferpool.ErrCapacityExceeded) {
		getLogger().Debug("no pooled scratch buffer, allocating",
			logger.String("path", path),
			logger.Int("size", hint))
		err = parse(nil)
	}
	return d, err
}

func (c *Coordinator) decode(ctx context.Context, path string, data, scratch []byte) (*decoded, error) {
	d := &decoded{records: make(map[string][]sink.Record)}
	var values []dbc.Value
	n := 0

	handle := func(_ capture.SequenceHeader, f capture.Frame) error {
		if n++; n%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		var err error
		values, err = c.db.AppendFrame(values[:0], f.ID, f.Payload())
		switch {
		case errors.Is(err, dbc.ErrUnknownMessage):
			d.unknown++
			return nil
		case errors.Is(err, dbc.ErrShortFrame):
			d.short++
		}
		if len(values) == 0 {
			return nil
		}

		ts := int64(f.Timestamp)
		key := sink.PartitionKey(c.config.PartitionStrategy, path, time.UnixMicro(ts))
		rs, ok := d.records[key]
		if !ok {
			d.partitions = append(d.partitions, key)
		}
		for _, v := range values {
			rs = append(rs, sink.Record{
				Timestamp: ts,
				CANID:     v.Message.ID,
				Message:   v.Message.Name,
				Signal:    v.Signal.Name,
				Value:     v.Value,
				Unit:      v.Signal.Unit,
			})
		}
		d.records[key] = rs
		return nil
	}

	var err error
	d.header, _, d.stats, err = capture.Parse(data, scratch, handle)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// writeRecords writes every partition in BatchSize chunks on the IO lane and
// waits for all of them.
func (c *Coordinator) writeRecords(ctx context.Context, d *decoded) error {
	var ids []string
	var submitErr error
	for _, key := range d.partitions {
		for batch := range slices.Chunk(d.records[key], c.config.BatchSize) {
			id, err := c.exec.SubmitIO(ctx, func(ctx context.Context) (any, error) {
				return len(batch), c.sink.Write(ctx, batch, key)
			})
			if err != nil {
				submitErr = err
				break
			}
			ids = append(ids, id)
		}
		if submitErr != nil {
			break
		}
	}

	errs := []error{submitErr}
	for _, id := range ids {
		if _, err := c.exec.GetResult(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
