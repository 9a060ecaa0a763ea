package pipeline

import (
	"time"

	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/sink"
)

// FileResult describes one processed file.
type FileResult struct {
	Path          string
	Size          int64
	Sequences     int
	Frames        int // valid frames in the file
	InvalidFrames int
	UnknownFrames int // valid frames whose id is not in the database
	ShortFrames   int // frames too short for at least one signal
	Records       int
	Partitions    []string
	Duration      time.Duration
	Err           error
}

// FileError pairs a failed file with its error.
type FileError struct {
	Path string
	Err  error
}

// Report summarizes a Run.
type Report struct {
	FilesProcessed int
	FilesFailed    int
	Frames         int64
	InvalidFrames  int64
	UnknownFrames  int64
	Records        int64
	Bytes          int64
	Duration       time.Duration
	Files          []FileResult
	Errors         []FileError
	Sink           sink.Stats
}

func (r *Report) add(res FileResult) {
	r.Files = append(r.Files, res)
	if res.Err != nil {
		r.FilesFailed++
		r.Errors = append(r.Errors, FileError{Path: res.Path, Err: res.Err})
		return
	}
	r.FilesProcessed++
	r.Frames += int64(res.Frames)
	r.InvalidFrames += int64(res.InvalidFrames)
	r.UnknownFrames += int64(res.UnknownFrames)
	r.Records += int64(res.Records)
	r.Bytes += res.Size
}

// Err joins the per-file errors, nil when every file succeeded.
func (r *Report) Err() error {
	errs := make([]error, len(r.Errors))
	for i, fe := range r.Errors {
		errs[i] = fe.Err
	}
	return errors.Join(errs...)
}

// FramesPerSecond is the decode throughput of the run.
func (r *Report) FramesPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Frames) / r.Duration.Seconds()
}
