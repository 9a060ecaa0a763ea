// Package pipeline turns directories of capture files into columnar signal
// data. A Coordinator maps each file, decodes its frames on the executor's CPU
// lane and writes record batches to the sink on the IO lane.
package pipeline

import (
	"context"
	"time"

	"github.com/tphakala/canpipe/internal/bufferpool"
	"github.com/tphakala/canpipe/internal/conf"
	"github.com/tphakala/canpipe/internal/dbc"
	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/executor"
	"github.com/tphakala/canpipe/internal/logger"
	"github.com/tphakala/canpipe/internal/observability"
	"github.com/tphakala/canpipe/internal/observability/metrics"
	"github.com/tphakala/canpipe/internal/sink"
)

// Config tunes a Coordinator.
type Config struct {
	FilePattern       string // glob matched against file base names
	MaxParallelFiles  int
	BatchSize         int // records per sink write
	PartitionStrategy string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		FilePattern:       "*.bin",
		MaxParallelFiles:  4,
		BatchSize:         10_000,
		PartitionStrategy: sink.PartitionTime,
	}
}

// Coordinator owns the buffer pool, executor, signal database and sink used
// to process capture files.
type Coordinator struct {
	config  Config
	pool    *bufferpool.Pool
	exec    *executor.Executor
	db      *dbc.Database
	sink    sink.Sink
	metrics *metrics.PipelineMetrics
}

// New assembles a Coordinator from its parts. m may be nil.
func New(config Config, pool *bufferpool.Pool, exec *executor.Executor, db *dbc.Database, s sink.Sink, m *metrics.PipelineMetrics) (*Coordinator, error) {
	switch {
	case pool == nil, exec == nil, db == nil, s == nil:
		return nil, errors.Newf("pipeline requires a buffer pool, executor, database and sink").
			Component("pipeline").
			Category(errors.CategoryValidation).
			Build()
	case config.MaxParallelFiles <= 0, config.BatchSize <= 0:
		return nil, errors.Newf("max parallel files and batch size must be positive").
			Component("pipeline").
			Category(errors.CategoryValidation).
			Context("max_parallel_files", config.MaxParallelFiles).
			Context("batch_size", config.BatchSize).
			Build()
	}
	if config.FilePattern == "" {
		config.FilePattern = DefaultConfig().FilePattern
	}
	return &Coordinator{config: config, pool: pool, exec: exec, db: db, sink: s, metrics: m}, nil
}

// NewFromSettings builds every component from application settings. m may be nil.
func NewFromSettings(settings *conf.Settings, m *observability.Metrics) (*Coordinator, error) {
	var (
		poolMetrics *metrics.BufferPoolMetrics
		execMetrics *metrics.ExecutorMetrics
		pipeMetrics *metrics.PipelineMetrics
	)
	if m != nil {
		poolMetrics, execMetrics, pipeMetrics = m.BufferPool, m.Executor, m.Pipeline
	}

	db := dbc.Builtin()
	if settings.Pipeline.DBCFile != "" {
		parsed, err := dbc.ParseFile(settings.Pipeline.DBCFile)
		if err != nil {
			return nil, err
		}
		db = parsed
	}

	codec, err := sink.ParseCodec(settings.Storage.Compression)
	if err != nil {
		return nil, err
	}

	pool, err := bufferpool.New(bufferpool.Config{
		MaxMemoryBytes:    settings.BufferPool.MaxMemoryBytes(),
		SizeBuckets:       settings.BufferPool.SizeBuckets,
		MMapCacheCapacity: settings.BufferPool.MMapCacheCapacity,
		FreeListCap:       settings.BufferPool.FreeListCap,
		HardLimit:         settings.BufferPool.HardLimit,
	}, poolMetrics)
	if err != nil {
		return nil, err
	}

	execConfig := executor.DefaultConfig()
	if settings.Executor.CPUWorkers > 0 {
		execConfig.CPUWorkers = settings.Executor.CPUWorkers
	}
	execConfig.IOWorkers = settings.Executor.IOWorkers
	execConfig.MaxConcurrent = settings.Executor.MaxConcurrent
	execConfig.DefaultTimeout = settings.Executor.DefaultTimeout
	execConfig.PriorityTimeout = settings.Executor.PriorityTimeout
	execConfig.StatsInterval = settings.Executor.StatsInterval
	execConfig.ShutdownGrace = settings.Executor.ShutdownGrace
	execConfig.ResultRetention = settings.Executor.ResultRetention
	exec, err := executor.New(execConfig, execMetrics)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	store, err := sink.NewColumnStore(sink.Config{
		Dir:          settings.Storage.OutputDir,
		Codec:        codec,
		RowGroupSize: settings.Storage.RowGroupSize,
	}, pipeMetrics)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	return New(Config{
		FilePattern:       settings.Pipeline.FilePattern,
		MaxParallelFiles:  settings.Pipeline.MaxParallelFiles,
		BatchSize:         settings.Pipeline.BatchSize,
		PartitionStrategy: settings.Storage.PartitionStrategy,
	}, pool, exec, db, store, pipeMetrics)
}

// Start starts the executor. ctx bounds its lifetime.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.exec.Start(ctx)
}

// Pool returns the buffer pool.
func (c *Coordinator) Pool() *bufferpool.Pool { return c.pool }

// Executor returns the task executor.
func (c *Coordinator) Executor() *executor.Executor { return c.exec }

// Sink returns the record sink.
func (c *Coordinator) Sink() sink.Sink { return c.sink }

// Close stops the executor, then closes the sink and the buffer pool.
func (c *Coordinator) Close() error {
	start := time.Now()
	err := errors.Join(c.exec.Stop(), c.sink.Close(), c.pool.Close())
	getLogger().Info("pipeline closed",
		logger.Duration("duration", time.Since(start)),
		logger.Bool("clean", err == nil))
	return err
}
