// Package process provides the process command.
package process

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/canpipe/internal/bufferpool"
	"github.com/tphakala/canpipe/internal/conf"
	"github.com/tphakala/canpipe/internal/logger"
	"github.com/tphakala/canpipe/internal/observability"
	"github.com/tphakala/canpipe/internal/pipeline"
)

var (
	outputDir   string
	pattern     string
	parallel    int
	compression string
	partition   string
)

// Command creates the process command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process [dir]",
		Short: "Decode capture files into the columnar store",
		Long:  "Process every capture file below dir (default: pipeline.inputdir) and write the decoded signals to storage.outputdir.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			applyFlags(cmd, settings)
			dir := settings.Pipeline.InputDir
			if len(args) == 1 {
				dir = args[0]
			}
			return run(settings, dir)
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Columnar store directory")
	cmd.Flags().StringVar(&pattern, "pattern", "", "Glob matched against capture file names")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "Files processed concurrently")
	cmd.Flags().StringVar(&compression, "compression", "", "Column codec: none, snappy, lz4 or zstd")
	cmd.Flags().StringVar(&partition, "partition", "", "Partition strategy: time, file or default")

	return cmd
}

// applyFlags lets explicitly set flags override the configuration.
func applyFlags(cmd *cobra.Command, settings *conf.Settings) {
	flags := cmd.Flags()
	if flags.Changed("output") {
		settings.Storage.OutputDir = outputDir
	}
	if flags.Changed("pattern") {
		settings.Pipeline.FilePattern = pattern
	}
	if flags.Changed("parallel") {
		settings.Pipeline.MaxParallelFiles = parallel
	}
	if flags.Changed("compression") {
		settings.Storage.Compression = compression
	}
	if flags.Changed("partition") {
		settings.Storage.PartitionStrategy = partition
	}
}

func run(settings *conf.Settings, dir string) error {
	if err := conf.ValidateSettings(settings); err != nil {
		return err
	}
	log := logger.Global().Module("process")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *observability.Metrics
	if settings.Metrics.Enabled {
		var err error
		if m, err = observability.NewMetrics(); err != nil {
			return err
		}
		endpoint, err := observability.NewEndpoint(settings.Metrics.Listen, m)
		if err != nil {
			return err
		}
		endpointCtx, cancelEndpoint := context.WithCancel(ctx)
		if err := endpoint.Start(endpointCtx); err != nil {
			cancelEndpoint()
			return err
		}
		defer func() {
			cancelEndpoint()
			endpoint.Wait()
		}()
	}

	leaks := bufferpool.NewLeakDetector(0)
	if _, err := leaks.TakeSnapshot("start"); err != nil {
		log.Debug("memory snapshot unavailable", logger.Error(err))
	}

	c, err := pipeline.NewFromSettings(settings, m)
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return err
	}

	report, runErr := c.Run(ctx, dir)
	if info, err := c.Pool().RecordSystemMemory(); err == nil {
		log.Info("memory after run",
			logger.Uint64("process_rss", info.ProcessRSS),
			logger.Float64("system_used_percent", info.UsedPercent))
	}
	poolStats := c.Pool().Stats()
	if err := c.Close(); err != nil && runErr == nil {
		runErr = err
	}

	if _, err := leaks.TakeSnapshot("end"); err == nil {
		if lr, err := leaks.Analyze(); err == nil && lr.PotentialLeak {
			log.Warn("process memory grew during run",
				logger.Int64("rss_growth", lr.RSSGrowth),
				logger.Duration("elapsed", lr.Elapsed))
		}
	}

	if report != nil {
		printReport(report, poolStats)
	}
	if runErr != nil {
		return runErr
	}
	if report.FilesFailed > 0 {
		return fmt.Errorf("%d of %d files failed", report.FilesFailed, report.FilesFailed+report.FilesProcessed)
	}
	return nil
}

func printReport(r *pipeline.Report, ps bufferpool.Stats) {
	fmt.Printf("Files processed:  %d\n", r.FilesProcessed)
	fmt.Printf("Files failed:     %d\n", r.FilesFailed)
	fmt.Printf("Frames:           %d (%d invalid, %d unknown)\n", r.Frames, r.InvalidFrames, r.UnknownFrames)
	fmt.Printf("Records:          %d\n", r.Records)
	fmt.Printf("Input bytes:      %d\n", r.Bytes)
	fmt.Printf("Duration:         %s (%.0f frames/s)\n", r.Duration.Round(time.Millisecond), r.FramesPerSecond())
	fmt.Printf("Store:            %d partitions, %d segments, %d rows, ratio %.2f\n",
		r.Sink.Partitions, r.Sink.Segments, r.Sink.Rows, r.Sink.CompressionRatio())
	fmt.Printf("Buffer reuse:     %.1f%% (%d allocations, %d reuses)\n",
		ps.ReuseRate()*100, ps.Allocations, ps.Reuses)
	for _, fe := range r.Errors {
		fmt.Printf("  failed: %s: %v\n", fe.Path, fe.Err)
	}
}
