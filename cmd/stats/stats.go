// Package stats provides the stats command.
package stats

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/canpipe/internal/bufferpool"
	"github.com/tphakala/canpipe/internal/conf"
	"github.com/tphakala/canpipe/internal/cpuspec"
	"github.com/tphakala/canpipe/internal/sink"
)

// Command creates the stats command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory, buffer pool and store information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings)
		},
	}
	return cmd
}

func run(settings *conf.Settings) error {
	mem, err := bufferpool.SystemMemory()
	if err != nil {
		return err
	}
	fmt.Println("System")
	fmt.Printf("  memory total:      %s\n", formatBytes(mem.TotalBytes))
	fmt.Printf("  memory available:  %s\n", formatBytes(mem.AvailableBytes))
	fmt.Printf("  memory used:       %.1f%%\n", mem.UsedPercent)
	fmt.Printf("  process rss:       %s\n", formatBytes(mem.ProcessRSS))
	spec := cpuspec.GetCPUSpec()
	fmt.Printf("  cpu workers:       %d (configured %d)\n", spec.OptimalCPUWorkers(), settings.Executor.CPUWorkers)

	bp := settings.BufferPool
	fmt.Println("Buffer pool")
	fmt.Printf("  budget:            %s (hard limit %t)\n", formatBytes(uint64(bp.MaxMemoryBytes())), bp.HardLimit)
	fmt.Printf("  buckets:          ")
	for _, b := range bp.SizeBuckets {
		fmt.Printf(" %s", formatBytes(uint64(b)))
	}
	fmt.Println()
	fmt.Printf("  mmap cache:        %d files\n", bp.MMapCacheCapacity)

	fmt.Println("Store")
	if _, err := os.Stat(settings.Storage.OutputDir); err != nil {
		fmt.Printf("  %s: not created yet\n", settings.Storage.OutputDir)
		return nil
	}
	store, err := sink.NewColumnStore(sink.Config{Dir: settings.Storage.OutputDir}, nil)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck // read only

	st := store.Stats()
	fmt.Printf("  directory:         %s\n", settings.Storage.OutputDir)
	fmt.Printf("  partitions:        %d\n", st.Partitions)
	fmt.Printf("  segments:          %d\n", st.Segments)
	fmt.Printf("  rows:              %d\n", st.Rows)
	return nil
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
