// Package query provides the query command.
package query

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/canpipe/internal/conf"
	"github.com/tphakala/canpipe/internal/sink"
)

var (
	storeDir string
	limit    int
	format   string
)

// Command creates the query command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [expression]",
		Short: "Query the columnar store",
		Long: `Print the records matching an expression such as

  canpipe query 'signal = EngineSpeed AND value > 3000'

Fields: partition, timestamp, can_id, message, signal, value, unit.
Operators: = != < <= > >=. Terms are joined with AND.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := settings.Storage.OutputDir
			if cmd.Flags().Changed("store") {
				dir = storeDir
			}
			return run(cmd.Context(), dir, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&storeDir, "store", "s", "", "Columnar store directory")
	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "Maximum rows printed, 0 for all")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, csv")

	return cmd
}

func run(ctx context.Context, dir, expr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("store %s: %w", dir, err)
	}

	store, err := sink.NewColumnStore(sink.Config{Dir: dir}, nil)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck // read only

	start := time.Now()
	records, err := store.Query(ctx, expr)
	if err != nil {
		return err
	}
	total := len(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	switch format {
	case "csv":
		if err := writeCSV(records); err != nil {
			return err
		}
	case "table":
		if err := writeTable(records); err != nil {
			return err
		}
		fmt.Printf("\n%d of %d rows in %s\n", len(records), total, time.Since(start).Round(time.Millisecond))
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	return nil
}

func writeTable(records []sink.Record) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPARTITION\tCAN ID\tMESSAGE\tSIGNAL\tVALUE\tUNIT")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t0x%X\t%s\t%s\t%g\t%s\n",
			r.Time().Format("2006-01-02T15:04:05.000000Z"), r.Partition, r.CANID, r.Message, r.Signal, r.Value, r.Unit)
	}
	return w.Flush()
}

func writeCSV(records []sink.Record) error {
	w := csv.NewWriter(os.Stdout)
	if err := w.Write([]string{"timestamp_us", "partition", "can_id", "message", "signal", "value", "unit"}); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			strconv.FormatInt(r.Timestamp, 10),
			r.Partition,
			strconv.FormatUint(uint64(r.CANID), 10),
			r.Message,
			r.Signal,
			strconv.FormatFloat(r.Value, 'g', -1, 64),
			r.Unit,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
