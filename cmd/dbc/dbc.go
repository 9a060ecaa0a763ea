// Package dbc provides the dbc command.
package dbc

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/canpipe/internal/conf"
	dbcpkg "github.com/tphakala/canpipe/internal/dbc"
)

// Command creates the dbc command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dbc [file.dbc]",
		Short: "List the messages and signals of a signal database",
		Long:  "List a DBC file, or pipeline.dbcfile, or the built-in vehicle database when neither is set.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := settings.Pipeline.DBCFile
			if len(args) == 1 {
				path = args[0]
			}
			return run(path)
		},
	}
	return cmd
}

func run(path string) error {
	db := dbcpkg.Builtin()
	source := "built-in"
	if path != "" {
		parsed, err := dbcpkg.ParseFile(path)
		if err != nil {
			return err
		}
		db, source = parsed, path
	}

	messages := db.Messages()
	fmt.Printf("%s: %d messages, %d signals\n\n", source, len(messages), db.SignalCount())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, m := range messages {
		fmt.Fprintf(w, "0x%X\t%s\tdlc %d\t%s\n", m.ID, m.Name, m.DLC, m.Sender)
		for _, s := range m.Signals {
			sign := "+"
			if s.Signed {
				sign = "-"
			}
			fmt.Fprintf(w, "\t  %s\t%d|%d@%d%s\t(%g,%g)\t[%g|%g]\t%s\n",
				s.Name, s.StartBit, s.Length, uint8(s.ByteOrder), sign, s.Factor, s.Offset, s.Min, s.Max, s.Unit)
		}
	}
	return w.Flush()
}
