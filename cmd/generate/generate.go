// Package generate provides the generate command.
package generate

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/canpipe/internal/capture"
	"github.com/tphakala/canpipe/internal/conf"
)

var (
	files     int
	sequences int
	frames    int
	seed      uint64
)

// Command creates the generate command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate [dir]",
		Short: "Write synthetic capture files",
		Long:  "Generate deterministic capture files matching the built-in signal database, for testing and benchmarking.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := settings.Pipeline.InputDir
			if len(args) == 1 {
				dir = args[0]
			}
			return run(dir)
		},
	}

	defaults := capture.DefaultGeneratorConfig()
	cmd.Flags().IntVarP(&files, "files", "n", 10, "Number of files")
	cmd.Flags().IntVar(&sequences, "sequences", defaults.Sequences, "Sequences per file")
	cmd.Flags().IntVar(&frames, "frames", defaults.FramesPerSequence, "Frames per sequence")
	cmd.Flags().Uint64Var(&seed, "seed", defaults.Seed, "Random seed")

	return cmd
}

func run(dir string) error {
	if files <= 0 || sequences <= 0 || frames <= 0 {
		return fmt.Errorf("files, sequences and frames must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	config := capture.DefaultGeneratorConfig()
	config.Sequences = sequences
	config.FramesPerSequence = frames
	config.Seed = seed

	paths, err := capture.NewGenerator(config).WriteFiles(dir, files)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %d files with %d frames each to %s\n", len(paths), sequences*frames, dir)
	return nil
}
