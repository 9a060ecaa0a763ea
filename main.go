package main

import (
	"fmt"
	"os"

	"github.com/tphakala/canpipe/cmd"
	"github.com/tphakala/canpipe/internal/buildinfo"
	"github.com/tphakala/canpipe/internal/conf"
	"github.com/tphakala/canpipe/internal/logger"
)

// Set through ldflags: -X main.version=... -X main.buildDate=...
var (
	version   = ""
	buildDate = ""
)

func main() {
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	info := buildinfo.NewContext(version, buildDate)
	settings := &conf.Settings{}

	rootCmd := cmd.RootCommand(settings, info)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		_ = logger.Global().Flush()
		return 1
	}
	return 0
}
