// Package cmd assembles the canpipe command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/canpipe/cmd/dbc"
	"github.com/tphakala/canpipe/cmd/generate"
	"github.com/tphakala/canpipe/cmd/process"
	"github.com/tphakala/canpipe/cmd/query"
	"github.com/tphakala/canpipe/cmd/stats"
	"github.com/tphakala/canpipe/internal/buildinfo"
	"github.com/tphakala/canpipe/internal/conf"
	"github.com/tphakala/canpipe/internal/errors"
	"github.com/tphakala/canpipe/internal/logger"
)

// RootCommand creates the root command. Configuration is loaded into
// settings before any subcommand runs.
func RootCommand(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "canpipe",
		Short:         "CAN capture processing pipeline",
		Long:          "canpipe decodes compressed CAN bus capture files into signal values and stores them in a partitioned columnar layout.",
		Version:       info.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate(info.String() + "\n")

	setupFlags(rootCmd, &configFile)

	rootCmd.AddCommand(
		process.Command(settings),
		generate.Command(settings),
		query.Command(settings),
		stats.Command(settings),
		dbc.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return initialize(settings, info, configFile)
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return logger.Global().Flush()
	}

	return rootCmd
}

// initialize loads configuration and installs the central logger and error telemetry.
func initialize(settings *conf.Settings, info *buildinfo.Context, configFile string) error {
	loaded, err := conf.Load(configFile)
	if err != nil {
		return err
	}
	*settings = *loaded

	if viper.GetBool("debug") {
		settings.Debug = true
	}
	if settings.Debug {
		settings.Main.Log.DefaultLevel = "debug"
		if settings.Main.Log.Console != nil {
			settings.Main.Log.Console.Level = "debug"
		}
	}

	central, err := logger.NewCentralLogger(&settings.Main.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetGlobal(central)

	if settings.Sentry.Enabled {
		if err := errors.InitSentry(settings.Sentry.DSN, info.Release()); err != nil {
			return err
		}
		logger.Global().Module("main").Info("error telemetry enabled",
			logger.String("release", info.Release()))
	}
	return nil
}

// setupFlags defines flags that are global to the command line interface.
func setupFlags(rootCmd *cobra.Command, configFile *string) {
	rootCmd.PersistentFlags().StringVarP(configFile, "config", "c", "", "Path to config.yaml (default: search standard locations)")
	rootCmd.PersistentFlags().BoolP("debug", "d", viper.GetBool("debug"), "Enable debug output")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		panic(fmt.Sprintf("error binding debug flag: %v", err))
	}
}
