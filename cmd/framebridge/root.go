package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/neboloop/framebridge/internal/config"
	"github.com/neboloop/framebridge/internal/logging"
)

// Shared CLI flags
var (
	cfgFile string
	verbose bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "framebridge",
		Short: "framebridge - embed web surfaces into browser windows",
		Long: `framebridge watches the windows of a Chrome browser, mounts web surfaces
at configured locations and bridges messages between the host and each surface.

Run 'framebridge run' to start against a browser, or 'framebridge demo' to see a
surface mounted into an in-memory document.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultFile, "config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(demoCmd())
	return rootCmd
}

// newLogger builds the process logger from the log section, raised to debug
// by --verbose.
func newLogger(c config.LogConfig) (*slog.Logger, error) {
	level := c.Level
	if verbose {
		level = "debug"
	}
	return logging.New(logging.Options{Level: level, Format: c.Format, NoColor: c.NoColor})
}
