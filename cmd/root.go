// Package cmd provides the sieman command-line interface.
package cmd

import (
	"context"
	"fmt"
	"os"

	"sieman/bootstrap"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

var (
	configFile string
	noColor    bool
)

// NewRootCmd builds the root command. Running it with no subcommand starts
// the full pipeline and blocks until SIGINT/SIGTERM.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sieman",
		Short: "Stream log sources through detection rules and emit alerts",
		Long: `sieman tails heterogeneous log sources, normalizes each line into a
structured event, evaluates threshold and correlation rules over sliding
time windows, and emits alerts to the configured channels.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context())
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(newRulesCmd())
	rootCmd.AddCommand(newReplayCmd())

	return rootCmd
}

func runPipeline(ctx context.Context) error {
	app, err := bootstrap.NewApp(ctx, configFile)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("start: %w", err)
	}
	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
