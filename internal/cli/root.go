// Package cli implements the weekender operator commands: one-shot sync
// and reconcile passes plus a status inspection, layered over the planner
// facade. The CLI is an outer surface; all semantics live in the core.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/weekender-app/weekender/internal/config"
	"github.com/weekender-app/weekender/internal/planner"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Config  string
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the weekender CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "weekender",
		Short: "Weekender - offline-first weekend planner sync core",
		Long:  "Operator surface for the weekender sync core: drain the outbox, run calendar reconciliation, and inspect replication state.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Config, "config", "weekender.yaml", "path to configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openPlanner loads configuration and builds a wired planner for one-shot
// commands. The caller must Close it.
func openPlanner(opts *RootOptions, errWriter io.Writer) (*planner.Planner, error) {
	logLevel := slog.LevelWarn
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errWriter, &slog.HandlerOptions{Level: logLevel}))

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	// One-shot commands drive their pass explicitly; the background tick
	// only adds noise.
	cfg.SafetyTick = 0
	p, err := planner.Open(cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open planner", err)
	}
	return p, nil
}

// Execute runs the root command and exits with the mapped code.
func Execute() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(GetExitCode(err))
	}
}
