package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command: one flush pass over the outbox.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain due outbox entries to the remote store",
		Long: `Run one flush pass: compact the outbox and attempt every due
operation against the remote planner store. Failures stay queued under
capped exponential backoff.

Example:
  weekender sync --config ./weekender.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlanner(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer p.Close()

			stats := p.SyncNow(cmd.Context())
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if rootOpts.Format == "json" {
				if err := out.Success(stats); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(),
					"attempted %d, applied %d, failed %d, remote wins %d\n",
					stats.Attempted, stats.Applied, stats.Failed, stats.RemoteWins)
			}
			if stats.Failed > 0 {
				return NewExitError(ExitFailure,
					fmt.Sprintf("%d operation(s) left queued for retry", stats.Failed))
			}
			return nil
		},
	}
}
