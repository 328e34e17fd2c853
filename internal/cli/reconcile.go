package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weekender-app/weekender/internal/reconcile"
)

// NewReconcileCommand creates the reconcile command: one explicit
// import/merge/sweep pass over the configured calendars.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one calendar reconciliation pass",
		Long: `Fetch the configured calendar sources, merge external changes into
the local store, push local changes back where permitted, and sweep
externally deleted events. Runs as an explicit user request, so the
sweep executes even when the fetch returns nothing.

Example:
  weekender reconcile --config ./weekender.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlanner(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer p.Close()

			stats, err := p.Reconcile(cmd.Context(), reconcile.TriggerUser)
			if err != nil {
				return WrapExitError(ExitFailure, "reconciliation pass failed", err)
			}
			// The pass queued outbound work; drain it in the same invocation.
			flush := p.SyncNow(cmd.Context())

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if rootOpts.Format == "json" {
				return out.Success(map[string]any{"reconcile": stats, "sync": flush})
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"fetched %d, imported %d, merged %d, pushed %d, conflicts %d, swept %d\n",
				stats.Fetched, stats.Imported, stats.Merged, stats.Pushed,
				stats.Conflicts, stats.Swept)
			fmt.Fprintf(cmd.OutOrStdout(), "flush: applied %d, failed %d\n",
				flush.Applied, flush.Failed)
			return nil
		},
	}
}
