package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command: outbox depth, last sync
// error and pending conflicts.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Inspect replication state",
		Long: `Report the current outbox depth, the most recent sync failure
message, and events whose conflict state is pending.

Example:
  weekender status --config ./weekender.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlanner(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer p.Close()

			st := p.Status()
			if rootOpts.Format == "json" {
				out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
				return out.Success(st)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "outbox depth:      %d\n", st.OutboxDepth)
			if st.LastSyncError == "" {
				fmt.Fprintln(w, "last sync error:   none")
			} else {
				fmt.Fprintf(w, "last sync error:   %s\n", st.LastSyncError)
			}
			if len(st.PendingConflicts) == 0 {
				fmt.Fprintln(w, "pending conflicts: none")
			} else {
				fmt.Fprintf(w, "pending conflicts: %d\n", len(st.PendingConflicts))
				for _, id := range st.PendingConflicts {
					fmt.Fprintf(w, "  %s\n", id)
				}
			}
			return nil
		},
	}
}
