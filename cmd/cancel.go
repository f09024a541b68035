package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/novasolve/nova-cmo-sub003/internal/engine"
)

func CancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, e *engine.Engine) error {
			job, err := e.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to cancel job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled.\n", job.ID)
			return nil
		}),
	}
}
