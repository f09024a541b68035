package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/novasolve/nova-cmo-sub003/internal/engine"
)

func defaultSubmitter() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func SubmitCmd(a *app) *cobra.Command {
	var createdBy string
	cmd := &cobra.Command{
		Use:   "submit <goal>",
		Short: "Adds a goal to the queue and prints its job id",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, e *engine.Engine) error {
			goal := strings.Join(args, " ")
			id, err := e.SubmitJob(cmd.Context(), goal, createdBy)
			if err != nil {
				return fmt.Errorf("failed to submit job: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		}),
	}
	cmd.Flags().StringVar(&createdBy, "by", defaultSubmitter(), "Submitter recorded on the job")
	return cmd
}
