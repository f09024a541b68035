package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/novasolve/nova-cmo-sub003/internal/engine"
	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

type failedJob struct {
	ID        string `json:"id" yaml:"id"`
	Goal      string `json:"goal" yaml:"goal"`
	CreatedBy string `json:"created_by" yaml:"created_by"`
	Error     string `json:"error" yaml:"error"`
}

// DlqCmd shows failed jobs with their error. Failed is terminal, so there is no retry;
// submit the goal again instead.
func DlqCmd(a *app) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect failed jobs",
	}

	var output string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all failed jobs and why they failed",
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, e *engine.Engine) error {
			jobs, err := e.ListJobs(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			var failed []failedJob
			for _, j := range jobs {
				if j.Status != model.StatusFailed {
					continue
				}
				st, err := e.GetJobStatus(cmd.Context(), j.ID)
				if err != nil {
					return fmt.Errorf("failed to get job %s: %w", j.ID, err)
				}
				fj := failedJob{ID: j.ID, Goal: j.Goal, CreatedBy: j.CreatedBy}
				if st != nil && st.Result != nil {
					fj.Error = st.Result.Error
				}
				failed = append(failed, fj)
			}

			if len(failed) == 0 && (output == outputTable || output == "") {
				fmt.Fprintln(cmd.OutOrStdout(), "No failed jobs.")
				return nil
			}
			return render(cmd.OutOrStdout(), output, failed, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ID\tGOAL\tERROR")
				for _, j := range failed {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", j.ID, j.Goal, j.Error)
				}
			})
		}),
	}
	listCmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json or yaml")

	dlqCmd.AddCommand(listCmd)
	return dlqCmd
}
