package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/novasolve/nova-cmo-sub003/internal/engine"
	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

func StatusCmd(a *app) *cobra.Command {
	var state, output string
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show one job, or list jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, e *engine.Engine) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				st, err := e.GetJobStatus(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("failed to get job: %w", err)
				}
				if st == nil {
					return model.NotFound(args[0])
				}
				return render(out, output, st, func(tw *tabwriter.Writer) { jobTable(tw, st) })
			}

			jobs, err := e.ListJobs(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if state != "" {
				st, ok := model.ParseStatus(state)
				if !ok {
					return fmt.Errorf("unknown state %q", state)
				}
				filtered := jobs[:0]
				for _, j := range jobs {
					if j.Status == st {
						filtered = append(filtered, j)
					}
				}
				jobs = filtered
			}
			if len(jobs) == 0 && (output == outputTable || output == "") {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			return render(out, output, jobs, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tBY\tGOAL")
				for _, j := range jobs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Status, formatTime(j.CreatedAt), j.CreatedBy, j.Goal)
				}
			})
		}),
	}
	cmd.Flags().StringVar(&state, "state", "", "Filter jobs by state (queued, running, succeeded, failed, cancelled)")
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json or yaml")
	return cmd
}

func jobTable(tw *tabwriter.Writer, st *engine.JobStatus) {
	fmt.Fprintf(tw, "ID:\t%s\n", st.ID)
	fmt.Fprintf(tw, "Goal:\t%s\n", st.Goal)
	fmt.Fprintf(tw, "Submitted by:\t%s\n", st.CreatedBy)
	fmt.Fprintf(tw, "Status:\t%s\n", st.Status)
	if st.Stage != "" {
		stage := st.Stage
		if st.Step != nil {
			stage = fmt.Sprintf("%s (step %d)", stage, *st.Step)
		}
		fmt.Fprintf(tw, "Stage:\t%s\n", stage)
	}
	fmt.Fprintf(tw, "Created:\t%s\n", formatTime(st.CreatedAt))
	fmt.Fprintf(tw, "Updated:\t%s\n", formatTime(st.UpdatedAt))
	if r := st.Result; r != nil {
		if r.FinalState != "" {
			fmt.Fprintf(tw, "Final state:\t%s\n", r.FinalState)
		}
		if r.Error != "" {
			fmt.Fprintf(tw, "Error:\t%s\n", r.Error)
		}
		for k, v := range r.Artifacts {
			fmt.Fprintf(tw, "Artifact %s:\t%v\n", k, v)
		}
	}
}

type statsView struct {
	Jobs    engine.JobStats    `json:"jobs" yaml:"jobs"`
	Workers engine.WorkerStats `json:"workers" yaml:"workers"`
	Pool    *WorkerStatus      `json:"pool,omitempty" yaml:"pool,omitempty"`
}

func StatsCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show a summary of job states and the worker pool",
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, e *engine.Engine) error {
			stats, err := e.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			pool, err := readWorkerStatus(a.cfg.DataDir)
			if err != nil {
				return err
			}
			view := statsView{Jobs: stats.Jobs, Workers: stats.Workers, Pool: pool}
			return render(cmd.OutOrStdout(), output, view, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "--- Job Queue Status ---")
				fmt.Fprintf(tw, "total:\t%d\n", stats.Jobs.Total)
				for _, st := range model.Statuses {
					fmt.Fprintf(tw, "%s:\t%d\n", st, stats.Jobs.ByStatus[st])
				}
				fmt.Fprintln(tw, "--- Worker Status ---")
				if pool == nil {
					fmt.Fprintln(tw, "workers:\t0 (stopped)")
					return
				}
				fmt.Fprintf(tw, "workers:\t%d started at %s\n", pool.Count, formatTime(pool.StartedAt))
				fmt.Fprintf(tw, "pid:\t%d\n", pool.WorkerPoolPid)
			})
		}),
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json or yaml")
	return cmd
}

func readWorkerStatus(dataDir string) (*WorkerStatus, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, workerStatusFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read worker status: %w", err)
	}
	var status WorkerStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("could not parse worker status: %w", err)
	}
	return &status, nil
}
