package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/novasolve/nova-cmo-sub003/internal/config"
)

func ConfigCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	var output string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), output, a.cfg, func(tw *tabwriter.Writer) {
				c := a.cfg
				fmt.Fprintf(tw, "file:\t%s\n", c.Path())
				fmt.Fprintf(tw, "backend:\t%s\n", c.Backend)
				fmt.Fprintf(tw, "data_dir:\t%s\n", c.DataDir)
				fmt.Fprintf(tw, "workers:\t%d\n", c.Workers)
				fmt.Fprintf(tw, "poll_interval:\t%s\n", c.PollInterval)
				fmt.Fprintf(tw, "job_timeout:\t%s\n", c.JobTimeout)
				fmt.Fprintf(tw, "shutdown_policy:\t%s\n", c.ShutdownPolicy)
				fmt.Fprintf(tw, "recovery_policy:\t%s\n", c.RecoveryPolicy)
				fmt.Fprintf(tw, "status_interval:\t%s\n", c.StatusInterval)
				fmt.Fprintf(tw, "events.sinks:\t%s\n", strings.Join(c.Events.Sinks, ","))
				fmt.Fprintf(tw, "log.level:\t%s\n", c.Log.Level)
				fmt.Fprintf(tw, "http_addr:\t%s\n", c.HTTPAddr)
			})
		},
	}
	showCmd.Flags().StringVarP(&output, "output", "o", outputYAML, "Output format: table, json or yaml")

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a configuration value. Keys: " + strings.Join(config.Keys(), ", "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			key, value := args[0], args[1]
			if err := a.cfg.Set(key, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
			return nil
		},
	}

	configCmd.AddCommand(showCmd)
	configCmd.AddCommand(setCmd)
	return configCmd
}
