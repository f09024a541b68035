package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/novasolve/nova-cmo-sub003/internal/agent"
	"github.com/novasolve/nova-cmo-sub003/internal/backend"
	"github.com/novasolve/nova-cmo-sub003/internal/config"
	"github.com/novasolve/nova-cmo-sub003/internal/controller"
	"github.com/novasolve/nova-cmo-sub003/internal/engine"
	"github.com/novasolve/nova-cmo-sub003/internal/logger"
	"github.com/novasolve/nova-cmo-sub003/internal/manager"
)

// app holds what a command needs. Everything is opened lazily so that config
// commands work even when the backend is unreachable.
type app struct {
	configPath string
	agent      agent.Agent
	logOut     io.Writer

	cfg       *config.Config
	log       *logrus.Logger
	mgr       *manager.Manager
	engine    *engine.Engine
	closeSink func() error
}

func (a *app) loadConfig() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log, a.logOut)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

func engineConfig(c *config.Config) engine.Config {
	return engine.Config{
		Workers:        c.Workers,
		PollInterval:   c.PollInterval,
		JobTimeout:     c.JobTimeout,
		ShutdownPolicy: engine.ShutdownPolicy(c.ShutdownPolicy),
		RecoveryPolicy: controller.RecoveryPolicy(c.RecoveryPolicy),
		ProgressBuffer: c.ProgressBuffer,
		StatusInterval: c.StatusInterval,
	}
}

// open connects the backend and builds the engine.
func (a *app) open(ctx context.Context) (*engine.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	if err := a.loadConfig(); err != nil {
		return nil, err
	}
	q, err := backend.Open(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", a.cfg.Backend, err)
	}
	mgr, err := manager.New(q, a.cfg.CacheSize)
	if err != nil {
		q.Close()
		return nil, err
	}
	sink, closeSink, err := backend.Sink(a.cfg, a.log)
	if err != nil {
		mgr.Close()
		return nil, err
	}
	e, err := engine.New(mgr, a.agent, engineConfig(a.cfg),
		engine.WithLogger(a.log), engine.WithSink(sink))
	if err != nil {
		mgr.Close()
		closeSink()
		return nil, err
	}
	a.mgr, a.closeSink, a.engine = mgr, closeSink, e
	return e, nil
}

func (a *app) close() error {
	var err error
	if a.mgr != nil {
		err = multierr.Append(err, a.mgr.Close())
	}
	if a.closeSink != nil {
		err = multierr.Append(err, a.closeSink())
	}
	a.mgr, a.closeSink, a.engine = nil, nil, nil
	return err
}

type engineRun func(cmd *cobra.Command, args []string, e *engine.Engine) error

// withEngine opens the engine for the duration of one short command. Such a command
// needs a durable backend: a memory queue would lose its jobs when the command exits.
func (a *app) withEngine(run engineRun) func(*cobra.Command, []string) error {
	return a.engineCommand(false, run)
}

// withRunningEngine is withEngine for commands that keep the process alive, where an
// in-memory queue is usable.
func (a *app) withRunningEngine(run engineRun) func(*cobra.Command, []string) error {
	return a.engineCommand(true, run)
}

func (a *app) engineCommand(longRunning bool, run engineRun) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		if err := a.loadConfig(); err != nil {
			return err
		}
		if !longRunning && a.cfg.Backend == config.BackendMemory {
			return fmt.Errorf("%q needs a durable backend, %s keeps jobs only while serve or worker start runs",
				cmd.CommandPath(), config.BackendMemory)
		}
		e, err := a.open(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, a.close())
		}()
		return run(cmd, args, e)
	}
}

func NewRootCmd(ag agent.Agent) *cobra.Command {
	a := &app{agent: ag}

	rootCmd := &cobra.Command{
		Use:           "cmo",
		Short:         "A goal job queue with a bounded worker pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.logOut = cmd.ErrOrStderr()
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/cmo/config.yaml)")

	rootCmd.AddCommand(SubmitCmd(a))
	rootCmd.AddCommand(StatusCmd(a))
	rootCmd.AddCommand(StatsCmd(a))
	rootCmd.AddCommand(CancelCmd(a))
	rootCmd.AddCommand(DlqCmd(a))
	rootCmd.AddCommand(WorkerCmd(a))
	rootCmd.AddCommand(ServeCmd(a))
	rootCmd.AddCommand(ConfigCmd(a))
	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(ag agent.Agent) int {
	rootCmd := NewRootCmd(ag)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}
