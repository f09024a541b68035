package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/novasolve/nova-cmo-sub003/internal/engine"
)

const workerStatusFile = "worker.status"

// WorkerStatus is written to the data dir while a worker pool runs.
type WorkerStatus struct {
	Count         int       `json:"count" yaml:"count"`
	StartedAt     time.Time `json:"started_at" yaml:"started_at"`
	WorkerPoolPid int       `json:"worker_pool_pid" yaml:"worker_pool_pid"`
}

// ErrPoolRunning is returned when another live process already runs workers on the
// same data dir. Its running jobs would be taken for orphans of a crashed run.
var ErrPoolRunning = errors.New("a worker pool is already running")

// processAlive reports whether pid names a running process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// writeWorkerStatus records this process as the data dir's worker pool. It fails with
// ErrPoolRunning while the recorded pool is still alive; a file left by a dead
// process is replaced.
func writeWorkerStatus(dataDir string, count int) (func() error, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	current, err := readWorkerStatus(dataDir)
	if err != nil {
		return nil, err
	}
	if current != nil && current.WorkerPoolPid != os.Getpid() && processAlive(current.WorkerPoolPid) {
		return nil, fmt.Errorf("%w (pid %d, started %s)", ErrPoolRunning,
			current.WorkerPoolPid, formatTime(current.StartedAt))
	}

	path := filepath.Join(dataDir, workerStatusFile)
	data, err := json.Marshal(WorkerStatus{Count: count, StartedAt: time.Now(), WorkerPoolPid: os.Getpid()})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	return func() error { return os.Remove(path) }, nil
}

// runPool registers this process as the worker pool, then runs e until ctx ends.
func (a *app) runPool(ctx context.Context, e *engine.Engine) (err error) {
	removeStatus, err := writeWorkerStatus(a.cfg.DataDir, a.cfg.Workers)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, removeStatus())
	}()
	return a.runEngine(ctx, e)
}

// runEngine starts e and blocks until ctx is cancelled, then shuts it down within
// the configured shutdown timeout.
func (a *app) runEngine(ctx context.Context, e *engine.Engine) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.Shutdown(sctx)
}

func WorkerCmd(a *app) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage worker processes",
	}

	var count int
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a pool of workers in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(); err != nil {
				return err
			}
			if cmd.Flags().Changed("count") {
				a.cfg.Workers = count
			}
			return a.withRunningEngine(func(cmd *cobra.Command, args []string, e *engine.Engine) error {
				log := a.log.WithField("workers", a.cfg.Workers)
				log.Info("starting worker pool, press Ctrl+C to shut down gracefully")

				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				if err := a.runPool(ctx, e); err != nil {
					return err
				}
				log.Info("all workers have shut down, exiting")
				return nil
			})(cmd, args)
		},
	}
	startCmd.Flags().IntVar(&count, "count", 1, "Number of workers to start")
	workerCmd.AddCommand(startCmd)

	return workerCmd
}
