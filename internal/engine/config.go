package engine

import (
	"fmt"
	"time"

	"github.com/novasolve/nova-cmo-sub003/internal/controller"
)

// ShutdownPolicy decides what happens to jobs still running when the engine stops.
type ShutdownPolicy string

const (
	// ShutdownDrain lets running jobs finish.
	ShutdownDrain ShutdownPolicy = "drain"
	// ShutdownCancel cancels running jobs and marks them cancelled.
	ShutdownCancel ShutdownPolicy = "cancel"
)

func (p ShutdownPolicy) Valid() bool {
	return p == ShutdownDrain || p == ShutdownCancel
}

const (
	DefaultWorkers        = 1
	DefaultPollInterval   = time.Second
	DefaultProgressBuffer = 16
	DefaultStatusInterval = 2 * time.Second
)

type Config struct {
	Workers        int
	PollInterval   time.Duration
	JobTimeout     time.Duration // zero means no limit
	ShutdownPolicy ShutdownPolicy
	RecoveryPolicy controller.RecoveryPolicy
	ProgressBuffer int
	// StatusInterval is how often a running job's stored status is re-read to
	// notice a cancellation made by another process.
	StatusInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:        DefaultWorkers,
		PollInterval:   DefaultPollInterval,
		ShutdownPolicy: ShutdownDrain,
		RecoveryPolicy: controller.RecoverFail,
		ProgressBuffer: DefaultProgressBuffer,
		StatusInterval: DefaultStatusInterval,
	}
}

// Validate fills unset fields with defaults and rejects values that can't work.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval < 0 || c.JobTimeout < 0 || c.StatusInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.ProgressBuffer < 0 {
		return fmt.Errorf("progress buffer must not be negative, got %d", c.ProgressBuffer)
	}
	if c.ProgressBuffer == 0 {
		c.ProgressBuffer = DefaultProgressBuffer
	}
	if c.ShutdownPolicy == "" {
		c.ShutdownPolicy = ShutdownDrain
	}
	if !c.ShutdownPolicy.Valid() {
		return fmt.Errorf("unknown shutdown policy %q", c.ShutdownPolicy)
	}
	if c.RecoveryPolicy == "" {
		c.RecoveryPolicy = controller.RecoverFail
	}
	if !c.RecoveryPolicy.Valid() {
		return fmt.Errorf("unknown recovery policy %q", c.RecoveryPolicy)
	}
	return nil
}
