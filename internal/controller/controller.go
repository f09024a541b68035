// Package controller is the only writer of job status. It enforces the lifecycle
// graph and serializes all mutations of a job id inside the process; SwapJob guards
// against writers in other processes sharing the same store.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
	"github.com/novasolve/nova-cmo-sub003/internal/queue"
)

// RecoveryPolicy decides what happens to jobs a previous process left running.
type RecoveryPolicy string

const (
	RecoverFail    RecoveryPolicy = "fail"
	RecoverRequeue RecoveryPolicy = "requeue"
)

func (p RecoveryPolicy) Valid() bool {
	return p == RecoverFail || p == RecoverRequeue
}

// ErrInterrupted is stored on jobs failed by restart reconciliation.
var ErrInterrupted = errors.New("interrupted by restart")

type Controller struct {
	q   queue.Queue
	log logrus.FieldLogger
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

type Option func(*Controller)

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Controller) { c.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func New(q queue.Queue, opts ...Option) *Controller {
	c := &Controller{
		q:     q,
		log:   logrus.StandardLogger(),
		now:   time.Now,
		locks: make(map[string]*idLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lock takes the per-id mutex and returns its release func.
func (c *Controller) lock(id string) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &idLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}
}

// ClaimNext hands the oldest queued job to the caller, already marked running.
// It returns (nil, nil) when nothing is queued.
func (c *Controller) ClaimNext(ctx context.Context) (*model.Job, error) {
	job, err := c.q.ClaimNext(ctx, c.now())
	if err != nil {
		return nil, err
	}
	if job != nil {
		c.log.WithFields(logrus.Fields{"job_id": job.ID}).Debug("claimed job")
	}
	return job, nil
}

// swapAttempts bounds how often transition rereads a job whose status moved
// underneath it to another state the transition is still allowed from.
const swapAttempts = 3

// transition moves id to status to when allowed(from, to) holds, applying mutate to
// the new record before it is stored.
func (c *Controller) transition(ctx context.Context, id string, to model.Status,
	allowed func(from, to model.Status) bool, mutate func(*model.Job)) (*model.Job, error) {
	unlock := c.lock(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		job, err := c.q.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, model.NotFound(id)
		}
		from := job.Status
		if !allowed(from, to) {
			return nil, &model.TransitionError{ID: id, From: from, To: to}
		}

		next := job.Clone()
		next.Status = to
		next.Touch(c.now())
		if mutate != nil {
			mutate(next)
		}
		err = c.q.SwapJob(ctx, next, from)
		if err == nil {
			c.log.WithFields(logrus.Fields{"job_id": id, "from": from, "to": to}).Debug("job transition")
			return next, nil
		}
		// ClaimNext does not take the id lock, so a queued job can start running
		// between the read and the swap.
		var te *model.TransitionError
		if !errors.As(err, &te) || te.From == from || !allowed(te.From, to) || attempt == swapAttempts {
			return nil, err
		}
		c.log.WithFields(logrus.Fields{"job_id": id, "from": from, "now": te.From, "to": to}).
			Debug("job status changed during transition, retrying")
	}
}

// MarkSucceeded stores result on a running job. A job that is no longer running is
// left untouched and ErrInvalidTransition is returned.
func (c *Controller) MarkSucceeded(ctx context.Context, id string, result *model.Result) (*model.Job, error) {
	return c.transition(ctx, id, model.StatusSucceeded, model.CanTransition, func(j *model.Job) {
		res := result.Clone()
		if res == nil {
			res = &model.Result{}
		}
		res.Success = true
		res.Error = ""
		j.Result = res
	})
}

// MarkFailed records cause as the job's error summary.
func (c *Controller) MarkFailed(ctx context.Context, id string, cause error) (*model.Job, error) {
	return c.MarkFailedWith(ctx, id, nil, cause)
}

// MarkFailedWith keeps whatever partial result the agent produced alongside cause.
func (c *Controller) MarkFailedWith(ctx context.Context, id string, partial *model.Result, cause error) (*model.Job, error) {
	return c.transition(ctx, id, model.StatusFailed, model.CanTransition, func(j *model.Job) {
		res := partial.Clone()
		if res == nil {
			res = &model.Result{}
		}
		res.Success = false
		res.Error = errorSummary(cause, res.Error)
		j.Result = res
	})
}

// MarkCancelled cancels a queued or running job.
func (c *Controller) MarkCancelled(ctx context.Context, id string) (*model.Job, error) {
	return c.transition(ctx, id, model.StatusCancelled, model.CanTransition, func(j *model.Job) {
		j.Result = &model.Result{Error: "cancelled", FinalState: string(model.StatusCancelled)}
	})
}

func errorSummary(cause error, fallback string) string {
	if cause != nil && cause.Error() != "" {
		return cause.Error()
	}
	if fallback != "" {
		return fallback
	}
	return "job failed"
}

// RecordProgress stores the latest stage of a job.
func (c *Controller) RecordProgress(ctx context.Context, id, stage string, step *int) error {
	return c.q.RecordProgress(ctx, id, stage, step)
}

// Recover reconciles jobs left running by a previous process. No worker is pinned to
// them any more, so they are either failed or put back in the queue. It returns the
// jobs it changed.
func (c *Controller) Recover(ctx context.Context, policy RecoveryPolicy) ([]*model.Job, error) {
	if !policy.Valid() {
		return nil, fmt.Errorf("unknown recovery policy %q", policy)
	}
	jobs, err := c.q.ListJobs(ctx)
	if err != nil {
		return nil, err
	}

	var recovered []*model.Job
	for _, j := range jobs {
		if j.Status != model.StatusRunning {
			continue
		}
		var (
			next *model.Job
			err  error
		)
		switch policy {
		case RecoverRequeue:
			next, err = c.transition(ctx, j.ID, model.StatusQueued, model.CanRecover, func(j *model.Job) {
				j.Result = nil
			})
		default:
			next, err = c.MarkFailed(ctx, j.ID, ErrInterrupted)
		}
		if err != nil {
			c.log.WithFields(logrus.Fields{"job_id": j.ID, "policy": policy}).WithError(err).Warn("could not recover job")
			continue
		}
		c.log.WithFields(logrus.Fields{"job_id": j.ID, "policy": policy}).Info("recovered job left running by a previous run")
		recovered = append(recovered, next)
	}
	return recovered, nil
}
