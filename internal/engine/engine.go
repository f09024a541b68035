// Package engine runs queued goals on a bounded pool of workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/novasolve/nova-cmo-sub003/internal/agent"
	"github.com/novasolve/nova-cmo-sub003/internal/controller"
	"github.com/novasolve/nova-cmo-sub003/internal/events"
	"github.com/novasolve/nova-cmo-sub003/internal/manager"
	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

var (
	ErrEngineClosed  = errors.New("engine is shut down")
	ErrEngineStarted = errors.New("engine already started")
)

// writeTimeout bounds terminal writes, which must go through even after the job's
// own context is gone.
const writeTimeout = 10 * time.Second

type Engine struct {
	cfg      Config
	mgr      *manager.Manager
	ctl      *controller.Controller
	agent    agent.Agent
	sink     events.Sink
	log      logrus.FieldLogger
	now      func() time.Time
	instance string

	wake   chan struct{}
	active atomic.Int32

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	started  bool
	closed   bool
	workers  int
	stop     context.CancelFunc // stops claiming
	abort    context.CancelFunc // cancels running jobs
	finished chan struct{}
}

type Option func(*Engine)

func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

func WithSink(sink events.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine over mgr. The caller owns mgr and closes it after Shutdown.
func New(mgr *manager.Manager, ag agent.Agent, cfg Config, opts ...Option) (*Engine, error) {
	if mgr == nil {
		return nil, errors.New("engine: nil job manager")
	}
	if ag == nil {
		return nil, errors.New("engine: nil agent")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e := &Engine{
		cfg:      cfg,
		mgr:      mgr,
		agent:    ag,
		sink:     events.Nop{},
		log:      logrus.StandardLogger(),
		now:      time.Now,
		instance: uuid.NewString(),
		wake:     make(chan struct{}, cfg.Workers),
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithField("instance", e.instance[:8])
	e.ctl = controller.New(mgr, controller.WithLogger(e.log), controller.WithClock(e.now))
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) emit(ev events.Event) {
	ev.Instance = e.instance
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	events.Emit(ctx, e.sink, e.log, ev)
}

// SubmitJob records a new queued job and returns its id without waiting for it to run.
func (e *Engine) SubmitJob(ctx context.Context, goal, createdBy string) (string, error) {
	if strings.TrimSpace(goal) == "" {
		return "", fmt.Errorf("%w: goal must not be empty", model.ErrInvalidJob)
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", ErrEngineClosed
	}

	job := model.NewJob(goal, createdBy, e.now())
	id, err := e.mgr.EnqueueJob(ctx, job)
	if err != nil {
		return "", err
	}
	e.log.WithFields(logrus.Fields{"job_id": id, "created_by": createdBy}).Info("job submitted")
	e.emit(events.Event{Type: events.JobSubmitted, JobID: id, Status: model.StatusQueued})

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// CancelJob cancels a queued job outright. A running job is marked cancelled and
// its agent's context is cancelled; the agent is expected to notice.
func (e *Engine) CancelJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := e.ctl.MarkCancelled(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if cancel, ok := e.running[id]; ok {
		cancel()
	}
	e.mu.Unlock()

	e.log.WithField("job_id", id).Info("job cancelled")
	e.emit(events.Event{Type: events.JobCancelled, JobID: id, Status: model.StatusCancelled})
	return job, nil
}

// Start reconciles jobs a previous process left running, then launches the workers.
// Workers stop claiming when ctx is cancelled; running jobs are only interrupted by
// Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		return ErrEngineStarted
	}

	recovered, err := e.ctl.Recover(ctx, e.cfg.RecoveryPolicy)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	for _, j := range recovered {
		ev := events.Event{Type: events.JobRecovered, JobID: j.ID, Status: j.Status}
		if j.Result != nil {
			ev.Error = j.Result.Error
		}
		e.emit(ev)
	}

	loopCtx, stop := context.WithCancel(ctx)
	jobCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	e.stop, e.abort = stop, abort
	e.started = true
	e.workers = e.cfg.Workers
	e.finished = make(chan struct{})

	var g errgroup.Group
	for i := 1; i <= e.cfg.Workers; i++ {
		w := &worker{id: i, e: e, log: e.log.WithField("worker", i)}
		g.Go(func() error {
			w.run(loopCtx, jobCtx)
			return nil
		})
	}
	go func() {
		g.Wait()
		close(e.finished)
	}()

	e.log.WithFields(logrus.Fields{"workers": e.cfg.Workers, "recovered": len(recovered)}).Info("engine started")
	return nil
}

// Shutdown stops claiming new jobs and, depending on the shutdown policy, waits for
// running jobs or cancels them. If ctx expires first, running jobs are cancelled
// and Shutdown still waits for the workers to exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil
	}

	e.log.WithField("policy", e.cfg.ShutdownPolicy).Info("engine shutting down")
	e.stop()
	if e.cfg.ShutdownPolicy == ShutdownCancel {
		e.abort()
	}

	var err error
	select {
	case <-e.finished:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("shutdown: %w", ctx.Err()))
		e.abort()
		<-e.finished
	}
	e.abort()
	e.log.Info("all workers have shut down")
	return err
}

func (e *Engine) workerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return int(e.active.Load())
	}
	return e.workers
}

func (e *Engine) track(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}
