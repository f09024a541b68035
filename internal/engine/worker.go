package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/novasolve/nova-cmo-sub003/internal/events"
	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

type worker struct {
	id  int
	e   *Engine
	log logrus.FieldLogger
}

type outcome struct {
	res *model.Result
	err error
}

// run is the main loop for the worker. It claims jobs until none are queued, then
// waits for a submit signal or the poll ticker.
func (w *worker) run(ctx, jobCtx context.Context) {
	w.log.Info("worker starting")

	ticker := time.NewTicker(w.e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil && w.processJob(ctx, jobCtx) {
		}
		select {
		case <-ctx.Done():
			w.log.Info("worker shutting down")
			return
		case <-ticker.C:
		case <-w.e.wake:
		}
	}
}

// processJob claims and executes a single job. It reports whether a job was claimed.
func (w *worker) processJob(ctx, root context.Context) bool {
	job, err := w.e.ctl.ClaimNext(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.WithError(err).Error("error claiming job")
		}
		return false
	}
	if job == nil {
		return false
	}

	w.e.active.Add(1)
	defer w.e.active.Add(-1)

	log := w.log.WithField("job_id", job.ID)
	log.WithField("goal", job.Goal).Info("processing job")
	w.e.emit(events.Event{Type: events.JobStarted, JobID: job.ID, Status: model.StatusRunning})

	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if w.e.cfg.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(root, w.e.cfg.JobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(root)
	}
	defer cancel()
	w.e.track(job.ID, cancel)
	defer w.e.untrack(job.ID)

	pump := newProgressPump(w.e.cfg.ProgressBuffer, func(u update) {
		wctx, done := context.WithTimeout(context.Background(), writeTimeout)
		defer done()
		if err := w.e.ctl.RecordProgress(wctx, job.ID, u.stage, u.step); err != nil {
			log.WithError(err).Warn("could not record progress")
			return
		}
		w.e.emit(events.Event{Type: events.JobProgress, JobID: job.ID, Stage: u.stage, Step: u.step})
	})

	out := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- outcome{err: fmt.Errorf("agent panic: %v", r)}
			}
		}()
		res, err := w.e.agent.Run(jobCtx, job.Goal, job.CreatedBy, pump.report)
		out <- outcome{res: res, err: err}
	}()

	o, finished := w.wait(jobCtx, cancel, job.ID, out)
	if dropped := pump.close(); dropped > 0 {
		log.WithField("dropped", dropped).Debug("superseded progress updates dropped")
	}
	w.finish(job, jobCtx, o, finished, log)
	return true
}

// wait blocks until the agent returns or the job context ends. While waiting it
// re-reads the stored status so a cancellation made by another process reaches the
// agent.
func (w *worker) wait(jobCtx context.Context, cancel context.CancelFunc, id string, out <-chan outcome) (outcome, bool) {
	watch := time.NewTicker(w.e.cfg.StatusInterval)
	defer watch.Stop()
	for {
		select {
		case o := <-out:
			return o, true
		case <-jobCtx.Done():
			// prefer a result that raced with the cancellation
			select {
			case o := <-out:
				return o, true
			default:
				return outcome{}, false
			}
		case <-watch.C:
			stored, err := w.e.mgr.GetJob(jobCtx, id)
			if err == nil && stored != nil && stored.Status.Terminal() {
				w.log.WithFields(logrus.Fields{"job_id": id, "status": stored.Status}).
					Info("job finished elsewhere, cancelling agent")
				cancel()
			}
		}
	}
}

// finish stores the terminal status of a job.
func (w *worker) finish(job *model.Job, jobCtx context.Context, o outcome, finished bool, log logrus.FieldLogger) {
	ctx, done := context.WithTimeout(context.Background(), writeTimeout)
	defer done()

	var (
		stored *model.Job
		err    error
	)
	switch {
	case finished && o.err == nil && (o.res == nil || o.res.Success):
		stored, err = w.e.ctl.MarkSucceeded(ctx, job.ID, o.res)
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		cause := fmt.Errorf("%w after %s", model.ErrJobTimeout, w.e.cfg.JobTimeout)
		stored, err = w.e.ctl.MarkFailedWith(ctx, job.ID, o.res, cause)
	case jobCtx.Err() != nil:
		stored, err = w.e.ctl.MarkCancelled(ctx, job.ID)
	default:
		cause := o.err
		if cause == nil {
			cause = errors.New(failureText(o.res))
		}
		stored, err = w.e.ctl.MarkFailedWith(ctx, job.ID, o.res, &model.AgentExecutionError{JobID: job.ID, Err: cause})
	}

	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			log.WithError(err).Debug("job already finished")
			return
		}
		log.WithError(err).Error("error updating job")
		return
	}

	entry := log.WithField("status", stored.Status)
	ev := events.Event{Type: events.Terminal(stored.Status), JobID: job.ID, Status: stored.Status}
	if stored.Status == model.StatusSucceeded {
		entry.Info("job completed successfully")
	} else {
		ev.Error = stored.Result.Error
		entry.WithField("error", stored.Result.Error).Warn("job did not succeed")
	}
	w.e.emit(ev)
}

func failureText(res *model.Result) string {
	if res != nil && res.Error != "" {
		return res.Error
	}
	return "agent reported failure"
}
