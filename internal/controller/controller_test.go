package controller

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
	"github.com/novasolve/nova-cmo-sub003/internal/queue"
	"github.com/novasolve/nova-cmo-sub003/internal/queue/queuetest"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func setup(t *testing.T, n int) (*Controller, queue.Queue, []string) {
	t.Helper()
	q := queue.NewMemory()
	var ids []string
	for i := 0; i < n; i++ {
		id, err := q.EnqueueJob(context.Background(), queuetest.NewJob("g", i))
		if err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
		ids = append(ids, id)
	}
	return New(q, WithLogger(quietLogger())), q, ids
}

func TestMarkSucceededTwice(t *testing.T) {
	ctx := context.Background()
	c, q, ids := setup(t, 1)

	job, err := c.ClaimNext(ctx)
	if err != nil || job == nil || job.ID != ids[0] {
		t.Fatalf("ClaimNext = %v, %v", job, err)
	}
	first := &model.Result{Artifacts: map[string]any{"n": 1}}
	if _, err := c.MarkSucceeded(ctx, job.ID, first); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	second := &model.Result{Artifacts: map[string]any{"n": 2}}
	if _, err := c.MarkSucceeded(ctx, job.ID, second); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("second MarkSucceeded err = %v, want ErrInvalidTransition", err)
	}

	stored, _ := q.GetJob(ctx, job.ID)
	if stored.Result == nil || stored.Result.Artifacts["n"] != 1 || !stored.Result.Success {
		t.Fatalf("terminal result was overwritten: %+v", stored.Result)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	c, q, ids := setup(t, 1)
	if _, err := c.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if _, err := c.MarkFailed(ctx, ids[0], errors.New("boom")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if _, err := c.MarkCancelled(ctx, ids[0]); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("cancel after failure err = %v", err)
	}
	if _, err := c.MarkSucceeded(ctx, ids[0], nil); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("succeed after failure err = %v", err)
	}
	stored, _ := q.GetJob(ctx, ids[0])
	if stored.Status != model.StatusFailed || stored.Result.Error != "boom" {
		t.Fatalf("stored = %+v / %+v", stored, stored.Result)
	}
}

func TestMarkRequiresRunning(t *testing.T) {
	ctx := context.Background()
	c, _, ids := setup(t, 1)
	if _, err := c.MarkSucceeded(ctx, ids[0], nil); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("succeed a queued job err = %v", err)
	}
	if _, err := c.MarkFailed(ctx, "missing", errors.New("x")); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("fail unknown job err = %v", err)
	}
}

func TestCancelQueued(t *testing.T) {
	ctx := context.Background()
	c, _, ids := setup(t, 2)

	job, err := c.MarkCancelled(ctx, ids[0])
	if err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}
	if job.Status != model.StatusCancelled || job.Result == nil || job.Result.Error == "" {
		t.Fatalf("cancelled job = %+v", job)
	}
	next, err := c.ClaimNext(ctx)
	if err != nil || next == nil || next.ID != ids[1] {
		t.Fatalf("cancelled job must be skipped, claimed %v, %v", next, err)
	}
}

func TestMarkFailedKeepsPartialResult(t *testing.T) {
	ctx := context.Background()
	c, _, ids := setup(t, 1)
	c.ClaimNext(ctx)
	job, err := c.MarkFailedWith(ctx, ids[0], &model.Result{Success: true, FinalState: "scored"}, nil)
	if err != nil {
		t.Fatalf("MarkFailedWith: %v", err)
	}
	if job.Result.Success || job.Result.FinalState != "scored" || job.Result.Error == "" {
		t.Fatalf("result = %+v", job.Result)
	}
}

func TestConcurrentCompletionOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	c, _, ids := setup(t, 1)
	c.ClaimNext(ctx)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = c.MarkSucceeded(ctx, ids[0], nil)
			} else {
				_, err = c.MarkFailed(ctx, ids[0], errors.New("x"))
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, model.ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("%d completions succeeded, want exactly 1", wins)
	}
	if len(c.locks) != 0 {
		t.Fatalf("per-id locks leaked: %d", len(c.locks))
	}
}

func TestRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("fail", func(t *testing.T) {
		c, q, ids := setup(t, 3)
		c.ClaimNext(ctx)
		c.ClaimNext(ctx)

		recovered, err := c.Recover(ctx, RecoverFail)
		if err != nil {
			t.Fatalf("Recover: %v", err)
		}
		if len(recovered) != 2 {
			t.Fatalf("recovered %d jobs, want 2", len(recovered))
		}
		for _, id := range ids[:2] {
			j, _ := q.GetJob(ctx, id)
			if j.Status != model.StatusFailed || j.Result.Error != ErrInterrupted.Error() {
				t.Errorf("job %s = %s / %+v", id, j.Status, j.Result)
			}
		}
		j, _ := q.GetJob(ctx, ids[2])
		if j.Status != model.StatusQueued {
			t.Errorf("queued job touched by recovery: %s", j.Status)
		}
	})

	t.Run("requeue", func(t *testing.T) {
		c, q, ids := setup(t, 2)
		c.ClaimNext(ctx)

		recovered, err := c.Recover(ctx, RecoverRequeue)
		if err != nil || len(recovered) != 1 {
			t.Fatalf("Recover = %v, %v", recovered, err)
		}
		j, _ := q.GetJob(ctx, ids[0])
		if j.Status != model.StatusQueued {
			t.Fatalf("status = %s, want queued", j.Status)
		}
		next, _ := c.ClaimNext(ctx)
		if next == nil || next.ID != ids[0] {
			t.Fatalf("requeued job should keep its place, claimed %v", next)
		}
	})

	t.Run("unknown policy", func(t *testing.T) {
		c, _, _ := setup(t, 0)
		if _, err := c.Recover(ctx, "retry"); err == nil {
			t.Fatal("expected an error for an unknown policy")
		}
	})
}

func TestRecoveryEdgeIsNotPublic(t *testing.T) {
	ctx := context.Background()
	c, _, ids := setup(t, 1)
	c.ClaimNext(ctx)
	if _, err := c.transition(ctx, ids[0], model.StatusQueued, model.CanTransition, nil); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("running -> queued must be rejected outside recovery, got %v", err)
	}
}

// claimingQueue lets a worker claim the queued job right after the controller reads it.
type claimingQueue struct {
	queue.Queue
	once sync.Once
}

func (q *claimingQueue) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := q.Queue.GetJob(ctx, id)
	q.once.Do(func() {
		if _, cerr := q.Queue.ClaimNext(ctx, time.Now()); cerr != nil {
			err = cerr
		}
	})
	return job, err
}

func TestCancelRacingClaim(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	id, err := mem.EnqueueJob(ctx, queuetest.NewJob("g", 0))
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	c := New(&claimingQueue{Queue: mem}, WithLogger(quietLogger()))

	job, err := c.MarkCancelled(ctx, id)
	if err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}
	if job.Status != model.StatusCancelled {
		t.Fatalf("returned status = %s", job.Status)
	}
	stored, _ := mem.GetJob(ctx, id)
	if stored.Status != model.StatusCancelled {
		t.Fatalf("stored status = %s, want cancelled", stored.Status)
	}
}

func TestSucceedRacingClaimStillRefused(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	id, _ := mem.EnqueueJob(ctx, queuetest.NewJob("g", 0))
	c := New(&claimingQueue{Queue: mem}, WithLogger(quietLogger()))

	// queued -> succeeded is never allowed, whatever happens in between
	if _, err := c.MarkSucceeded(ctx, id, nil); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("MarkSucceeded err = %v, want ErrInvalidTransition", err)
	}
	stored, _ := mem.GetJob(ctx, id)
	if stored.Status != model.StatusRunning {
		t.Fatalf("stored status = %s, want running", stored.Status)
	}
}
