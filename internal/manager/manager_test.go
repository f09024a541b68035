package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
	"github.com/novasolve/nova-cmo-sub003/internal/queue"
	"github.com/novasolve/nova-cmo-sub003/internal/queue/queuetest"
)

// countingQueue counts GetJob calls that reach the backend.
type countingQueue struct {
	queue.Queue
	gets int
}

func (c *countingQueue) GetJob(ctx context.Context, id string) (*model.Job, error) {
	c.gets++
	return c.Queue.GetJob(ctx, id)
}

func TestManagerConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Queue {
		m, err := New(queue.NewMemory(), 0)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return m
	})
}

func TestTerminalJobsServedFromCache(t *testing.T) {
	ctx := context.Background()
	backend := &countingQueue{Queue: queue.NewMemory()}
	m, err := New(backend, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	j := queuetest.NewJob("g", 0)
	if _, err := m.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if !m.Cached(j.ID) {
		t.Fatal("enqueued job should be cached")
	}

	// queued jobs read through
	if _, err := m.GetJob(ctx, j.ID); err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if backend.gets != 1 {
		t.Fatalf("backend gets = %d, want 1", backend.gets)
	}

	running, err := m.ClaimNext(ctx, time.Now())
	if err != nil || running == nil {
		t.Fatalf("ClaimNext: %v, %v", running, err)
	}
	done := running.Clone()
	done.Status = model.StatusSucceeded
	done.Result = &model.Result{Success: true}
	if err := m.SwapJob(ctx, done, model.StatusRunning); err != nil {
		t.Fatalf("SwapJob: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := m.GetJob(ctx, j.ID)
		if err != nil || got == nil || got.Status != model.StatusSucceeded {
			t.Fatalf("GetJob = %v, %v", got, err)
		}
		got.Result.Success = false // must not leak into the cache
	}
	if backend.gets != 1 {
		t.Fatalf("terminal lookups reached the backend %d times", backend.gets-1)
	}
	got, _ := m.GetJob(ctx, j.ID)
	if !got.Result.Success {
		t.Fatal("cached snapshot was mutated by a caller")
	}
}

func TestFailedWriteEvicts(t *testing.T) {
	ctx := context.Background()
	m, err := New(queue.NewMemory(), 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j := queuetest.NewJob("g", 0)
	if _, err := m.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	stale := j.Clone()
	stale.Status = model.StatusSucceeded
	if err := m.SwapJob(ctx, stale, model.StatusRunning); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("SwapJob err = %v", err)
	}
	if m.Cached(j.ID) {
		t.Fatal("failed swap must evict the cached snapshot")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.Cached(j.ID) {
		t.Fatal("Close must purge the cache")
	}
}
