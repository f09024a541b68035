package redisq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
	"github.com/novasolve/nova-cmo-sub003/internal/queue"
	"github.com/novasolve/nova-cmo-sub003/internal/queue/queuetest"
)

func TestRedisQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Queue {
		mr := miniredis.RunT(t)
		q, err := Dial(context.Background(), &r.Options{Addr: mr.Addr()}, "test")
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		return q
	})
}

func TestRedisSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	q, err := Dial(ctx, &r.Options{Addr: mr.Addr()}, "cmo")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	want := map[string]string{}
	for i, goal := range []string{"a", "b", "c"} {
		j := queuetest.NewJob(goal, i)
		if _, err := q.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
		want[j.ID] = goal
	}
	if _, err := q.ClaimNext(ctx, time.Now()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Dial(ctx, &r.Options{Addr: mr.Addr()}, "cmo")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer reopened.Close()

	jobs, err := reopened.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	for i, j := range jobs {
		if want[j.ID] != j.Goal {
			t.Errorf("job %s goal = %q, want %q", j.ID, j.Goal, want[j.ID])
		}
		wantStatus := model.StatusQueued
		if i == 0 {
			wantStatus = model.StatusRunning
		}
		if j.Status != wantStatus {
			t.Errorf("job %d status = %s, want %s", i, j.Status, wantStatus)
		}
	}
}

func TestPrefixesAreIsolated(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	defer rdb.Close()

	a, b := New(rdb, "a"), New(rdb, "b")
	if _, err := a.EnqueueJob(ctx, queuetest.NewJob("only in a", 0)); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	st, err := b.GetQueueStats(ctx)
	if err != nil {
		t.Fatalf("GetQueueStats: %v", err)
	}
	if st.TotalJobs != 0 {
		t.Fatalf("prefix b sees %d jobs", st.TotalJobs)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close on borrowed client: %v", err)
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("borrowed client was closed: %v", err)
	}
}
