// Package queuetest holds the behaviour every queue.Queue backend must share.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
	"github.com/novasolve/nova-cmo-sub003/internal/queue"
)

// Factory returns an empty queue. The suite closes it.
type Factory func(t *testing.T) queue.Queue

// Run executes the conformance suite against queues built by newQueue.
func Run(t *testing.T, newQueue Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, q queue.Queue)
	}{
		{"EnqueueThenList", testEnqueueThenList},
		{"EnqueueForcesQueued", testEnqueueForcesQueued},
		{"DuplicateID", testDuplicateID},
		{"GetUnknownIsAbsent", testGetUnknownIsAbsent},
		{"UpdateUnknown", testUpdateUnknown},
		{"UpdateKeepsImmutableFields", testUpdateKeepsImmutableFields},
		{"ProgressLastWriteWins", testProgressLastWriteWins},
		{"ProgressUnknown", testProgressUnknown},
		{"StatsCountsEveryJob", testStatsCountsEveryJob},
		{"ClaimFIFO", testClaimFIFO},
		{"ClaimExclusive", testClaimExclusive},
		{"SwapJobChecksStatus", testSwapJobChecksStatus},
		{"RequeueIsClaimable", testRequeueIsClaimable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := newQueue(t)
			defer q.Close()
			tc.fn(t, q)
		})
	}
}

// NewJob builds a job whose creation time is offset by n milliseconds so ordering is
// deterministic on coarse clocks.
func NewJob(goal string, n int) *model.Job {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.NewJob(goal, "tester", base.Add(time.Duration(n)*time.Millisecond))
}

func mustEnqueue(t *testing.T, q queue.Queue, j *model.Job) string {
	t.Helper()
	id, err := q.EnqueueJob(context.Background(), j)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if id != j.ID {
		t.Fatalf("EnqueueJob returned id %q, want %q", id, j.ID)
	}
	return id
}

func testEnqueueThenList(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, mustEnqueue(t, q, NewJob(fmt.Sprintf("goal-%d", i), i)))
	}

	jobs, err := q.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != len(ids) {
		t.Fatalf("ListJobs returned %d jobs, want %d", len(jobs), len(ids))
	}
	for i, j := range jobs {
		if j.ID != ids[i] {
			t.Errorf("position %d: got %s, want %s", i, j.ID, ids[i])
		}
		if j.Status != model.StatusQueued {
			t.Errorf("job %s status = %s, want queued", j.ID, j.Status)
		}
		if j.Goal != fmt.Sprintf("goal-%d", i) || j.CreatedBy != "tester" {
			t.Errorf("job %s lost its goal or submitter: %+v", j.ID, j)
		}
	}
}

func testEnqueueForcesQueued(t *testing.T, q queue.Queue) {
	j := NewJob("g", 0)
	j.Status = model.StatusSucceeded
	j.Result = &model.Result{Success: true}
	mustEnqueue(t, q, j)

	got, err := q.GetJob(context.Background(), j.ID)
	if err != nil || got == nil {
		t.Fatalf("GetJob: %v, %v", got, err)
	}
	if got.Status != model.StatusQueued || got.Result != nil {
		t.Fatalf("enqueued job = %+v, want queued without result", got)
	}
}

func testDuplicateID(t *testing.T, q queue.Queue) {
	j := NewJob("g", 0)
	mustEnqueue(t, q, j)
	if _, err := q.EnqueueJob(context.Background(), j.Clone()); !errors.Is(err, model.ErrDuplicateID) {
		t.Fatalf("second EnqueueJob err = %v, want ErrDuplicateID", err)
	}
	st, err := q.GetQueueStats(context.Background())
	if err != nil {
		t.Fatalf("GetQueueStats: %v", err)
	}
	if st.TotalJobs != 1 {
		t.Fatalf("total = %d after duplicate, want 1", st.TotalJobs)
	}
}

func testGetUnknownIsAbsent(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	j, err := q.GetJob(ctx, "missing")
	if err != nil || j != nil {
		t.Fatalf("GetJob(missing) = %v, %v; want nil, nil", j, err)
	}
	p, err := q.GetJobProgress(ctx, "missing")
	if err != nil || p != nil {
		t.Fatalf("GetJobProgress(missing) = %v, %v; want nil, nil", p, err)
	}
}

func testUpdateUnknown(t *testing.T, q queue.Queue) {
	err := q.UpdateJob(context.Background(), NewJob("g", 0))
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("UpdateJob(unknown) err = %v, want ErrNotFound", err)
	}
}

func testUpdateKeepsImmutableFields(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	j := NewJob("original", 0)
	mustEnqueue(t, q, j)

	changed := j.Clone()
	changed.Goal = "rewritten"
	changed.CreatedBy = "someone else"
	changed.Status = model.StatusCancelled
	changed.UpdatedAt = j.CreatedAt.Add(time.Second)
	changed.Result = &model.Result{Error: "cancelled"}
	if err := q.UpdateJob(ctx, changed); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, _ := q.GetJob(ctx, j.ID)
	if got.Goal != "original" || got.CreatedBy != "tester" {
		t.Fatalf("immutable fields changed: %+v", got)
	}
	if got.Status != model.StatusCancelled || got.Result == nil || got.Result.Error != "cancelled" {
		t.Fatalf("mutable fields not stored: %+v", got)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Fatal("UpdatedAt precedes CreatedAt")
	}
}

func testProgressLastWriteWins(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	j := NewJob("g", 0)
	mustEnqueue(t, q, j)

	p, err := q.GetJobProgress(ctx, j.ID)
	if err != nil || p != nil {
		t.Fatalf("progress before report = %v, %v; want nil, nil", p, err)
	}

	if err := q.RecordProgress(ctx, j.ID, "scrape", model.Step(1)); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}
	if err := q.RecordProgress(ctx, j.ID, "score", nil); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}
	if err := q.RecordProgress(ctx, j.ID, "export", model.Step(7)); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}

	p, err = q.GetJobProgress(ctx, j.ID)
	if err != nil || p == nil {
		t.Fatalf("GetJobProgress: %v, %v", p, err)
	}
	if p.JobID != j.ID || p.Stage != "export" || p.Step == nil || *p.Step != 7 {
		t.Fatalf("progress = %+v, want export/7", p)
	}

	if err := q.RecordProgress(ctx, j.ID, "done", nil); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}
	p, _ = q.GetJobProgress(ctx, j.ID)
	if p.Stage != "done" || p.Step != nil {
		t.Fatalf("progress = %+v, want done without step", p)
	}
}

func testProgressUnknown(t *testing.T, q queue.Queue) {
	err := q.RecordProgress(context.Background(), "missing", "stage", nil)
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("RecordProgress(unknown) err = %v, want ErrNotFound", err)
	}
}

func testStatsCountsEveryJob(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		mustEnqueue(t, q, NewJob("g", i))
	}
	if _, err := q.ClaimNext(ctx, time.Now()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	st, err := q.GetQueueStats(ctx)
	if err != nil {
		t.Fatalf("GetQueueStats: %v", err)
	}
	if st.TotalJobs != 4 {
		t.Fatalf("total = %d, want 4", st.TotalJobs)
	}
	if st.ByStatus[model.StatusQueued] != 3 || st.ByStatus[model.StatusRunning] != 1 {
		t.Fatalf("by status = %v", st.ByStatus)
	}
	if _, ok := st.ByStatus[model.StatusCancelled]; !ok {
		t.Fatal("stats must report zero counts")
	}
}

func testClaimFIFO(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, mustEnqueue(t, q, NewJob("g", i)))
	}
	for _, want := range ids {
		j, err := q.ClaimNext(ctx, time.Now())
		if err != nil || j == nil {
			t.Fatalf("ClaimNext: %v, %v", j, err)
		}
		if j.ID != want {
			t.Fatalf("claimed %s, want %s", j.ID, want)
		}
		if j.Status != model.StatusRunning {
			t.Fatalf("claimed job status = %s, want running", j.Status)
		}
	}
	j, err := q.ClaimNext(ctx, time.Now())
	if err != nil || j != nil {
		t.Fatalf("ClaimNext on empty queue = %v, %v; want nil, nil", j, err)
	}
}

func testClaimExclusive(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	const jobs, workers = 40, 8
	for i := 0; i < jobs; i++ {
		mustEnqueue(t, q, NewJob("g", i))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := q.ClaimNext(ctx, time.Now())
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func testSwapJobChecksStatus(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	j := NewJob("g", 0)
	mustEnqueue(t, q, j)

	next := j.Clone()
	next.Status = model.StatusSucceeded
	next.UpdatedAt = time.Now()
	err := q.SwapJob(ctx, next, model.StatusRunning)
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("SwapJob with stale status err = %v, want ErrInvalidTransition", err)
	}
	got, _ := q.GetJob(ctx, j.ID)
	if got.Status != model.StatusQueued {
		t.Fatalf("failed swap changed status to %s", got.Status)
	}

	next.Status = model.StatusCancelled
	if err := q.SwapJob(ctx, next, model.StatusQueued); err != nil {
		t.Fatalf("SwapJob: %v", err)
	}
	claimed, err := q.ClaimNext(ctx, time.Now())
	if err != nil || claimed != nil {
		t.Fatalf("cancelled job was claimable: %v, %v", claimed, err)
	}

	if err := q.SwapJob(ctx, NewJob("other", 1), model.StatusQueued); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("SwapJob(unknown) err = %v, want ErrNotFound", err)
	}
}

func testRequeueIsClaimable(t *testing.T, q queue.Queue) {
	ctx := context.Background()
	first := NewJob("first", 0)
	second := NewJob("second", 1)
	mustEnqueue(t, q, first)
	mustEnqueue(t, q, second)

	claimed, err := q.ClaimNext(ctx, time.Now())
	if err != nil || claimed == nil || claimed.ID != first.ID {
		t.Fatalf("ClaimNext = %v, %v", claimed, err)
	}
	claimed.Status = model.StatusQueued
	if err := q.SwapJob(ctx, claimed, model.StatusRunning); err != nil {
		t.Fatalf("SwapJob back to queued: %v", err)
	}

	again, err := q.ClaimNext(ctx, time.Now())
	if err != nil || again == nil || again.ID != first.ID {
		t.Fatalf("requeued job should be claimed first, got %v, %v", again, err)
	}
}
