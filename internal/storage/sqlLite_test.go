package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
	"github.com/novasolve/nova-cmo-sub003/internal/queue"
	"github.com/novasolve/nova-cmo-sub003/internal/queue/queuetest"
)

func TestSQLiteQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Queue {
		store, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		return store
	})
}

func TestPostgresQueue(t *testing.T) {
	dsn := os.Getenv("CMO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CMO_TEST_POSTGRES_DSN not set")
	}
	queuetest.Run(t, func(t *testing.T) queue.Queue {
		store, err := OpenPostgres(dsn)
		if err != nil {
			t.Fatalf("OpenPostgres: %v", err)
		}
		if _, err := store.db.Exec(`truncate table jobs`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return store
	})
}

func TestSQLiteSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")

	store, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	want := map[string]*model.Job{}
	for i, goal := range []string{"first", "second", "third"} {
		j := queuetest.NewJob(goal, i)
		if _, err := store.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
		want[j.ID] = j
	}
	claimed, err := store.ClaimNext(ctx, time.Now())
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v, %v", claimed, err)
	}
	want[claimed.ID].Status = model.StatusRunning
	if err := store.RecordProgress(ctx, claimed.ID, "scrape", model.Step(3)); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	jobs, err := reopened.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs after restart, want 3", len(jobs))
	}
	for _, j := range jobs {
		w, ok := want[j.ID]
		if !ok {
			t.Fatalf("unexpected job %s after restart", j.ID)
		}
		if j.Goal != w.Goal || j.Status != w.Status {
			t.Errorf("job %s = %s/%s, want %s/%s", j.ID, j.Goal, j.Status, w.Goal, w.Status)
		}
	}

	p, err := reopened.GetJobProgress(ctx, claimed.ID)
	if err != nil || p == nil || p.Stage != "scrape" || *p.Step != 3 {
		t.Fatalf("progress after restart = %+v, %v", p, err)
	}
	st, err := reopened.GetQueueStats(ctx)
	if err != nil {
		t.Fatalf("GetQueueStats: %v", err)
	}
	if st.TotalJobs != 3 || st.ByStatus[model.StatusRunning] != 1 || st.ByStatus[model.StatusQueued] != 2 {
		t.Fatalf("stats after restart = %+v", st)
	}
}

func TestResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()

	j := queuetest.NewJob("g", 0)
	if _, err := store.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	running, _ := store.ClaimNext(ctx, time.Now())
	running.Status = model.StatusSucceeded
	running.UpdatedAt = time.Now()
	running.Result = &model.Result{
		Success:    true,
		FinalState: "exported",
		Artifacts:  map[string]any{"leads": "leads.csv"},
	}
	if err := store.SwapJob(ctx, running, model.StatusRunning); err != nil {
		t.Fatalf("SwapJob: %v", err)
	}

	got, _ := store.GetJob(ctx, j.ID)
	if got.Result == nil || !got.Result.Success || got.Result.Artifacts["leads"] != "leads.csv" {
		t.Fatalf("result = %+v", got.Result)
	}
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: postgresDialect}
	got := s.rebind(s.greatest("update jobs set a = ?, updated_at = max(created_at, ?) where id = ?"))
	want := "update jobs set a = $1, updated_at = greatest(created_at, $2) where id = $3"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	lite := &Store{dialect: sqliteDialect}
	if q := "select ?"; lite.rebind(q) != q {
		t.Fatal("sqlite queries must keep ? placeholders")
	}
}
