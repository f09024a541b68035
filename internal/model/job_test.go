package model

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusSucceeded, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusQueued, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusFailed, StatusQueued, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
	if !CanRecover(StatusRunning, StatusQueued) {
		t.Error("running jobs must be recoverable to queued")
	}
	if CanRecover(StatusFailed, StatusQueued) {
		t.Error("terminal jobs must not be recoverable")
	}
}

func TestTransitionErrorIs(t *testing.T) {
	var err error = &TransitionError{ID: "a", From: StatusSucceeded, To: StatusFailed}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if errors.Is(NotFound("x"), ErrInvalidTransition) {
		t.Fatal("not found must not match invalid transition")
	}
	if !errors.Is(NotFound("x"), ErrNotFound) {
		t.Fatal("NotFound must wrap ErrNotFound")
	}
}

func TestAgentExecutionErrorUnwrap(t *testing.T) {
	err := &AgentExecutionError{JobID: "a", Err: ErrJobTimeout}
	if !errors.Is(err, ErrJobTimeout) {
		t.Fatalf("expected wrapped timeout, got %v", err)
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		t.Fatal("agent error must not be a persistence error")
	}
	if Persistence("op", nil) != nil {
		t.Fatal("Persistence(nil) must be nil")
	}
}

func TestJobCloneIsDeep(t *testing.T) {
	now := time.Now()
	j := NewJob("goal", "me", now)
	j.Result = &Result{Success: true, Artifacts: map[string]any{"k": "v"}}
	c := j.Clone()
	c.Result.Artifacts["k"] = "changed"
	c.Status = StatusFailed
	if j.Result.Artifacts["k"] != "v" || j.Status != StatusQueued {
		t.Fatal("clone shares state with the original")
	}
	if j.ID == "" || j.ID == NewJob("goal", "me", now).ID {
		t.Fatal("job ids must be unique")
	}
}

func TestTouchNeverPrecedesCreation(t *testing.T) {
	now := time.Now()
	j := NewJob("g", "u", now)
	j.Touch(now.Add(-time.Hour))
	if j.UpdatedAt.Before(j.CreatedAt) {
		t.Fatal("UpdatedAt moved before CreatedAt")
	}
}

func TestQueueStatsIncludesEveryStatus(t *testing.T) {
	st := NewQueueStats()
	st.Count(StatusQueued)
	st.Count(StatusFailed)
	if st.TotalJobs != 2 {
		t.Fatalf("total = %d, want 2", st.TotalJobs)
	}
	for _, s := range Statuses {
		if _, ok := st.ByStatus[s]; !ok {
			t.Errorf("missing status %s", s)
		}
	}
}
