package model

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// ParseStatus accepts the lower-case wire form of a status.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	return st, st.Valid()
}

// Result is filled in on the terminal transition only.
type Result struct {
	Success    bool           `json:"success" yaml:"success"`
	Artifacts  map[string]any `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	FinalState string         `json:"final_state,omitempty" yaml:"final_state,omitempty"`
	Error      string         `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	if r.Artifacts != nil {
		out.Artifacts = make(map[string]any, len(r.Artifacts))
		for k, v := range r.Artifacts {
			out.Artifacts[k] = v
		}
	}
	return &out
}

type Job struct {
	ID        string    `json:"id" yaml:"id"`
	Goal      string    `json:"goal" yaml:"goal"`
	CreatedBy string    `json:"created_by" yaml:"created_by"`
	Status    Status    `json:"status" yaml:"status"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	Result    *Result   `json:"result,omitempty" yaml:"result,omitempty"`
}

// NewJob builds a queued job with a fresh id.
func NewJob(goal, createdBy string, now time.Time) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Goal:      goal,
		CreatedBy: createdBy,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Result = j.Result.Clone()
	return &out
}

// Touch moves UpdatedAt forward, never behind CreatedAt.
func (j *Job) Touch(now time.Time) {
	if now.Before(j.CreatedAt) {
		now = j.CreatedAt
	}
	j.UpdatedAt = now
}

// Progress is the latest reported stage of a job. It is overwritten on every report.
type Progress struct {
	JobID     string    `json:"job_id" yaml:"job_id"`
	Stage     string    `json:"stage" yaml:"stage"`
	Step      *int      `json:"step,omitempty" yaml:"step,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

func (p *Progress) Clone() *Progress {
	if p == nil {
		return nil
	}
	out := *p
	if p.Step != nil {
		step := *p.Step
		out.Step = &step
	}
	return &out
}

// Step is a convenience for building an optional step value.
func Step(n int) *int { return &n }

// QueueStats is derived from the job set at query time.
type QueueStats struct {
	TotalJobs int            `json:"total_jobs" yaml:"total_jobs"`
	ByStatus  map[Status]int `json:"by_status" yaml:"by_status"`
}

func NewQueueStats() *QueueStats {
	st := &QueueStats{ByStatus: make(map[Status]int, len(Statuses))}
	for _, s := range Statuses {
		st.ByStatus[s] = 0
	}
	return st
}

// Count adds one job with the given status.
func (s *QueueStats) Count(st Status) {
	s.TotalJobs++
	s.ByStatus[st]++
}
