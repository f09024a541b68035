package engine

import (
	"context"
	"time"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	ID         string        `json:"id" yaml:"id"`
	Goal       string        `json:"goal" yaml:"goal"`
	CreatedBy  string        `json:"created_by" yaml:"created_by"`
	Status     model.Status  `json:"status" yaml:"status"`
	Stage      string        `json:"stage,omitempty" yaml:"stage,omitempty"`
	Step       *int          `json:"step,omitempty" yaml:"step,omitempty"`
	CreatedAt  time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at" yaml:"updated_at"`
	ProgressAt *time.Time    `json:"progress_at,omitempty" yaml:"progress_at,omitempty"`
	Result     *model.Result `json:"result,omitempty" yaml:"result,omitempty"`
}

type JobSummary struct {
	ID        string       `json:"id" yaml:"id"`
	Goal      string       `json:"goal" yaml:"goal"`
	CreatedBy string       `json:"created_by" yaml:"created_by"`
	Status    model.Status `json:"status" yaml:"status"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" yaml:"updated_at"`
}

type JobStats struct {
	Total    int                  `json:"total" yaml:"total"`
	ByStatus map[model.Status]int `json:"by_status" yaml:"by_status"`
}

type WorkerStats struct {
	Total  int `json:"total" yaml:"total"`
	Active int `json:"active" yaml:"active"`
	Idle   int `json:"idle" yaml:"idle"`
}

type Stats struct {
	Jobs    JobStats    `json:"jobs" yaml:"jobs"`
	Workers WorkerStats `json:"workers" yaml:"workers"`
}

// GetJobStatus returns (nil, nil) for an unknown id.
func (e *Engine) GetJobStatus(ctx context.Context, id string) (*JobStatus, error) {
	job, err := e.mgr.GetJob(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}
	st := &JobStatus{
		ID:        job.ID,
		Goal:      job.Goal,
		CreatedBy: job.CreatedBy,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Result:    job.Result,
	}
	p, err := e.mgr.GetJobProgress(ctx, id)
	if err != nil {
		return nil, err
	}
	if p != nil {
		at := p.UpdatedAt
		st.Stage, st.Step, st.ProgressAt = p.Stage, p.Step, &at
	}
	return st, nil
}

// ListJobs returns every job in submission order.
func (e *Engine) ListJobs(ctx context.Context) ([]JobSummary, error) {
	jobs, err := e.mgr.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobSummary{
			ID:        j.ID,
			Goal:      j.Goal,
			CreatedBy: j.CreatedBy,
			Status:    j.Status,
			CreatedAt: j.CreatedAt,
			UpdatedAt: j.UpdatedAt,
		})
	}
	return out, nil
}

func (e *Engine) GetStats(ctx context.Context) (*Stats, error) {
	qs, err := e.mgr.GetQueueStats(ctx)
	if err != nil {
		return nil, err
	}
	total := e.workerCount()
	active := int(e.active.Load())
	idle := total - active
	if idle < 0 {
		idle = 0
	}
	return &Stats{
		Jobs:    JobStats{Total: qs.TotalJobs, ByStatus: qs.ByStatus},
		Workers: WorkerStats{Total: total, Active: active, Idle: idle},
	}, nil
}
