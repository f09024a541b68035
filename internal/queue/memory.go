package queue

import (
	"context"
	"sync"
	"time"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

type record struct {
	job      *model.Job
	progress *model.Progress
}

// Memory is the ephemeral Queue. Jobs are kept in insertion order and lost on exit.
type Memory struct {
	mu     sync.RWMutex
	order  []string
	index  map[string]*record
	queued []string // ids still queued, oldest first
	now    func() time.Time
}

var _ Queue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		index: make(map[string]*record),
		now:   time.Now,
	}
}

func (m *Memory) EnqueueJob(_ context.Context, job *model.Job) (string, error) {
	if job == nil || job.ID == "" {
		return "", model.ErrInvalidJob
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.index[job.ID]; exists {
		return "", model.DuplicateID(job.ID)
	}

	stored := job.Clone()
	stored.Status = model.StatusQueued
	stored.Result = nil
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	if stored.UpdatedAt.Before(stored.CreatedAt) {
		stored.UpdatedAt = stored.CreatedAt
	}

	m.index[stored.ID] = &record{job: stored}
	m.order = append(m.order, stored.ID)
	m.queued = append(m.queued, stored.ID)
	return stored.ID, nil
}

func (m *Memory) ListJobs(_ context.Context) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*model.Job, 0, len(m.order))
	for _, id := range m.order {
		jobs = append(jobs, m.index[id].job.Clone())
	}
	return jobs, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.index[id]
	if !ok {
		return nil, nil
	}
	return rec.job.Clone(), nil
}

func (m *Memory) UpdateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.index[job.ID]
	if !ok {
		return model.NotFound(job.ID)
	}
	m.replace(rec, job)
	return nil
}

func (m *Memory) SwapJob(_ context.Context, job *model.Job, from model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.index[job.ID]
	if !ok {
		return model.NotFound(job.ID)
	}
	if rec.job.Status != from {
		return &model.TransitionError{ID: job.ID, From: rec.job.Status, To: job.Status}
	}
	m.replace(rec, job)
	return nil
}

// replace copies the mutable fields of job into rec. Caller holds the write lock.
func (m *Memory) replace(rec *record, job *model.Job) {
	wasQueued := rec.job.Status == model.StatusQueued

	rec.job.Status = job.Status
	rec.job.Result = job.Result.Clone()
	rec.job.Touch(job.UpdatedAt)

	switch isQueued := job.Status == model.StatusQueued; {
	case wasQueued && !isQueued:
		m.dropQueued(job.ID)
	case !wasQueued && isQueued:
		m.requeue(job.ID)
	}
}

func (m *Memory) dropQueued(id string) {
	for i, qid := range m.queued {
		if qid == id {
			m.queued = append(m.queued[:i], m.queued[i+1:]...)
			return
		}
	}
}

// requeue inserts id back into the queued list keeping creation order.
func (m *Memory) requeue(id string) {
	created := m.index[id].job.CreatedAt
	pos := len(m.queued)
	for i, qid := range m.queued {
		if m.index[qid].job.CreatedAt.After(created) {
			pos = i
			break
		}
	}
	m.queued = append(m.queued, "")
	copy(m.queued[pos+1:], m.queued[pos:])
	m.queued[pos] = id
}

func (m *Memory) ClaimNext(_ context.Context, now time.Time) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queued) == 0 {
		return nil, nil
	}
	id := m.queued[0]
	m.queued = m.queued[1:]

	rec := m.index[id]
	rec.job.Status = model.StatusRunning
	rec.job.Touch(now)
	return rec.job.Clone(), nil
}

func (m *Memory) GetJobProgress(_ context.Context, id string) (*model.Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.index[id]
	if !ok {
		return nil, nil
	}
	return rec.progress.Clone(), nil
}

func (m *Memory) RecordProgress(_ context.Context, id, stage string, step *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.index[id]
	if !ok {
		return model.NotFound(id)
	}
	now := m.now()
	p := &model.Progress{JobID: id, Stage: stage, UpdatedAt: now}
	if step != nil {
		p.Step = model.Step(*step)
	}
	rec.progress = p
	rec.job.Touch(now)
	return nil
}

func (m *Memory) GetQueueStats(_ context.Context) (*model.QueueStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := model.NewQueueStats()
	for _, id := range m.order {
		st.Count(m.index[id].job.Status)
	}
	return st, nil
}

func (m *Memory) Close() error { return nil }
