// Package manager keeps a process-local registry of job snapshots in front of a
// queue.Queue. Terminal jobs never change again, so they are served from memory;
// everything else reads through because another process may be mutating it.
package manager

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
	"github.com/novasolve/nova-cmo-sub003/internal/queue"
)

const DefaultCacheSize = 1024

type Manager struct {
	q     queue.Queue
	cache *lru.Cache
}

var _ queue.Queue = (*Manager)(nil)

// New wraps q. size <= 0 selects DefaultCacheSize.
func New(q queue.Queue, size int) (*Manager, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Manager{q: q, cache: cache}, nil
}

// Cached reports whether a snapshot of id is held in memory.
func (m *Manager) Cached(id string) bool {
	return m.cache.Contains(id)
}

func (m *Manager) remember(job *model.Job) {
	if job != nil {
		m.cache.Add(job.ID, job.Clone())
	}
}

// written folds a successful write into the cached snapshot. Only the mutable
// fields are taken from job; immutable ones stay as the backend returned them.
func (m *Manager) written(job *model.Job) {
	v, ok := m.cache.Peek(job.ID)
	if !ok {
		return
	}
	snap := v.(*model.Job).Clone()
	snap.Status = job.Status
	snap.Result = job.Result.Clone()
	snap.Touch(job.UpdatedAt)
	m.cache.Add(job.ID, snap)
}

func (m *Manager) EnqueueJob(ctx context.Context, job *model.Job) (string, error) {
	id, err := m.q.EnqueueJob(ctx, job)
	if err != nil {
		return "", err
	}
	stored := job.Clone()
	stored.Status = model.StatusQueued
	stored.Result = nil
	m.remember(stored)
	return id, nil
}

func (m *Manager) ListJobs(ctx context.Context) ([]*model.Job, error) {
	jobs, err := m.q.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		m.remember(j)
	}
	return jobs, nil
}

func (m *Manager) GetJob(ctx context.Context, id string) (*model.Job, error) {
	if v, ok := m.cache.Get(id); ok {
		if job := v.(*model.Job); job.Status.Terminal() {
			return job.Clone(), nil
		}
	}
	job, err := m.q.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		m.cache.Remove(id)
		return nil, nil
	}
	m.remember(job)
	return job, nil
}

func (m *Manager) UpdateJob(ctx context.Context, job *model.Job) error {
	if err := m.q.UpdateJob(ctx, job); err != nil {
		m.cache.Remove(job.ID)
		return err
	}
	m.written(job)
	return nil
}

func (m *Manager) SwapJob(ctx context.Context, job *model.Job, from model.Status) error {
	if err := m.q.SwapJob(ctx, job, from); err != nil {
		m.cache.Remove(job.ID)
		return err
	}
	m.written(job)
	return nil
}

func (m *Manager) ClaimNext(ctx context.Context, now time.Time) (*model.Job, error) {
	job, err := m.q.ClaimNext(ctx, now)
	if err != nil {
		return nil, err
	}
	m.remember(job)
	return job, nil
}

func (m *Manager) GetJobProgress(ctx context.Context, id string) (*model.Progress, error) {
	return m.q.GetJobProgress(ctx, id)
}

func (m *Manager) RecordProgress(ctx context.Context, id, stage string, step *int) error {
	return m.q.RecordProgress(ctx, id, stage, step)
}

func (m *Manager) GetQueueStats(ctx context.Context) (*model.QueueStats, error) {
	return m.q.GetQueueStats(ctx)
}

// Close drops every cached snapshot and closes the wrapped queue.
func (m *Manager) Close() error {
	m.cache.Purge()
	return m.q.Close()
}
