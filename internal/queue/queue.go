// Package queue defines the storage contract shared by every job backend and
// provides the ephemeral in-memory implementation.
package queue

import (
	"context"
	"time"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

// Queue stores jobs and their latest progress. Implementations must be safe for
// concurrent use and must hand out copies, never their internal records.
//
// Lookups return (nil, nil) for unknown ids. Mutations return model.ErrNotFound.
type Queue interface {
	EnqueueJob(ctx context.Context, job *model.Job) (string, error)
	ListJobs(ctx context.Context) ([]*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	GetJobProgress(ctx context.Context, id string) (*model.Progress, error)
	RecordProgress(ctx context.Context, id, stage string, step *int) error
	GetQueueStats(ctx context.Context) (*model.QueueStats, error)

	// ClaimNext atomically moves the oldest queued job to running and returns it.
	// It returns (nil, nil) when nothing is queued.
	ClaimNext(ctx context.Context, now time.Time) (*model.Job, error)
	// SwapJob replaces the stored record only while its status is still from.
	SwapJob(ctx context.Context, job *model.Job, from model.Status) error

	Close() error
}
