// Package redisq is a durable queue.Queue kept in Redis. Each job is one JSON value;
// two sorted sets scored by an increasing sequence index all jobs and queued jobs.
// Durability follows the server's persistence settings (appendfsync always for
// fsync-on-ack).
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
	"github.com/novasolve/nova-cmo-sub003/internal/queue"
)

const maxTxRetries = 100

// stored is the persisted shape of one job.
type stored struct {
	Seq      int64           `json:"seq"`
	Job      *model.Job      `json:"job"`
	Progress *model.Progress `json:"progress,omitempty"`
}

type Queue struct {
	rdb    *r.Client
	prefix string
	owned  bool
}

var _ queue.Queue = (*Queue)(nil)

// snapshot reads every job record in one atomic script.
var snapshot = r.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local out = {}
for i, id in ipairs(ids) do
	out[i] = redis.call('GET', ARGV[1] .. id)
end
return out
`)

// New wraps an existing client. The caller keeps ownership of rdb.
func New(rdb *r.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "cmo"
	}
	return &Queue{rdb: rdb, prefix: prefix}
}

// Dial connects to addr and owns the client; Close closes it.
func Dial(ctx context.Context, opts *r.Options, prefix string) (*Queue, error) {
	rdb := r.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, model.Persistence("ping redis", err)
	}
	q := New(rdb, prefix)
	q.owned = true
	return q, nil
}

func (q *Queue) jobKey(id string) string { return q.jobPrefix() + id }
func (q *Queue) jobPrefix() string      { return q.prefix + ":job:" }
func (q *Queue) allKey() string         { return q.prefix + ":jobs" }
func (q *Queue) queuedKey() string      { return q.prefix + ":queued" }
func (q *Queue) seqKey() string         { return q.prefix + ":seq" }

func (q *Queue) Close() error {
	if q.owned {
		return q.rdb.Close()
	}
	return nil
}

func decode(raw string) (*stored, error) {
	var rec stored
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, errors.Wrap(err, "decode job record")
	}
	if rec.Job == nil {
		return nil, errors.New("job record without job")
	}
	return &rec, nil
}

type getter interface {
	Get(ctx context.Context, key string) *r.StringCmd
}

func load(ctx context.Context, c getter, key string) (*stored, error) {
	raw, err := c.Get(ctx, key).Result()
	if err == r.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// watch runs fn in an optimistic transaction over keys, retrying on conflicts.
func (q *Queue) watch(ctx context.Context, op string, fn func(tx *r.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := q.rdb.Watch(ctx, fn, keys...)
		if err == r.TxFailedErr {
			continue
		}
		return err
	}
	return model.Persistence(op, fmt.Errorf("too much contention on %v", keys))
}

func (q *Queue) EnqueueJob(ctx context.Context, job *model.Job) (string, error) {
	if job == nil || job.ID == "" {
		return "", model.ErrInvalidJob
	}
	seq, err := q.rdb.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return "", model.Persistence("enqueue job", err)
	}

	rec := stored{Seq: seq, Job: job.Clone()}
	rec.Job.Status = model.StatusQueued
	rec.Job.Result = nil
	rec.Job.Touch(rec.Job.UpdatedAt)
	data, err := json.Marshal(rec)
	if err != nil {
		return "", model.Persistence("enqueue job", err)
	}

	key := q.jobKey(job.ID)
	err = q.watch(ctx, "enqueue job", func(tx *r.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return model.DuplicateID(job.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, q.allKey(), r.Z{Score: float64(seq), Member: job.ID})
			pipe.ZAdd(ctx, q.queuedKey(), r.Z{Score: float64(seq), Member: job.ID})
			return nil
		})
		return err
	}, key)
	if err != nil {
		return "", wrap("enqueue job", err)
	}
	return job.ID, nil
}

// wrap leaves taxonomy errors alone and marks everything else as a persistence error.
func wrap(op string, err error) error {
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrDuplicateID) ||
		errors.Is(err, model.ErrInvalidTransition) {
		return err
	}
	var pe *model.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return model.Persistence(op, err)
}

func (q *Queue) records(ctx context.Context) ([]*stored, error) {
	res, err := snapshot.Run(ctx, q.rdb, []string{q.allKey()}, q.jobPrefix()).Slice()
	if err != nil && err != r.Nil {
		return nil, err
	}
	out := make([]*stored, 0, len(res))
	for _, v := range res {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q *Queue) ListJobs(ctx context.Context) ([]*model.Job, error) {
	recs, err := q.records(ctx)
	if err != nil {
		return nil, model.Persistence("list jobs", err)
	}
	jobs := make([]*model.Job, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, rec.Job)
	}
	return jobs, nil
}

func (q *Queue) GetQueueStats(ctx context.Context) (*model.QueueStats, error) {
	recs, err := q.records(ctx)
	if err != nil {
		return nil, model.Persistence("queue stats", err)
	}
	st := model.NewQueueStats()
	for _, rec := range recs {
		st.Count(rec.Job.Status)
	}
	return st, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*model.Job, error) {
	rec, err := load(ctx, q.rdb, q.jobKey(id))
	if err != nil {
		return nil, model.Persistence("get job", err)
	}
	if rec == nil {
		return nil, nil
	}
	return rec.Job, nil
}

func (q *Queue) GetJobProgress(ctx context.Context, id string) (*model.Progress, error) {
	rec, err := load(ctx, q.rdb, q.jobKey(id))
	if err != nil {
		return nil, model.Persistence("get progress", err)
	}
	if rec == nil {
		return nil, nil
	}
	return rec.Progress, nil
}

// mutate loads the record for id, applies fn and writes it back atomically, keeping
// the queued index in step with the status.
func (q *Queue) mutate(ctx context.Context, op, id string, fn func(rec *stored) error) error {
	key := q.jobKey(id)
	err := q.watch(ctx, op, func(tx *r.Tx) error {
		rec, err := load(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return model.NotFound(id)
		}
		wasQueued := rec.Job.Status == model.StatusQueued
		if err := fn(rec); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			switch isQueued := rec.Job.Status == model.StatusQueued; {
			case wasQueued && !isQueued:
				pipe.ZRem(ctx, q.queuedKey(), id)
			case !wasQueued && isQueued:
				pipe.ZAdd(ctx, q.queuedKey(), r.Z{Score: float64(rec.Seq), Member: id})
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return wrap(op, err)
	}
	return nil
}

func apply(rec *stored, job *model.Job) {
	rec.Job.Status = job.Status
	rec.Job.Result = job.Result.Clone()
	rec.Job.Touch(job.UpdatedAt)
}

func (q *Queue) UpdateJob(ctx context.Context, job *model.Job) error {
	return q.mutate(ctx, "update job", job.ID, func(rec *stored) error {
		apply(rec, job)
		return nil
	})
}

func (q *Queue) SwapJob(ctx context.Context, job *model.Job, from model.Status) error {
	return q.mutate(ctx, "swap job", job.ID, func(rec *stored) error {
		if rec.Job.Status != from {
			return &model.TransitionError{ID: job.ID, From: rec.Job.Status, To: job.Status}
		}
		apply(rec, job)
		return nil
	})
}

func (q *Queue) RecordProgress(ctx context.Context, id, stage string, step *int) error {
	now := time.Now()
	return q.mutate(ctx, "record progress", id, func(rec *stored) error {
		p := &model.Progress{JobID: id, Stage: stage, UpdatedAt: now}
		if step != nil {
			p.Step = model.Step(*step)
		}
		rec.Progress = p
		rec.Job.Touch(now)
		return nil
	})
}

// ClaimNext pops the lowest-sequence queued id and marks its record running. The
// queued index is watched, so a concurrent claim of the same id aborts and retries.
func (q *Queue) ClaimNext(ctx context.Context, now time.Time) (*model.Job, error) {
	var claimed *model.Job
	err := q.watch(ctx, "claim job", func(tx *r.Tx) error {
		claimed = nil
		ids, err := tx.ZRange(ctx, q.queuedKey(), 0, 0).Result()
		if err != nil || len(ids) == 0 {
			return err
		}
		id := ids[0]
		key := q.jobKey(id)
		if err := tx.Watch(ctx, key).Err(); err != nil {
			return err
		}
		rec, err := load(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec == nil || rec.Job.Status != model.StatusQueued {
			// stale index entry
			_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
				pipe.ZRem(ctx, q.queuedKey(), id)
				return nil
			})
			if err == nil {
				err = r.TxFailedErr
			}
			return err
		}

		rec.Job.Status = model.StatusRunning
		rec.Job.Touch(now)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZRem(ctx, q.queuedKey(), id)
			return nil
		})
		if err == nil {
			claimed = rec.Job
		}
		return err
	}, q.queuedKey())
	if err != nil {
		return nil, wrap("claim job", err)
	}
	return claimed, nil
}
