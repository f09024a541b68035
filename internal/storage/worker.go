package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

// ClaimNext moves the oldest queued job to running in one statement, so two workers
// (or two processes) can never claim the same row.
func (s *Store) ClaimNext(ctx context.Context, now time.Time) (*model.Job, error) {
	claimSQL := `
	update jobs set
		status = ?,
		updated_at = ?
	where seq = (
		select seq from jobs
		where status = ?
		order by created_at asc, seq asc
		limit 1` + s.dialect.claimLock + `
	) and status = ?
	returning ` + jobColumns

	sj, err := scanJob(s.db.QueryRowContext(ctx, s.rebind(claimSQL),
		string(model.StatusRunning), // set status
		now.UnixNano(),              // set updated_at
		string(model.StatusQueued),  // oldest queued
		string(model.StatusQueued),  // still queued
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if isBusy(err) {
			return nil, nil // another process holds the write lock, try again later
		}
		return nil, model.Persistence("claim job", err)
	}
	return &sj.job, nil
}

// UpdateJob saves the mutable fields of a job.
func (s *Store) UpdateJob(ctx context.Context, job *model.Job) error {
	updateSQL := `update jobs set
	                  status = ?,
	                  updated_at = max(created_at, ?),
	                  result = ?
	              where id = ?`
	res, err := s.exec(ctx, updateSQL, job, "")
	if err != nil {
		return model.Persistence("update job", errors.Wrapf(err, "job %s", job.ID))
	}
	if rowsAffected, _ := res.RowsAffected(); rowsAffected == 0 {
		return model.NotFound(job.ID)
	}
	return nil
}

// SwapJob saves the job only while the stored status still equals from.
func (s *Store) SwapJob(ctx context.Context, job *model.Job, from model.Status) error {
	swapSQL := `update jobs set
	                  status = ?,
	                  updated_at = max(created_at, ?),
	                  result = ?
	              where id = ? and status = ?`
	res, err := s.exec(ctx, swapSQL, job, from)
	if err != nil {
		return model.Persistence("swap job", errors.Wrapf(err, "job %s", job.ID))
	}
	if rowsAffected, _ := res.RowsAffected(); rowsAffected > 0 {
		return nil
	}

	current, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return model.NotFound(job.ID)
	}
	return &model.TransitionError{ID: job.ID, From: current.Status, To: job.Status}
}

func (s *Store) exec(ctx context.Context, statement string, job *model.Job, from model.Status) (sql.Result, error) {
	var result sql.NullString
	if job.Result != nil {
		data, err := json.Marshal(job.Result)
		if err != nil {
			return nil, errors.Wrap(err, "encode result")
		}
		result = sql.NullString{String: string(data), Valid: true}
	}

	statement = s.greatest(statement)
	args := []any{string(job.Status), job.UpdatedAt.UnixNano(), result, job.ID}
	if from != "" {
		args = append(args, string(from))
	}
	return s.db.ExecContext(ctx, s.rebind(statement), args...)
}

// greatest swaps SQLite's scalar max for the PostgreSQL spelling.
func (s *Store) greatest(statement string) string {
	if s.dialect.name != postgresDialect.name {
		return statement
	}
	return strings.ReplaceAll(statement, "max(created_at, ?)", "greatest(created_at, ?)")
}

// RecordProgress overwrites the progress columns of a job.
func (s *Store) RecordProgress(ctx context.Context, id, stage string, step *int) error {
	progressSQL := `update jobs set
	                  progress_stage = ?,
	                  progress_step = ?,
	                  progress_updated_at = ?,
	                  updated_at = max(created_at, ?)
	              where id = ?`

	var stepVal sql.NullInt64
	if step != nil {
		stepVal = sql.NullInt64{Int64: int64(*step), Valid: true}
	}
	now := time.Now().UnixNano()
	res, err := s.db.ExecContext(ctx, s.rebind(s.greatest(progressSQL)), stage, stepVal, now, now, id)
	if err != nil {
		return model.Persistence("record progress", errors.Wrapf(err, "job %s", id))
	}
	if rowsAffected, _ := res.RowsAffected(); rowsAffected == 0 {
		return model.NotFound(id)
	}
	return nil
}
