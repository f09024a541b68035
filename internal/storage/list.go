package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

const jobColumns = `id, goal, created_by, status, created_at, updated_at, result,
	progress_stage, progress_step, progress_updated_at`

type row interface {
	Scan(dest ...any) error
}

type scannedJob struct {
	job      model.Job
	progress *model.Progress
}

func scanJob(r row) (*scannedJob, error) {
	var (
		out               scannedJob
		status            string
		createdAt         int64
		updatedAt         int64
		resultStr         sql.NullString
		stageStr          sql.NullString
		step              sql.NullInt64
		progressUpdatedAt sql.NullInt64
	)
	if err := r.Scan(
		&out.job.ID,
		&out.job.Goal,
		&out.job.CreatedBy,
		&status,
		&createdAt,
		&updatedAt,
		&resultStr,
		&stageStr,
		&step,
		&progressUpdatedAt,
	); err != nil {
		return nil, err
	}

	out.job.Status = model.Status(status)
	out.job.CreatedAt = time.Unix(0, createdAt)
	out.job.UpdatedAt = time.Unix(0, updatedAt)

	if resultStr.Valid && resultStr.String != "" {
		var res model.Result
		if err := json.Unmarshal([]byte(resultStr.String), &res); err != nil {
			return nil, errors.Wrapf(err, "decode result of job %s", out.job.ID)
		}
		out.job.Result = &res
	}
	if stageStr.Valid {
		out.progress = &model.Progress{JobID: out.job.ID, Stage: stageStr.String}
		if step.Valid {
			out.progress.Step = model.Step(int(step.Int64))
		}
		if progressUpdatedAt.Valid {
			out.progress.UpdatedAt = time.Unix(0, progressUpdatedAt.Int64)
		}
	}
	return &out, nil
}

// ListJobs returns every job in creation order.
func (s *Store) ListJobs(ctx context.Context) ([]*model.Job, error) {
	statement := `select ` + jobColumns + ` from jobs order by created_at asc, seq asc`
	rows, err := s.db.QueryContext(ctx, statement)
	if err != nil {
		return nil, model.Persistence("list jobs", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		sj, err := scanJob(rows)
		if err != nil {
			return nil, model.Persistence("list jobs", err)
		}
		job := sj.job
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Persistence("list jobs", err)
	}
	return jobs, nil
}

func (s *Store) getRecord(ctx context.Context, id string) (*scannedJob, error) {
	statement := `select ` + jobColumns + ` from jobs where id = ?`
	sj, err := scanJob(s.db.QueryRowContext(ctx, s.rebind(statement), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, model.Persistence("get job", errors.Wrapf(err, "job %s", id))
	}
	return sj, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	sj, err := s.getRecord(ctx, id)
	if err != nil || sj == nil {
		return nil, err
	}
	return &sj.job, nil
}

func (s *Store) GetJobProgress(ctx context.Context, id string) (*model.Progress, error) {
	sj, err := s.getRecord(ctx, id)
	if err != nil || sj == nil {
		return nil, err
	}
	return sj.progress, nil
}

// GetQueueStats counts jobs by status in a single statement so the snapshot is
// consistent.
func (s *Store) GetQueueStats(ctx context.Context) (*model.QueueStats, error) {
	statement := `select status, count(*) from jobs group by status;`

	rows, err := s.db.QueryContext(ctx, statement)
	if err != nil {
		return nil, model.Persistence("queue stats", err)
	}
	defer rows.Close()

	stats := model.NewQueueStats()
	for rows.Next() {
		var status string
		var count int

		if err := rows.Scan(&status, &count); err != nil {
			return nil, model.Persistence("queue stats", err)
		}
		stats.ByStatus[model.Status(status)] += count
		stats.TotalJobs += count
	}
	if err := rows.Err(); err != nil {
		return nil, model.Persistence("queue stats", err)
	}
	return stats, nil
}
