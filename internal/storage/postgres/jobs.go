package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/grant-scout/internal/grant"
)

const jobColumns = `id, source_id, status, trigger, created_at, started_at, finished_at,
	duration_ms, attempts, total_found, total_inserted, total_updated, error`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job grant.Job) error {
	query := `
INSERT INTO scrape_jobs (id, source_id, status, trigger, created_at, attempts)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.SourceID,
		string(job.Status),
		string(job.Trigger),
		job.CreatedAt,
		job.Attempts,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// MarkJobRunning moves a non-terminal job to RUNNING.
func (s *Store) MarkJobRunning(ctx context.Context, id string, startedAt time.Time) error {
	query := `
UPDATE scrape_jobs SET status = $2, started_at = $3
WHERE id = $1 AND status NOT IN ('SUCCESS', 'FAILED')`
	tag, err := s.pool.Exec(ctx, query, id, string(grant.JobRunning), startedAt)
	if err != nil {
		return fmt.Errorf("mark job %s running: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionMiss(ctx, id)
	}
	return nil
}

// CompleteJob records the terminal state. total_inserted and total_updated
// are maintained by UpsertGrant and not written here.
func (s *Store) CompleteJob(ctx context.Context, job grant.Job) error {
	query := `
UPDATE scrape_jobs SET
	status = $2,
	started_at = COALESCE($3, started_at),
	finished_at = $4,
	duration_ms = $5,
	attempts = $6,
	total_found = $7,
	error = $8
WHERE id = $1 AND status NOT IN ('SUCCESS', 'FAILED')`
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Status),
		job.StartedAt,
		job.FinishedAt,
		durationMillis(job.Duration),
		job.Attempts,
		job.TotalFound,
		job.Error,
	)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionMiss(ctx, job.ID)
	}
	return nil
}

// transitionMiss explains why a guarded update touched no row.
func (s *Store) transitionMiss(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM scrape_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return &grant.NotFoundError{Kind: "job", ID: id}
	}
	if err != nil {
		return fmt.Errorf("load job %s status: %w", id, err)
	}
	return fmt.Errorf("job %s is %s: %w", id, status, grant.ErrJobTerminal)
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (grant.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return grant.Job{}, &grant.NotFoundError{Kind: "job", ID: id}
	}
	return job, err
}

// ListJobsSince returns jobs created at or after since, newest first.
func (s *Store) ListJobsSince(ctx context.Context, since time.Time) ([]grant.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs WHERE created_at >= $1 ORDER BY created_at DESC, id DESC`
	return s.queryJobs(ctx, query, since)
}

// LatestJobs returns the most recently created job per source.
func (s *Store) LatestJobs(ctx context.Context) (map[string]grant.Job, error) {
	query := `SELECT DISTINCT ON (source_id) ` + jobColumns + `
FROM scrape_jobs
ORDER BY source_id, created_at DESC, id DESC`
	jobs, err := s.queryJobs(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make(map[string]grant.Job, len(jobs))
	for _, job := range jobs {
		out[job.SourceID] = job
	}
	return out, nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]grant.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []grant.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (grant.Job, error) {
	var (
		job             grant.Job
		status, trigger string
		durationMS      int64
	)
	err := row.Scan(
		&job.ID,
		&job.SourceID,
		&status,
		&trigger,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&durationMS,
		&job.Attempts,
		&job.TotalFound,
		&job.TotalInserted,
		&job.TotalUpdated,
		&job.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return grant.Job{}, err
		}
		return grant.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = grant.JobStatus(status)
	job.Trigger = grant.Trigger(trigger)
	job.Duration = millisDuration(durationMS)
	return job, nil
}
