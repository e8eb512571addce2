package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gapscope/gapscope/internal/jobs"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

var (
	// ErrJobNotFound is returned when no job exists for the given ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotCancellable is returned when a cancel targets a terminal job.
	ErrJobNotCancellable = errors.New("job is not in a cancellable state")
	// ErrJobNotProcessing is returned when a terminal transition targets a
	// job no longer in processing state (e.g. cancelled mid-flight).
	ErrJobNotProcessing = errors.New("job is not in processing state")
)

const jobColumns = `id, status, user_id, organisation_id, target_url, competitor_urls,
	region_id, worker_id, priority, created_at, started_at, completed_at,
	error_message, content_gaps, popular_themes`

// CreateJob inserts a new pending job.
func (d *DB) CreateJob(ctx context.Context, job *jobs.Job) error {
	competitors, err := marshalStringList(job.CompetitorURLs)
	if err != nil {
		return fmt.Errorf("failed to encode competitor URLs: %w", err)
	}

	_, err = d.client.ExecContext(ctx, `
		INSERT INTO jobs (id, status, user_id, organisation_id, target_url,
			competitor_urls, region_id, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.ID, jobs.JobStatusPending, job.UserID, job.OrganisationID,
		job.TargetURL, competitors, job.RegionID, job.Priority, job.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob fetches a single job by ID.
func (d *DB) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	row := d.client.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// GetJobStatus reads only the status column. Cheap recheck used by the
// worker before committing a terminal transition.
func (d *DB) GetJobStatus(ctx context.Context, id string) (jobs.JobStatus, error) {
	var status jobs.JobStatus
	err := d.client.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query job status: %w", err)
	}
	return status, nil
}

// ListJobsByUser returns the user's jobs, newest first.
func (d *DB) ListJobsByUser(ctx context.Context, userID string, limit int) ([]*jobs.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := d.client.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CancelJob cancels a job that is still pending or processing.
func (d *DB) CancelJob(ctx context.Context, id string) error {
	result, err := d.client.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, completed_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`, jobs.JobStatusCancelled, id, jobs.JobStatusPending, jobs.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		if _, err := d.GetJobStatus(ctx, id); err != nil {
			return err
		}
		return ErrJobNotCancellable
	}
	return nil
}

// ClaimPendingJobs atomically moves up to limit pending jobs in the region
// to processing, attributed to workerID. FOR UPDATE SKIP LOCKED lets
// concurrent workers claim disjoint sets.
func (d *DB) ClaimPendingJobs(ctx context.Context, regionID, workerID string, limit int) ([]*jobs.Job, error) {
	span := sentry.StartSpan(ctx, "db.claim_pending_jobs")
	defer span.Finish()

	return d.claimJobs(ctx, workerID, limit, `
		UPDATE jobs
		SET status = $1, worker_id = $2, started_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $3 AND region_id = $4
			ORDER BY priority DESC, created_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		jobs.JobStatusProcessing, workerID, jobs.JobStatusPending, regionID, limit)
}

// ClaimUnassignedJobs claims regionless pending jobs, assigning them to the
// worker's region as part of the claim. Region assignment is
// last-writer-wins; the claim itself is still exclusive.
func (d *DB) ClaimUnassignedJobs(ctx context.Context, regionID, workerID string, limit int) ([]*jobs.Job, error) {
	span := sentry.StartSpan(ctx, "db.claim_unassigned_jobs")
	defer span.Finish()

	return d.claimJobs(ctx, workerID, limit, `
		UPDATE jobs
		SET status = $1, worker_id = $2, region_id = $3, started_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $4 AND region_id IS NULL
			ORDER BY priority DESC, created_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		jobs.JobStatusProcessing, workerID, regionID, jobs.JobStatusPending, limit)
}

func (d *DB) claimJobs(ctx context.Context, workerID string, limit int, query string, args ...any) ([]*jobs.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []*jobs.Job
	err := d.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to claim jobs: %w", err)
		}
		defer rows.Close()

		claimed, err = collectJobs(rows)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		log.Debug().
			Str("worker_id", workerID).
			Int("count", len(claimed)).
			Msg("Claimed jobs")
	}
	return claimed, nil
}

// ResetStalledJobs requeues processing jobs in the region whose started_at
// is older than the cutoff. Returns how many jobs were reset.
func (d *DB) ResetStalledJobs(ctx context.Context, regionID string, cutoff time.Time, limit int) (int, error) {
	span := sentry.StartSpan(ctx, "db.reset_stalled_jobs")
	defer span.Finish()

	if limit <= 0 {
		return 0, nil
	}

	result, err := d.client.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, started_at = NULL, worker_id = NULL,
			error_message = $2
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $3 AND region_id = $4 AND started_at < $5
			ORDER BY started_at ASC
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
	`, jobs.JobStatusPending, "Requeued after worker stall",
		jobs.JobStatusProcessing, regionID, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stalled jobs: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected > 0 {
		log.Info().
			Int64("jobs_reset", affected).
			Str("region_id", regionID).
			Msg("Requeued stalled jobs")
	}
	return int(affected), nil
}

// RevertJobToPending returns a claimed job to the queue with an
// informational message, e.g. when the circuit breaker refuses the call.
func (d *DB) RevertJobToPending(ctx context.Context, id, message string) error {
	_, err := d.client.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, started_at = NULL, worker_id = NULL, error_message = $2
		WHERE id = $3 AND status = $4
	`, jobs.JobStatusPending, message, id, jobs.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to revert job to pending: %w", err)
	}
	return nil
}

// CompleteJob records a successful analysis. The status guard means a job
// cancelled mid-flight stays cancelled.
func (d *DB) CompleteJob(ctx context.Context, id string, contentGaps, popularThemes []string) error {
	gaps, err := marshalStringList(contentGaps)
	if err != nil {
		return fmt.Errorf("failed to encode content gaps: %w", err)
	}
	themes, err := marshalStringList(popularThemes)
	if err != nil {
		return fmt.Errorf("failed to encode popular themes: %w", err)
	}

	result, err := d.client.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, completed_at = NOW(), content_gaps = $2,
			popular_themes = $3, error_message = NULL
		WHERE id = $4 AND status = $5
	`, jobs.JobStatusCompleted, gaps, themes, id, jobs.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrJobNotProcessing
	}
	return nil
}

// FailJob records a failed analysis with the downstream error message.
func (d *DB) FailJob(ctx context.Context, id, errorMessage string) error {
	result, err := d.client.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, completed_at = NOW(), error_message = $2
		WHERE id = $3 AND status = $4
	`, jobs.JobStatusFailed, errorMessage, id, jobs.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark job as failed: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrJobNotProcessing
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var job jobs.Job
	var competitors, gaps, themes []byte
	var regionID, workerID, errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.Status, &job.UserID, &job.OrganisationID, &job.TargetURL,
		&competitors, &regionID, &workerID, &job.Priority, &job.CreatedAt,
		&startedAt, &completedAt, &errorMessage, &gaps, &themes,
	)
	if err != nil {
		return nil, err
	}

	if regionID.Valid {
		job.RegionID = &regionID.String
	}
	if workerID.Valid {
		job.WorkerID = &workerID.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	if job.CompetitorURLs, err = unmarshalStringList(competitors); err != nil {
		return nil, fmt.Errorf("failed to decode competitor URLs: %w", err)
	}
	if job.ContentGaps, err = unmarshalStringList(gaps); err != nil {
		return nil, fmt.Errorf("failed to decode content gaps: %w", err)
	}
	if job.PopularThemes, err = unmarshalStringList(themes); err != nil {
		return nil, fmt.Errorf("failed to decode popular themes: %w", err)
	}

	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*jobs.Job, error) {
	var result []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func marshalStringList(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

func unmarshalStringList(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}
	return values, nil
}
