package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gapscope/gapscope/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	client, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client), mock
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "status", "user_id", "organisation_id", "target_url",
		"competitor_urls", "region_id", "worker_id", "priority", "created_at",
		"started_at", "completed_at", "error_message", "content_gaps",
		"popular_themes",
	})
}

func TestGetJob(t *testing.T) {
	db, mock := newMockDB(t)
	created := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRows().AddRow(
			"job-1", "pending", "user-1", "org-1", "https://a.example",
			[]byte(`["https://b.example"]`), nil, nil, 5, created,
			nil, nil, nil, nil, nil,
		))

	job, err := db.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusPending, job.Status)
	assert.Equal(t, []string{"https://b.example"}, job.CompetitorURLs)
	assert.Nil(t, job.RegionID)
	assert.Equal(t, 5, job.Priority)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(jobRows())

	_, err := db.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelJobAlreadyTerminal(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(string(jobs.JobStatusCancelled), "job-1",
			string(jobs.JobStatusPending), string(jobs.JobStatusProcessing)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	err := db.CancelJob(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrJobNotCancellable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingJobsRunsInTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	created := time.Now().UTC()
	started := created.Add(time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE jobs`).
		WithArgs(string(jobs.JobStatusProcessing), "worker-1",
			string(jobs.JobStatusPending), "us-east", 10).
		WillReturnRows(jobRows().AddRow(
			"job-1", "processing", "user-1", "org-1", "https://a.example",
			[]byte(`[]`), "us-east", "worker-1", 0, created,
			started, nil, nil, nil, nil,
		))
	mock.ExpectCommit()

	claimed, err := db.ClaimPendingJobs(context.Background(), "us-east", "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, jobs.JobStatusProcessing, claimed[0].Status)
	require.NotNil(t, claimed[0].WorkerID)
	assert.Equal(t, "worker-1", *claimed[0].WorkerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingJobsZeroBudget(t *testing.T) {
	db, mock := newMockDB(t)

	claimed, err := db.ClaimPendingJobs(context.Background(), "us-east", "worker-1", 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetStalledJobsReturnsCount(t *testing.T) {
	db, mock := newMockDB(t)
	cutoff := time.Now().Add(-jobs.JobStallThreshold)

	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(string(jobs.JobStatusPending), "Requeued after worker stall",
			string(jobs.JobStatusProcessing), "us-east", cutoff, 10).
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := db.ResetStalledJobs(context.Background(), "us-east", cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCompleteJobGuardsStatus(t *testing.T) {
	db, mock := newMockDB(t)

	// Job was cancelled while the analysis ran: no row matches the
	// processing guard, so the cancellation wins.
	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(string(jobs.JobStatusCompleted), []byte(`["gap"]`),
			[]byte(`["theme"]`), "job-1", string(jobs.JobStatusProcessing)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.CompleteJob(context.Background(), "job-1", []string{"gap"}, []string{"theme"})
	assert.ErrorIs(t, err, ErrJobNotProcessing)
}

func TestFailJob(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(string(jobs.JobStatusFailed), "analysis failed: HTTP 502",
			"job-1", string(jobs.JobStatusProcessing)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := db.FailJob(context.Background(), "job-1", "analysis failed: HTTP 502")
	assert.NoError(t, err)
}
