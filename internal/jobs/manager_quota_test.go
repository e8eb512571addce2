package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gapscope/gapscope/internal/db"
	"github.com/gapscope/gapscope/internal/jobs"
	"github.com/gapscope/gapscope/internal/kv"
	"github.com/gapscope/gapscope/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests wire the real quota service through the manager, so the
// decisions the manager evaluates are the ones the service actually
// produces rather than canned stubs.

type recordingJobStore struct {
	jobs map[string]*jobs.Job
}

func newRecordingJobStore() *recordingJobStore {
	return &recordingJobStore{jobs: make(map[string]*jobs.Job)}
}

func (s *recordingJobStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	s.jobs[job.ID] = job
	return nil
}

func (s *recordingJobStore) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, db.ErrJobNotFound
	}
	return job, nil
}

func (s *recordingJobStore) ListJobsByUser(ctx context.Context, userID string, limit int) ([]*jobs.Job, error) {
	return nil, nil
}

func (s *recordingJobStore) GetJobStatus(ctx context.Context, id string) (jobs.JobStatus, error) {
	job, ok := s.jobs[id]
	if !ok {
		return "", db.ErrJobNotFound
	}
	return job.Status, nil
}

func (s *recordingJobStore) CancelJob(ctx context.Context, id string) error { return nil }

func (s *recordingJobStore) ClaimPendingJobs(ctx context.Context, regionID, workerID string, limit int) ([]*jobs.Job, error) {
	return nil, nil
}

func (s *recordingJobStore) ClaimUnassignedJobs(ctx context.Context, regionID, workerID string, limit int) ([]*jobs.Job, error) {
	return nil, nil
}

func (s *recordingJobStore) ResetStalledJobs(ctx context.Context, regionID string, cutoff time.Time, limit int) (int, error) {
	return 0, nil
}

func (s *recordingJobStore) RevertJobToPending(ctx context.Context, id, message string) error {
	return nil
}

func (s *recordingJobStore) CompleteJob(ctx context.Context, id string, contentGaps, popularThemes []string) error {
	return nil
}

func (s *recordingJobStore) FailJob(ctx context.Context, id, errorMessage string) error { return nil }

func (s *recordingJobStore) UpsertWorkerHealth(ctx context.Context, health *jobs.WorkerHealth) error {
	return nil
}

// quotaRows implements quota.Store from a fixed set of records.
type quotaRows struct {
	records map[string]*db.QuotaRecord
	getErr  error
}

func (q *quotaRows) GetQuota(ctx context.Context, organisationID, quotaType string) (*db.QuotaRecord, error) {
	if q.getErr != nil {
		return nil, q.getErr
	}
	record, ok := q.records[organisationID+"/"+quotaType]
	if !ok {
		return nil, db.ErrQuotaNotFound
	}
	return record, nil
}

func (q *quotaRows) IncrementQuotaUsage(ctx context.Context, organisationID, quotaType string, amount int64) error {
	if q.getErr != nil {
		return q.getErr
	}
	record, ok := q.records[organisationID+"/"+quotaType]
	if !ok {
		return db.ErrQuotaNotFound
	}
	record.CurrentUsage += amount
	return nil
}

func (q *quotaRows) UpsertQuota(ctx context.Context, record *db.QuotaRecord) error {
	q.records[record.OrganisationID+"/"+record.QuotaType] = record
	return nil
}

func (q *quotaRows) CreateQuotaIncreaseRequest(ctx context.Context, organisationID, quotaType string, requestedLimit int64, reason string) (*db.QuotaIncreaseRequest, error) {
	return &db.QuotaIncreaseRequest{ID: "req-1"}, nil
}

func (q *quotaRows) ResolveQuotaIncreaseRequest(ctx context.Context, id string, approve bool, resolvedLimit int64) error {
	return nil
}

func submission() *jobs.JobOptions {
	return &jobs.JobOptions{
		UserID:         "user-1",
		OrganisationID: "org-1",
		TargetURL:      "https://a.example",
		CompetitorURLs: []string{"https://b.example"},
	}
}

func TestCreateJobAllowedWithoutConfiguredQuota(t *testing.T) {
	store := newRecordingJobStore()
	service := quota.New(&quotaRows{records: map[string]*db.QuotaRecord{}},
		kv.NewMemory(), quota.DefaultConfig())
	manager := jobs.NewManager(store, service)

	job, err := manager.CreateJob(context.Background(), submission())
	require.NoError(t, err, "an organisation with no quota rows is unlimited")
	assert.NotEmpty(t, job.ID)
	assert.Len(t, store.jobs, 1)
}

func TestCreateJobAllowedDuringQuotaStoreOutage(t *testing.T) {
	store := newRecordingJobStore()
	service := quota.New(&quotaRows{getErr: errors.New("connection refused")},
		kv.NewMemory(), quota.DefaultConfig())
	manager := jobs.NewManager(store, service)

	job, err := manager.CreateJob(context.Background(), submission())
	require.NoError(t, err, "quota enforcement fails open on store errors")
	assert.NotEmpty(t, job.ID)
}

func TestCreateJobBlockedWhenQuotaExhausted(t *testing.T) {
	rows := &quotaRows{records: map[string]*db.QuotaRecord{
		"org-1/analyses": {
			OrganisationID: "org-1", QuotaType: "analyses",
			CurrentUsage: 100, LimitValue: 100,
		},
	}}
	service := quota.New(rows, kv.NewMemory(), quota.DefaultConfig())
	manager := jobs.NewManager(newRecordingJobStore(), service)

	_, err := manager.CreateJob(context.Background(), submission())

	var quotaErr *jobs.ErrQuotaExceeded
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, jobs.QuotaTypeAnalyses, quotaErr.QuotaType)
}
