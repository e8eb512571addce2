package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gapscope/gapscope/internal/analyzer"
	"github.com/gapscope/gapscope/internal/breaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore is an in-memory JobStore for worker and manager tests.
type stubStore struct {
	mu sync.Mutex

	jobs       map[string]*Job
	pending    []*Job // returned by the next ClaimPendingJobs call
	unassigned []*Job
	stalled    int

	reverted   map[string]string
	health     []*WorkerHealth
	claimErr   error
	statusOnly map[string]JobStatus // overrides GetJobStatus
}

func newStubStore() *stubStore {
	return &stubStore{
		jobs:       make(map[string]*Job),
		reverted:   make(map[string]string),
		statusOnly: make(map[string]JobStatus),
	}
}

func (s *stubStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *stubStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("job not found")
	}
	return job, nil
}

func (s *stubStore) ListJobsByUser(ctx context.Context, userID string, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*Job
	for _, job := range s.jobs {
		if job.UserID == userID {
			result = append(result, job)
		}
	}
	return result, nil
}

func (s *stubStore) GetJobStatus(ctx context.Context, id string) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.statusOnly[id]; ok {
		return status, nil
	}
	job, ok := s.jobs[id]
	if !ok {
		return "", errors.New("job not found")
	}
	return job.Status, nil
}

func (s *stubStore) CancelJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return errors.New("job not found")
	}
	job.Status = JobStatusCancelled
	return nil
}

func (s *stubStore) ClaimPendingJobs(ctx context.Context, regionID, workerID string, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	claimed := s.pending
	if len(claimed) > limit {
		claimed = claimed[:limit]
	}
	s.pending = nil
	for _, job := range claimed {
		job.Status = JobStatusProcessing
		job.WorkerID = &workerID
		s.jobs[job.ID] = job
	}
	return claimed, nil
}

func (s *stubStore) ClaimUnassignedJobs(ctx context.Context, regionID, workerID string, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claimed := s.unassigned
	if len(claimed) > limit {
		claimed = claimed[:limit]
	}
	s.unassigned = nil
	for _, job := range claimed {
		job.Status = JobStatusProcessing
		job.RegionID = &regionID
		job.WorkerID = &workerID
		s.jobs[job.ID] = job
	}
	return claimed, nil
}

func (s *stubStore) ResetStalledJobs(ctx context.Context, regionID string, cutoff time.Time, limit int) (int, error) {
	return s.stalled, nil
}

func (s *stubStore) RevertJobToPending(ctx context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverted[id] = message
	if job, ok := s.jobs[id]; ok {
		job.Status = JobStatusPending
		job.WorkerID = nil
	}
	return nil
}

func (s *stubStore) CompleteJob(ctx context.Context, id string, contentGaps, popularThemes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = JobStatusCompleted
	job.ContentGaps = contentGaps
	job.PopularThemes = popularThemes
	return nil
}

func (s *stubStore) FailJob(ctx context.Context, id, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = JobStatusFailed
	job.ErrorMessage = errorMessage
	return nil
}

func (s *stubStore) UpsertWorkerHealth(ctx context.Context, health *WorkerHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = append(s.health, health)
	return nil
}

// stubAnalyzer returns canned results or errors per job ID.
type stubAnalyzer struct {
	mu      sync.Mutex
	results map[string]*analyzer.Result
	errs    map[string]error
	calls   []string
}

func newStubAnalyzer() *stubAnalyzer {
	return &stubAnalyzer{
		results: make(map[string]*analyzer.Result),
		errs:    make(map[string]error),
	}
}

func (a *stubAnalyzer) Analyze(ctx context.Context, req analyzer.Request) (*analyzer.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req.JobID)
	if err, ok := a.errs[req.JobID]; ok {
		return nil, err
	}
	if result, ok := a.results[req.JobID]; ok {
		return result, nil
	}
	return &analyzer.Result{}, nil
}

// passthroughBreaker runs fn directly; err, when set, simulates an open circuit.
type passthroughBreaker struct {
	err error
}

func (b *passthroughBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.err != nil {
		return b.err
	}
	return fn(ctx)
}

func pendingJob(id string) *Job {
	return &Job{
		ID:        id,
		Status:    JobStatusPending,
		UserID:    "user-1",
		TargetURL: "https://a.example",
		CreatedAt: time.Now().UTC(),
	}
}

func newTestWorker(store *stubStore, az Analyzer, cb CircuitBreaker) *Worker {
	return NewWorker(store, az, cb, WorkerConfig{Region: "us-east", Version: "test"})
}

func TestRunOnceCompletesClaimedJobs(t *testing.T) {
	store := newStubStore()
	store.pending = []*Job{pendingJob("job-1"), pendingJob("job-2")}
	store.stalled = 1

	az := newStubAnalyzer()
	az.results["job-1"] = &analyzer.Result{ContentGaps: []string{"pricing"}}
	az.results["job-2"] = &analyzer.Result{PopularThemes: []string{"guides"}}

	worker := newTestWorker(store, az, &passthroughBreaker{})
	summary, err := worker.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, summary.Stalled)
	assert.Equal(t, JobStatusCompleted, store.jobs["job-1"].Status)
	assert.Equal(t, []string{"pricing"}, store.jobs["job-1"].ContentGaps)

	// Heartbeat at start and end of the run.
	require.Len(t, store.health, 2)
	assert.Equal(t, WorkerStatusActive, store.health[0].Status)
	assert.Equal(t, "us-east", store.health[0].RegionID)
}

func TestHeartbeatReportsProcessUsage(t *testing.T) {
	store := newStubStore()

	worker := newTestWorker(store, newStubAnalyzer(), &passthroughBreaker{})
	_, err := worker.RunOnce(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, store.health)
	for _, h := range store.health {
		assert.Greater(t, h.MemoryUsage, 0.0, "heartbeats must carry live memory stats")
		assert.GreaterOrEqual(t, h.CPUUsage, 0.0)
	}
}

func TestRunOnceFailureDoesNotAbortRun(t *testing.T) {
	store := newStubStore()
	store.pending = []*Job{pendingJob("job-1"), pendingJob("job-2")}

	az := newStubAnalyzer()
	az.errs["job-1"] = errors.New("analysis failed: HTTP 502")

	worker := newTestWorker(store, az, &passthroughBreaker{})
	summary, err := worker.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, JobStatusFailed, store.jobs["job-1"].Status)
	assert.Contains(t, store.jobs["job-1"].ErrorMessage, "HTTP 502")
	assert.Equal(t, JobStatusCompleted, store.jobs["job-2"].Status)
}

func TestRunOnceOpenCircuitRequeuesWithoutFailing(t *testing.T) {
	store := newStubStore()
	store.pending = []*Job{pendingJob("job-1")}

	az := newStubAnalyzer()
	worker := newTestWorker(store, az, &passthroughBreaker{err: breaker.ErrCircuitOpen})

	summary, err := worker.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Empty(t, az.calls, "analysis must not run when the circuit refuses")
	assert.Contains(t, store.reverted, "job-1")
	assert.Contains(t, store.reverted["job-1"], "circuit")
	assert.Equal(t, JobStatusPending, store.jobs["job-1"].Status)
}

func TestRunOnceClaimsUnassignedForRemainingBudget(t *testing.T) {
	store := newStubStore()
	store.pending = []*Job{pendingJob("job-1")}
	store.unassigned = []*Job{pendingJob("job-2")}

	worker := newTestWorker(store, newStubAnalyzer(), &passthroughBreaker{})
	summary, err := worker.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	require.NotNil(t, store.jobs["job-2"].RegionID)
	assert.Equal(t, "us-east", *store.jobs["job-2"].RegionID)
}

func TestRunOnceCancelledDuringProcessingStaysCancelled(t *testing.T) {
	store := newStubStore()
	store.pending = []*Job{pendingJob("job-1")}
	store.statusOnly["job-1"] = JobStatusCancelled

	az := newStubAnalyzer()
	az.results["job-1"] = &analyzer.Result{ContentGaps: []string{"x"}}

	worker := newTestWorker(store, az, &passthroughBreaker{})
	summary, err := worker.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed, "counted, but the result is discarded")
	assert.Equal(t, JobStatusProcessing, store.jobs["job-1"].Status,
		"terminal transition must not be committed")
	assert.Empty(t, store.jobs["job-1"].ContentGaps)
}

func TestRunOnceDeadlineRevertsUnprocessedJobs(t *testing.T) {
	store := newStubStore()
	store.pending = []*Job{pendingJob("job-1"), pendingJob("job-2"), pendingJob("job-3")}

	worker := newTestWorker(store, newStubAnalyzer(), &passthroughBreaker{})

	// Clock jumps past the run deadline after the first job.
	var ticks int
	base := time.Now()
	worker.now = func() time.Time {
		ticks++
		if ticks > 4 {
			return base.Add(MaxJobProcessingTime + time.Minute)
		}
		return base
	}

	summary, err := worker.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Less(t, summary.Processed, 3)
	assert.NotEmpty(t, store.reverted)
	for id, msg := range store.reverted {
		assert.Equal(t, JobStatusPending, store.jobs[id].Status)
		assert.Contains(t, msg, "budget")
	}
}

func TestRunOnceClaimErrorEndsRunEarly(t *testing.T) {
	store := newStubStore()
	store.claimErr = errors.New("connection refused")

	worker := newTestWorker(store, newStubAnalyzer(), &passthroughBreaker{})
	summary, err := worker.RunOnce(context.Background())

	require.Error(t, err)
	assert.Equal(t, 0, summary.Processed)
}
