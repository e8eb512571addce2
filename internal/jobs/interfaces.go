package jobs

import (
	"context"
	"time"

	"github.com/gapscope/gapscope/internal/analyzer"
)

// JobStore defines the persistence operations the worker and manager need.
// Implemented by internal/db.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobsByUser(ctx context.Context, userID string, limit int) ([]*Job, error)
	// GetJobStatus is a cheap status-only read used for cancellation rechecks.
	GetJobStatus(ctx context.Context, id string) (JobStatus, error)
	CancelJob(ctx context.Context, id string) error

	// ClaimPendingJobs marks up to limit pending jobs in the region as
	// processing, attributed to workerID, and returns them ordered by
	// priority descending then creation time ascending.
	ClaimPendingJobs(ctx context.Context, regionID, workerID string, limit int) ([]*Job, error)
	// ClaimUnassignedJobs does the same for jobs with no region, assigning
	// them to regionID as part of the claim.
	ClaimUnassignedJobs(ctx context.Context, regionID, workerID string, limit int) ([]*Job, error)
	// ResetStalledJobs requeues processing jobs in the region whose
	// started_at is older than the cutoff, up to limit, and returns how
	// many were reset.
	ResetStalledJobs(ctx context.Context, regionID string, cutoff time.Time, limit int) (int, error)

	RevertJobToPending(ctx context.Context, id, message string) error
	CompleteJob(ctx context.Context, id string, contentGaps, popularThemes []string) error
	FailJob(ctx context.Context, id, errorMessage string) error

	UpsertWorkerHealth(ctx context.Context, health *WorkerHealth) error
}

// Analyzer defines the content-analysis capability the worker invokes.
// Implemented by internal/analyzer.
type Analyzer interface {
	Analyze(ctx context.Context, req analyzer.Request) (*analyzer.Result, error)
}

// CircuitBreaker is the subset of breaker behaviour the worker depends on.
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// QuotaChecker gates job submission on organisation quotas.
// Implemented by internal/quota.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, organisationID, quotaType string) (*QuotaDecision, error)
	IncrementUsage(ctx context.Context, organisationID, usageType string, amount int64) error
}

// QuotaDecision is the outcome of a quota check. A negative LimitValue or
// Remaining means no limit applies (unconfigured quota, or a fail-open
// decision after a store error).
type QuotaDecision struct {
	HasQuota     bool  `json:"has_quota"`
	CurrentUsage int64 `json:"current_usage"`
	LimitValue   int64 `json:"limit_value"`
	Remaining    int64 `json:"remaining"`
}

// Unlimited reports whether the decision carries no enforceable limit.
func (d *QuotaDecision) Unlimited() bool {
	return d.LimitValue < 0 || d.Remaining < 0
}
