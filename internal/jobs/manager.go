package jobs

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Quota type names. Job submission gates on analyses and competitor_urls;
// api_requests and storage are metered by their own surfaces.
const (
	QuotaTypeAnalyses       = "analyses"
	QuotaTypeCompetitorURLs = "competitor_urls"
	QuotaTypeAPIRequests    = "api_requests"
	QuotaTypeStorage        = "storage"
)

// ErrQuotaExceeded is returned when an organisation is out of quota for
// the submission.
type ErrQuotaExceeded struct {
	QuotaType    string
	CurrentUsage int64
	LimitValue   int64
}

func (e *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d of %d used",
		e.QuotaType, e.CurrentUsage, e.LimitValue)
}

// Manager handles job lifecycle operations driven by the API: submission,
// lookup, listing and cancellation.
type Manager struct {
	store JobStore
	quota QuotaChecker
}

// NewManager creates a job manager.
func NewManager(store JobStore, quota QuotaChecker) *Manager {
	if store == nil {
		panic("jobs: store is required")
	}
	return &Manager{store: store, quota: quota}
}

// CreateJob validates the submission, checks organisation quotas and
// persists a new pending job. Usage is incremented only after the job is
// accepted.
func (m *Manager) CreateJob(ctx context.Context, options *JobOptions) (*Job, error) {
	if err := validateOptions(options); err != nil {
		return nil, err
	}

	if err := m.checkQuotas(ctx, options); err != nil {
		return nil, err
	}

	job := &Job{
		ID:             uuid.New().String(),
		Status:         JobStatusPending,
		UserID:         options.UserID,
		OrganisationID: options.OrganisationID,
		TargetURL:      options.TargetURL,
		CompetitorURLs: options.CompetitorURLs,
		Priority:       options.Priority,
		CreatedAt:      time.Now().UTC(),
	}
	if options.RegionID != "" {
		job.RegionID = &options.RegionID
	}

	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	m.recordUsage(ctx, options)

	log.Info().
		Str("job_id", job.ID).
		Str("organisation_id", job.OrganisationID).
		Str("target_url", job.TargetURL).
		Int("competitor_count", len(job.CompetitorURLs)).
		Msg("Job created")

	return job, nil
}

// GetJob fetches a job by ID.
func (m *Manager) GetJob(ctx context.Context, id string) (*Job, error) {
	return m.store.GetJob(ctx, id)
}

// ListJobs returns the user's jobs, newest first.
func (m *Manager) ListJobs(ctx context.Context, userID string, limit int) ([]*Job, error) {
	return m.store.ListJobsByUser(ctx, userID, limit)
}

// CancelJob cancels a pending or processing job. Cancelling a job mid-run
// is cooperative: the worker rechecks status before committing a terminal
// transition, so a cancellation always wins.
func (m *Manager) CancelJob(ctx context.Context, id string) error {
	if err := m.store.CancelJob(ctx, id); err != nil {
		return err
	}
	log.Info().Str("job_id", id).Msg("Job cancelled")
	return nil
}

func (m *Manager) checkQuotas(ctx context.Context, options *JobOptions) error {
	if m.quota == nil {
		return nil
	}

	checks := []struct {
		quotaType string
		needed    int64
	}{
		{QuotaTypeAnalyses, 1},
		{QuotaTypeCompetitorURLs, int64(len(options.CompetitorURLs))},
	}

	for _, check := range checks {
		if check.needed == 0 {
			continue
		}
		decision, err := m.quota.CheckQuota(ctx, options.OrganisationID, check.quotaType)
		if err != nil {
			// Quota enforcement fails open: availability over strictness.
			log.Warn().Err(err).
				Str("organisation_id", options.OrganisationID).
				Str("quota_type", check.quotaType).
				Msg("Quota check failed, allowing submission")
			continue
		}
		if decision.Unlimited() {
			continue
		}
		if !decision.HasQuota || decision.Remaining < check.needed {
			return &ErrQuotaExceeded{
				QuotaType:    check.quotaType,
				CurrentUsage: decision.CurrentUsage,
				LimitValue:   decision.LimitValue,
			}
		}
	}
	return nil
}

func (m *Manager) recordUsage(ctx context.Context, options *JobOptions) {
	if m.quota == nil {
		return
	}
	if err := m.quota.IncrementUsage(ctx, options.OrganisationID, QuotaTypeAnalyses, 1); err != nil {
		log.Warn().Err(err).Msg("Failed to record analysis usage")
	}
	if n := int64(len(options.CompetitorURLs)); n > 0 {
		if err := m.quota.IncrementUsage(ctx, options.OrganisationID, QuotaTypeCompetitorURLs, n); err != nil {
			log.Warn().Err(err).Msg("Failed to record competitor URL usage")
		}
	}
}

func validateOptions(options *JobOptions) error {
	if options == nil {
		return fmt.Errorf("job options are required")
	}
	if options.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if options.OrganisationID == "" {
		return fmt.Errorf("organisation ID is required")
	}
	if err := validateURL(options.TargetURL); err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}
	for _, raw := range options.CompetitorURLs {
		if err := validateURL(raw); err != nil {
			return fmt.Errorf("invalid competitor URL %q: %w", raw, err)
		}
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("URL is empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if parsed.Host == "" || !strings.Contains(parsed.Host, ".") {
		return fmt.Errorf("host is missing or invalid")
	}
	return nil
}
