package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gapscope/gapscope/internal/db"
	"github.com/gapscope/gapscope/internal/jobs"
	"github.com/gapscope/gapscope/internal/kv"
	"github.com/rs/zerolog/log"
)

// Store is the persistence surface the quota service needs.
// Implemented by internal/db.
type Store interface {
	GetQuota(ctx context.Context, organisationID, quotaType string) (*db.QuotaRecord, error)
	IncrementQuotaUsage(ctx context.Context, organisationID, quotaType string, amount int64) error
	UpsertQuota(ctx context.Context, q *db.QuotaRecord) error
	CreateQuotaIncreaseRequest(ctx context.Context, organisationID, quotaType string, requestedLimit int64, reason string) (*db.QuotaIncreaseRequest, error)
	ResolveQuotaIncreaseRequest(ctx context.Context, id string, approve bool, resolvedLimit int64) error
}

// Config tunes caching and rate limiting.
type Config struct {
	// CacheTTL bounds how stale a cached quota decision may be.
	CacheTTL time.Duration
	// RateLimitPerMinute is the per-user per-endpoint request budget.
	RateLimitPerMinute int
	// RateLimitWindow is the rolling window length.
	RateLimitWindow time.Duration
}

// DefaultConfig returns the standard quota service settings.
func DefaultConfig() Config {
	return Config{
		CacheTTL:           30 * time.Second,
		RateLimitPerMinute: 60,
		RateLimitWindow:    time.Minute,
	}
}

// RateLimitResult is the outcome of a rate-limit check, exposed to HTTP
// middleware for the X-RateLimit response headers.
type RateLimitResult struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
	Exceeded  bool      `json:"exceeded"`
}

// Service makes quota and rate-limit decisions. Quota checks read through
// a short-lived KV cache; rate limiting always hits live counters. Both
// fail open on infrastructure errors.
type Service struct {
	store  Store
	cache  kv.Store
	config Config
}

// New creates a quota service.
func New(store Store, cache kv.Store, config Config) *Service {
	if store == nil {
		panic("quota: store is required")
	}
	if cache == nil {
		panic("quota: cache is required")
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 30 * time.Second
	}
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 60
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = time.Minute
	}
	return &Service{store: store, cache: cache, config: config}
}

// CheckQuota reports whether the organisation has headroom for the quota
// type. Decisions are cached briefly; store errors fail open.
func (s *Service) CheckQuota(ctx context.Context, organisationID, quotaType string) (*jobs.QuotaDecision, error) {
	cacheKey := kv.QuotaCacheKey(organisationID, quotaType)
	if cached, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
		var decision jobs.QuotaDecision
		if err := json.Unmarshal([]byte(cached), &decision); err == nil {
			return &decision, nil
		}
	}

	record, err := s.store.GetQuota(ctx, organisationID, quotaType)
	if err == db.ErrQuotaNotFound {
		// No quota row means the organisation has no limit configured for
		// this type; treat as unlimited.
		return &jobs.QuotaDecision{HasQuota: true, Remaining: -1, LimitValue: -1}, nil
	}
	if err != nil {
		log.Warn().Err(err).
			Str("organisation_id", organisationID).
			Str("quota_type", quotaType).
			Msg("Quota lookup failed, failing open")
		return &jobs.QuotaDecision{HasQuota: true, Remaining: -1, LimitValue: -1}, nil
	}

	decision := &jobs.QuotaDecision{
		HasQuota:     record.CurrentUsage < record.LimitValue,
		CurrentUsage: record.CurrentUsage,
		LimitValue:   record.LimitValue,
		Remaining:    record.LimitValue - record.CurrentUsage,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}

	if encoded, err := json.Marshal(decision); err == nil {
		if err := s.cache.Set(ctx, cacheKey, string(encoded), s.config.CacheTTL); err != nil {
			log.Debug().Err(err).Msg("Failed to cache quota decision")
		}
	}
	return decision, nil
}

// CheckRateLimit enforces a fixed-window per-user per-endpoint limit. The
// counter lives in the KV store so all instances share one window. KV
// errors fail open with a permissive default window.
func (s *Service) CheckRateLimit(ctx context.Context, organisationID, userID, endpoint string) (*RateLimitResult, error) {
	key := kv.RateLimitKey(organisationID, userID, endpoint)
	count, err := s.cache.IncrWithExpiry(ctx, key, s.config.RateLimitWindow)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", endpoint).
			Msg("Rate limit check failed, failing open")
		return &RateLimitResult{
			Limit:     s.config.RateLimitPerMinute,
			Remaining: s.config.RateLimitPerMinute,
			Reset:     time.Now().Add(s.config.RateLimitWindow),
		}, nil
	}

	remaining := s.config.RateLimitPerMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Limit:     s.config.RateLimitPerMinute,
		Remaining: remaining,
		Reset:     s.windowReset(ctx, key),
		Exceeded:  int(count) > s.config.RateLimitPerMinute,
	}, nil
}

// windowReset reports when the counter's window actually ends, from the
// key's remaining TTL. Falls back to a full window if the TTL is
// unreadable.
func (s *Service) windowReset(ctx context.Context, key string) time.Time {
	ttl, err := s.cache.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		return time.Now().Add(s.config.RateLimitWindow)
	}
	return time.Now().Add(ttl)
}

// IncrementUsage adds to the authoritative counter, then invalidates the
// organisation's cached decisions so the next check sees fresh usage.
func (s *Service) IncrementUsage(ctx context.Context, organisationID, usageType string, amount int64) error {
	if err := s.store.IncrementQuotaUsage(ctx, organisationID, usageType, amount); err != nil {
		if err == db.ErrQuotaNotFound {
			// Unlimited quota type: nothing to count against.
			return nil
		}
		return fmt.Errorf("failed to increment usage: %w", err)
	}

	s.invalidateOrganisation(ctx, organisationID)
	return nil
}

// SetQuota provisions or replaces an organisation's limit for a quota type.
func (s *Service) SetQuota(ctx context.Context, organisationID, quotaType string, limitValue int64) error {
	if limitValue <= 0 {
		return fmt.Errorf("limit value must be positive")
	}
	if err := s.store.UpsertQuota(ctx, &db.QuotaRecord{
		OrganisationID: organisationID,
		QuotaType:      quotaType,
		LimitValue:     limitValue,
	}); err != nil {
		return err
	}

	s.invalidateOrganisation(ctx, organisationID)
	log.Info().
		Str("organisation_id", organisationID).
		Str("quota_type", quotaType).
		Int64("limit_value", limitValue).
		Msg("Quota limit set")
	return nil
}

// invalidateOrganisation drops every cached decision for the organisation.
func (s *Service) invalidateOrganisation(ctx context.Context, organisationID string) {
	keys, err := s.cache.Keys(ctx, kv.QuotaCachePrefix(organisationID))
	if err != nil {
		log.Debug().Err(err).Msg("Failed to list cached quota decisions")
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		log.Debug().Err(err).Msg("Failed to invalidate quota cache")
	}
}

// RequestQuotaIncrease files a pending request to raise an organisation's
// limit.
func (s *Service) RequestQuotaIncrease(ctx context.Context, organisationID, quotaType string, requestedLimit int64, reason string) (*db.QuotaIncreaseRequest, error) {
	if requestedLimit <= 0 {
		return nil, fmt.Errorf("requested limit must be positive")
	}
	req, err := s.store.CreateQuotaIncreaseRequest(ctx, organisationID, quotaType, requestedLimit, reason)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("request_id", req.ID).
		Str("organisation_id", organisationID).
		Str("quota_type", quotaType).
		Int64("requested_limit", requestedLimit).
		Msg("Quota increase requested")
	return req, nil
}

// ApproveQuotaIncrease approves a pending request, applying the new limit
// and invalidating the organisation's cached decisions.
func (s *Service) ApproveQuotaIncrease(ctx context.Context, id, organisationID, quotaType string, approvedLimit int64) error {
	if err := s.store.ResolveQuotaIncreaseRequest(ctx, id, true, approvedLimit); err != nil {
		return err
	}
	s.invalidateOrganisation(ctx, organisationID)
	return nil
}

// RejectQuotaIncrease rejects a pending request.
func (s *Service) RejectQuotaIncrease(ctx context.Context, id string) error {
	return s.store.ResolveQuotaIncreaseRequest(ctx, id, false, 0)
}
