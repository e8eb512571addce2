package scaler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gapscope/gapscope/internal/db"
	"github.com/gapscope/gapscope/internal/kv"
	"github.com/gapscope/gapscope/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence surface the scaler needs. Implemented by
// internal/db.
type Store interface {
	ListRegionCapacity(ctx context.Context) ([]*db.RegionCapacity, error)
	UpdateTargetWorkers(ctx context.Context, regionID string, target int) error
	InsertScalingAudit(ctx context.Context, audit *db.ScalingAudit) error
	ListPredictionsForWindow(ctx context.Context, regionID string, from, to time.Time) ([]*db.TrafficPrediction, error)
	MarkUnhealthyWorkers(ctx context.Context, cutoff time.Time) (int, error)
}

// Notifier receives scaling summaries, e.g. for posting to Slack.
type Notifier interface {
	NotifyScaling(ctx context.Context, summary *Summary) error
}

// Config tunes scaling bounds and damping.
type Config struct {
	MinWorkersPerRegion int
	MaxWorkersPerRegion int
	// RequestsPerWorker is the sustained request volume one worker handles
	// per forecast window.
	RequestsPerWorker  int
	Cooldown           time.Duration
	LockExpiry         time.Duration
	PredictionCacheTTL time.Duration
	// PredictionHorizon is how far ahead forecasts are aggregated.
	PredictionHorizon time.Duration
	// WorkerStaleAfter is how long a worker may go without a heartbeat
	// before a scaling run marks it unhealthy.
	WorkerStaleAfter time.Duration
}

// DefaultConfig returns the standard scaler settings.
func DefaultConfig() Config {
	return Config{
		MinWorkersPerRegion: 1,
		MaxWorkersPerRegion: 10,
		RequestsPerWorker:   500,
		Cooldown:            5 * time.Minute,
		LockExpiry:          2 * time.Minute,
		PredictionCacheTTL:  time.Minute,
		PredictionHorizon:   time.Hour,
		WorkerStaleAfter:    10 * time.Minute,
	}
}

// Adjustment records one region's target change.
type Adjustment struct {
	RegionID          string `json:"region_id"`
	RegionName        string `json:"region_name"`
	PreviousTarget    int    `json:"previous_target"`
	NewTarget         int    `json:"new_target"`
	PredictedRequests int64  `json:"predicted_requests"`
}

// SkippedRegion records why a region was left alone.
type SkippedRegion struct {
	RegionID string `json:"region_id"`
	Reason   string `json:"reason"` // "cooldown" or "disabled"
}

// Summary is the outcome of one scaling run.
type Summary struct {
	Skipped        bool            `json:"skipped"`
	SkipReason     string          `json:"skip_reason,omitempty"`
	Adjustments    []Adjustment    `json:"adjustments"`
	SkippedRegions []SkippedRegion `json:"skipped_regions"`
	WorkersAdded   int             `json:"workers_added"`
	WorkersRemoved int             `json:"workers_removed"`
	WorkersReaped  int             `json:"workers_reaped"`
	RanAt          time.Time       `json:"ran_at"`
	Duration       string          `json:"duration"`
}

// Scaler adjusts per-region worker targets from traffic forecasts. A
// global KV lock ensures only one invocation works at a time, and a
// per-region cooldown stops noisy forecasts from causing oscillation.
type Scaler struct {
	store    Store
	cache    kv.Store
	config   Config
	notifier Notifier

	now func() time.Time
}

// New creates a scaler. The notifier may be nil.
func New(store Store, cache kv.Store, config Config, notifier Notifier) *Scaler {
	if store == nil {
		panic("scaler: store is required")
	}
	if cache == nil {
		panic("scaler: cache is required")
	}
	defaults := DefaultConfig()
	if config.MaxWorkersPerRegion <= 0 {
		config.MaxWorkersPerRegion = defaults.MaxWorkersPerRegion
	}
	if config.MinWorkersPerRegion <= 0 {
		config.MinWorkersPerRegion = defaults.MinWorkersPerRegion
	}
	if config.RequestsPerWorker <= 0 {
		config.RequestsPerWorker = defaults.RequestsPerWorker
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.LockExpiry <= 0 {
		config.LockExpiry = defaults.LockExpiry
	}
	if config.PredictionCacheTTL <= 0 {
		config.PredictionCacheTTL = defaults.PredictionCacheTTL
	}
	if config.PredictionHorizon <= 0 {
		config.PredictionHorizon = defaults.PredictionHorizon
	}
	if config.WorkerStaleAfter <= 0 {
		config.WorkerStaleAfter = defaults.WorkerStaleAfter
	}
	return &Scaler{
		store:    store,
		cache:    cache,
		config:   config,
		notifier: notifier,
		now:      time.Now,
	}
}

// PerformAutoScaling runs one scaling pass. If another instance holds the
// lock the run returns immediately, marked skipped.
func (s *Scaler) PerformAutoScaling(ctx context.Context) (*Summary, error) {
	span := sentry.StartSpan(ctx, "scaler.perform_auto_scaling")
	defer span.Finish()

	started := s.now()
	summary := &Summary{RanAt: started}

	acquired, err := s.cache.SetNX(ctx, kv.ScalerLockKey(), started.UTC().Format(time.RFC3339), s.config.LockExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire scaling lock: %w", err)
	}
	if !acquired {
		summary.Skipped = true
		summary.SkipReason = "another scaling run is active"
		log.Info().Msg("Scaling skipped, lock held by another instance")
		return summary, nil
	}
	defer func() {
		if err := s.cache.Del(context.WithoutCancel(ctx), kv.ScalerLockKey()); err != nil {
			log.Warn().Err(err).Msg("Failed to release scaling lock")
		}
	}()

	// The scaler doubles as the heartbeat reaper: workers that stopped
	// reporting are marked unhealthy before capacity is assessed.
	reaped, err := s.store.MarkUnhealthyWorkers(ctx, started.Add(-s.config.WorkerStaleAfter))
	if err != nil {
		log.Warn().Err(err).Msg("Unhealthy worker sweep failed")
	} else if reaped > 0 {
		summary.WorkersReaped = reaped
		log.Info().Int("reaped", reaped).Msg("Marked stale workers unhealthy")
	}

	regions, err := s.store.ListRegionCapacity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load region capacity: %w", err)
	}

	predictions, err := s.loadPredictions(ctx, regions)
	if err != nil {
		return nil, fmt.Errorf("failed to load traffic predictions: %w", err)
	}

	for _, region := range regions {
		s.scaleRegion(ctx, region, predictions[region.RegionID], summary)
	}

	summary.Duration = s.now().Sub(started).Round(time.Millisecond).String()

	log.Info().
		Int("adjusted", len(summary.Adjustments)).
		Int("skipped_regions", len(summary.SkippedRegions)).
		Int("workers_added", summary.WorkersAdded).
		Int("workers_removed", summary.WorkersRemoved).
		Str("duration", summary.Duration).
		Msg("Scaling run finished")

	if s.notifier != nil && len(summary.Adjustments) > 0 {
		if err := s.notifier.NotifyScaling(ctx, summary); err != nil {
			log.Warn().Err(err).Msg("Failed to send scaling notification")
		}
	}

	return summary, nil
}

// loadPredictions returns the confidence-weighted predicted request volume
// per region over the prediction horizon, reading through a short-lived
// cache to spare the database on frequent invocations.
func (s *Scaler) loadPredictions(ctx context.Context, regions []*db.RegionCapacity) (map[string]int64, error) {
	if cached, ok, err := s.cache.Get(ctx, kv.ScalerPredictionCacheKey()); err == nil && ok {
		var volumes map[string]int64
		if err := json.Unmarshal([]byte(cached), &volumes); err == nil {
			return volumes, nil
		}
	}

	from := s.now()
	to := from.Add(s.config.PredictionHorizon)

	var mu sync.Mutex
	volumes := make(map[string]int64, len(regions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, region := range regions {
		g.Go(func() error {
			rows, err := s.store.ListPredictionsForWindow(gctx, region.RegionID, from, to)
			if err != nil {
				return err
			}
			volume := weightedVolume(rows)
			mu.Lock()
			volumes[region.RegionID] = volume
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(volumes); err == nil {
		if err := s.cache.Set(ctx, kv.ScalerPredictionCacheKey(), string(encoded), s.config.PredictionCacheTTL); err != nil {
			log.Debug().Err(err).Msg("Failed to cache predictions")
		}
	}
	return volumes, nil
}

// weightedVolume averages the forecasts, weighting each by its confidence.
func weightedVolume(rows []*db.TrafficPrediction) int64 {
	var weighted, confidence float64
	for _, p := range rows {
		weighted += float64(p.PredictedRequests) * p.Confidence
		confidence += p.Confidence
	}
	if confidence == 0 {
		return 0
	}
	return int64(math.Round(weighted / confidence))
}

func (s *Scaler) scaleRegion(ctx context.Context, region *db.RegionCapacity, predicted int64, summary *Summary) {
	if !region.AutoScalingEnabled {
		summary.SkippedRegions = append(summary.SkippedRegions, SkippedRegion{
			RegionID: region.RegionID, Reason: "disabled",
		})
		return
	}

	cooling, err := s.cache.Exists(ctx, kv.ScalerCooldownKey(region.RegionID))
	if err != nil {
		log.Warn().Err(err).Str("region_id", region.RegionID).
			Msg("Cooldown check failed, skipping region")
		cooling = true
	}
	if cooling {
		summary.SkippedRegions = append(summary.SkippedRegions, SkippedRegion{
			RegionID: region.RegionID, Reason: "cooldown",
		})
		return
	}

	recommended := s.recommendWorkers(predicted, region.TargetWorkers)
	if recommended == region.TargetWorkers {
		return
	}

	if err := s.store.UpdateTargetWorkers(ctx, region.RegionID, recommended); err != nil {
		log.Error().Err(err).Str("region_id", region.RegionID).
			Msg("Failed to update target workers")
		return
	}

	if err := s.cache.Set(ctx, kv.ScalerCooldownKey(region.RegionID), "1", s.config.Cooldown); err != nil {
		log.Warn().Err(err).Str("region_id", region.RegionID).
			Msg("Failed to start scaling cooldown")
	}

	if err := s.store.InsertScalingAudit(ctx, &db.ScalingAudit{
		RegionID:          region.RegionID,
		PreviousTarget:    region.TargetWorkers,
		NewTarget:         recommended,
		PredictedRequests: predicted,
		Reason:            fmt.Sprintf("predicted %d requests over next %s", predicted, s.config.PredictionHorizon),
	}); err != nil {
		log.Error().Err(err).Str("region_id", region.RegionID).
			Msg("Failed to record scaling audit entry")
	}

	if recommended > region.TargetWorkers {
		summary.WorkersAdded += recommended - region.TargetWorkers
	} else {
		summary.WorkersRemoved += region.TargetWorkers - recommended
	}
	observability.RecordScalingAdjustment(ctx, region.RegionID, recommended-region.TargetWorkers)
	summary.Adjustments = append(summary.Adjustments, Adjustment{
		RegionID:          region.RegionID,
		RegionName:        region.RegionName,
		PreviousTarget:    region.TargetWorkers,
		NewTarget:         recommended,
		PredictedRequests: predicted,
	})

	log.Info().
		Str("region_id", region.RegionID).
		Int("previous_target", region.TargetWorkers).
		Int("new_target", recommended).
		Int64("predicted_requests", predicted).
		Msg("Region target adjusted")
}

// recommendWorkers converts a predicted volume into a worker target:
// demand estimate, absolute bounds, rate-of-change damping to at most
// double or half the current target, then a 10% safety buffer.
func (s *Scaler) recommendWorkers(predicted int64, current int) int {
	demand := int(math.Ceil(float64(predicted) / float64(s.config.RequestsPerWorker)))
	recommended := clamp(demand, s.config.MinWorkersPerRegion, s.config.MaxWorkersPerRegion)

	low, high := s.config.MinWorkersPerRegion, s.config.MaxWorkersPerRegion
	if current > 0 {
		low = (current + 1) / 2
		high = current * 2
	}
	recommended = clamp(recommended, low, high)

	recommended = int(math.Ceil(float64(recommended) * 1.1))
	recommended = clamp(recommended, s.config.MinWorkersPerRegion, s.config.MaxWorkersPerRegion)
	// The buffer must not push the change past the doubling/halving bound.
	return clamp(recommended, low, high)
}

func clamp(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
