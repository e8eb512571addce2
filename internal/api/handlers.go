package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gapscope/gapscope/internal/breaker"
	"github.com/gapscope/gapscope/internal/db"
	"github.com/gapscope/gapscope/internal/jobs"
	"github.com/gapscope/gapscope/internal/scaler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

// WorkerRunner triggers one bounded worker run.
type WorkerRunner interface {
	RunOnce(ctx context.Context) (*jobs.RunSummary, error)
}

// AutoScaler triggers one scaling pass.
type AutoScaler interface {
	PerformAutoScaling(ctx context.Context) (*scaler.Summary, error)
}

// JobManager covers the job lifecycle operations the API exposes.
type JobManager interface {
	CreateJob(ctx context.Context, options *jobs.JobOptions) (*jobs.Job, error)
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	ListJobs(ctx context.Context, userID string, limit int) ([]*jobs.Job, error)
	CancelJob(ctx context.Context, id string) error
}

// QuotaAdmin covers quota provisioning and increase request handling.
type QuotaAdmin interface {
	SetQuota(ctx context.Context, organisationID, quotaType string, limitValue int64) error
	RequestQuotaIncrease(ctx context.Context, organisationID, quotaType string, requestedLimit int64, reason string) (*db.QuotaIncreaseRequest, error)
	ApproveQuotaIncrease(ctx context.Context, id, organisationID, quotaType string, approvedLimit int64) error
	RejectQuotaIncrease(ctx context.Context, id string) error
}

// CapacityStore covers the region lookups and forecast writes the
// prediction ingest endpoint needs.
type CapacityStore interface {
	GetRegionCapacity(ctx context.Context, regionID string) (*db.RegionCapacity, error)
	InsertTrafficPrediction(ctx context.Context, p *db.TrafficPrediction) error
}

// WorkerHealthStore lists worker heartbeat records.
type WorkerHealthStore interface {
	ListWorkerHealth(ctx context.Context, regionID string) ([]*jobs.WorkerHealth, error)
}

// CircuitInspector exposes read-only breaker state.
type CircuitInspector interface {
	Stats(ctx context.Context) (*breaker.Stats, error)
}

// DBHealth is the database liveness check used by /health/db.
type DBHealth interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for API handlers
type Handler struct {
	Worker      WorkerRunner
	Scaler      AutoScaler
	JobsManager JobManager
	Quota       QuotaAdmin
	Limiter     RateLimiter
	Circuit     CircuitInspector
	Capacity    CapacityStore
	Health      WorkerHealthStore
	DB          DBHealth
	Auth        AuthConfig
}

// SetupRoutes configures all API routes with proper middleware
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health check endpoints (no auth required)
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)
	mux.Handle("/metrics", promhttp.Handler())

	// Scheduled trigger endpoints: POST-only, bearer-authenticated.
	mux.Handle("/v1/worker/run", BearerAuthMiddleware(h.Auth, http.HandlerFunc(h.WorkerRun)))
	mux.Handle("/v1/scaler/run", BearerAuthMiddleware(h.Auth, http.HandlerFunc(h.ScalerRun)))

	// Forecast ingest from the prediction pipeline, same auth as the triggers.
	mux.Handle("/v1/scaler/predictions", BearerAuthMiddleware(h.Auth, http.HandlerFunc(h.PredictionIngest)))

	// Worker fleet visibility.
	mux.HandleFunc("/v1/workers", h.WorkersHealth)

	// Job API, rate limited per caller.
	mux.Handle("/v1/jobs", RateLimitMiddleware(h.Limiter, "jobs", http.HandlerFunc(h.JobsHandler)))
	mux.Handle("/v1/jobs/", RateLimitMiddleware(h.Limiter, "jobs", http.HandlerFunc(h.JobHandler)))

	// Quota provisioning (admin) and increase requests.
	mux.Handle("/v1/quotas", BearerAuthMiddleware(h.Auth, http.HandlerFunc(h.QuotaSetHandler)))
	mux.Handle("/v1/quotas/increase", RateLimitMiddleware(h.Limiter, "quotas", http.HandlerFunc(h.QuotaIncreaseHandler)))
	mux.Handle("/v1/quotas/increase/", BearerAuthMiddleware(h.Auth, http.HandlerFunc(h.QuotaResolveHandler)))

	// Circuit breaker visibility.
	mux.HandleFunc("/v1/circuit/analyze", h.CircuitStats)
}

// HealthCheck returns service liveness.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	WriteHealthy(w, r, "gapscope", Version)
}

// DatabaseHealthCheck verifies database connectivity.
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		ServiceUnavailable(w, r, "Database not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.DB.Ping(ctx); err != nil {
		WriteUnhealthy(w, r, "database", err)
		return
	}
	WriteHealthy(w, r, "database", "")
}

// WorkerRun handles POST /v1/worker/run, executing one worker invocation.
func (h *Handler) WorkerRun(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Worker.RunOnce(r.Context())
	if err != nil {
		InternalError(w, r, err)
		return
	}
	WriteSuccess(w, r, summary, "Worker run completed")
}

// ScalerRun handles POST /v1/scaler/run, executing one scaling pass.
func (h *Handler) ScalerRun(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Scaler.PerformAutoScaling(r.Context())
	if err != nil {
		InternalError(w, r, err)
		return
	}
	message := "Scaling run completed"
	if summary.Skipped {
		message = "Scaling run skipped"
	}
	WriteSuccess(w, r, summary, message)
}

// predictionRequest is the POST /v1/scaler/predictions payload.
type predictionRequest struct {
	RegionID          string    `json:"region_id"`
	PredictedRequests int64     `json:"predicted_requests"`
	Confidence        float64   `json:"confidence"`
	WindowStart       time.Time `json:"window_start"`
	WindowEnd         time.Time `json:"window_end"`
}

// PredictionIngest handles POST /v1/scaler/predictions, storing a traffic
// forecast for a region. The region must have a capacity record.
func (h *Handler) PredictionIngest(w http.ResponseWriter, r *http.Request) {
	var req predictionRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, r, err.Error())
		return
	}
	if req.RegionID == "" {
		BadRequest(w, r, "region_id is required")
		return
	}
	if req.PredictedRequests < 0 {
		BadRequest(w, r, "predicted_requests must not be negative")
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		BadRequest(w, r, "confidence must be between 0 and 1")
		return
	}
	if !req.WindowEnd.After(req.WindowStart) {
		BadRequest(w, r, "window_end must be after window_start")
		return
	}

	if _, err := h.Capacity.GetRegionCapacity(r.Context(), req.RegionID); err != nil {
		if errors.Is(err, db.ErrRegionNotFound) {
			NotFound(w, r, "Region not found")
			return
		}
		InternalError(w, r, err)
		return
	}

	prediction := &db.TrafficPrediction{
		RegionID:          req.RegionID,
		PredictedRequests: req.PredictedRequests,
		Confidence:        req.Confidence,
		WindowStart:       req.WindowStart,
		WindowEnd:         req.WindowEnd,
	}
	if err := h.Capacity.InsertTrafficPrediction(r.Context(), prediction); err != nil {
		InternalError(w, r, err)
		return
	}
	WriteCreated(w, r, prediction, "Prediction recorded")
}

// WorkersHealth handles GET /v1/workers?region=..., listing the region's
// worker heartbeat records.
func (h *Handler) WorkersHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	regionID := r.URL.Query().Get("region")
	if regionID == "" {
		BadRequest(w, r, "region query parameter is required")
		return
	}

	workers, err := h.Health.ListWorkerHealth(r.Context(), regionID)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]interface{}{"workers": workers, "count": len(workers)}, "")
}

// JobsHandler handles /v1/jobs: POST creates, GET lists.
func (h *Handler) JobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createJob(w, r)
	case http.MethodGet:
		h.listJobs(w, r)
	default:
		MethodNotAllowed(w, r)
	}
}

// createJobRequest is the POST /v1/jobs payload.
type createJobRequest struct {
	UserID         string   `json:"user_id"`
	OrganisationID string   `json:"organisation_id"`
	TargetURL      string   `json:"target_url"`
	CompetitorURLs []string `json:"competitor_urls"`
	RegionID       string   `json:"region_id,omitempty"`
	Priority       int      `json:"priority,omitempty"`
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, r, err.Error())
		return
	}

	job, err := h.JobsManager.CreateJob(r.Context(), &jobs.JobOptions{
		UserID:         req.UserID,
		OrganisationID: req.OrganisationID,
		TargetURL:      req.TargetURL,
		CompetitorURLs: req.CompetitorURLs,
		RegionID:       req.RegionID,
		Priority:       req.Priority,
	})
	if err != nil {
		var quotaErr *jobs.ErrQuotaExceeded
		if errors.As(err, &quotaErr) {
			QuotaExceeded(w, r, quotaErr.Error())
			return
		}
		BadRequest(w, r, err.Error())
		return
	}

	WriteCreated(w, r, job, "Job created")
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		BadRequest(w, r, "user_id query parameter is required")
		return
	}

	list, err := h.JobsManager.ListJobs(r.Context(), userID, 50)
	if err != nil {
		InternalError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]interface{}{"jobs": list, "count": len(list)}, "")
}

// JobHandler handles /v1/jobs/{id}: GET fetches, DELETE cancels.
func (h *Handler) JobHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if id == "" || strings.Contains(id, "/") {
		NotFound(w, r, "Job not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := h.JobsManager.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, db.ErrJobNotFound) {
				NotFound(w, r, "Job not found")
				return
			}
			InternalError(w, r, err)
			return
		}
		WriteSuccess(w, r, job, "")

	case http.MethodDelete:
		if err := h.JobsManager.CancelJob(r.Context(), id); err != nil {
			switch {
			case errors.Is(err, db.ErrJobNotFound):
				NotFound(w, r, "Job not found")
			case errors.Is(err, db.ErrJobNotCancellable):
				Conflict(w, r, "Job has already finished")
			default:
				InternalError(w, r, err)
			}
			return
		}
		WriteSuccess(w, r, map[string]string{"id": id, "status": "cancelled"}, "Job cancelled")

	default:
		MethodNotAllowed(w, r)
	}
}

// quotaSetRequest is the POST /v1/quotas payload.
type quotaSetRequest struct {
	OrganisationID string `json:"organisation_id"`
	QuotaType      string `json:"quota_type"`
	LimitValue     int64  `json:"limit_value"`
}

// QuotaSetHandler handles POST /v1/quotas, provisioning or replacing an
// organisation's limit. Admin-only via bearer auth.
func (h *Handler) QuotaSetHandler(w http.ResponseWriter, r *http.Request) {
	var req quotaSetRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, r, err.Error())
		return
	}
	if req.OrganisationID == "" || req.QuotaType == "" {
		BadRequest(w, r, "organisation_id and quota_type are required")
		return
	}
	if req.LimitValue <= 0 {
		BadRequest(w, r, "limit_value must be positive")
		return
	}

	if err := h.Quota.SetQuota(r.Context(), req.OrganisationID, req.QuotaType, req.LimitValue); err != nil {
		InternalError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]interface{}{
		"organisation_id": req.OrganisationID,
		"quota_type":      req.QuotaType,
		"limit_value":     req.LimitValue,
	}, "Quota limit set")
}

// quotaIncreaseRequest is the POST /v1/quotas/increase payload.
type quotaIncreaseRequest struct {
	OrganisationID string `json:"organisation_id"`
	QuotaType      string `json:"quota_type"`
	RequestedLimit int64  `json:"requested_limit"`
	Reason         string `json:"reason,omitempty"`
}

// QuotaIncreaseHandler handles POST /v1/quotas/increase.
func (h *Handler) QuotaIncreaseHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req quotaIncreaseRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, r, err.Error())
		return
	}
	if req.OrganisationID == "" || req.QuotaType == "" {
		BadRequest(w, r, "organisation_id and quota_type are required")
		return
	}

	created, err := h.Quota.RequestQuotaIncrease(r.Context(), req.OrganisationID, req.QuotaType, req.RequestedLimit, req.Reason)
	if err != nil {
		BadRequest(w, r, err.Error())
		return
	}
	WriteCreated(w, r, created, "Quota increase requested")
}

// quotaResolveRequest is the POST /v1/quotas/increase/{id} payload.
type quotaResolveRequest struct {
	Action         string `json:"action"` // "approve" or "reject"
	OrganisationID string `json:"organisation_id,omitempty"`
	QuotaType      string `json:"quota_type,omitempty"`
	ApprovedLimit  int64  `json:"approved_limit,omitempty"`
}

// QuotaResolveHandler handles POST /v1/quotas/increase/{id}, approving or
// rejecting a pending request. Admin-only via bearer auth.
func (h *Handler) QuotaResolveHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/quotas/increase/")
	if id == "" || strings.Contains(id, "/") {
		NotFound(w, r, "Request not found")
		return
	}

	var req quotaResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequest(w, r, err.Error())
		return
	}

	switch req.Action {
	case "approve":
		if req.OrganisationID == "" || req.QuotaType == "" || req.ApprovedLimit <= 0 {
			BadRequest(w, r, "organisation_id, quota_type and approved_limit are required to approve")
			return
		}
		if err := h.Quota.ApproveQuotaIncrease(r.Context(), id, req.OrganisationID, req.QuotaType, req.ApprovedLimit); err != nil {
			if errors.Is(err, db.ErrQuotaRequestNotPending) {
				Conflict(w, r, "Request has already been resolved")
				return
			}
			InternalError(w, r, err)
			return
		}
		WriteSuccess(w, r, map[string]string{"id": id, "status": "approved"}, "Quota increase approved")

	case "reject":
		if err := h.Quota.RejectQuotaIncrease(r.Context(), id); err != nil {
			if errors.Is(err, db.ErrQuotaRequestNotPending) {
				Conflict(w, r, "Request has already been resolved")
				return
			}
			InternalError(w, r, err)
			return
		}
		WriteSuccess(w, r, map[string]string{"id": id, "status": "rejected"}, "Quota increase rejected")

	default:
		BadRequest(w, r, "action must be approve or reject")
	}
}

// CircuitStats handles GET /v1/circuit/analyze.
func (h *Handler) CircuitStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if h.Circuit == nil {
		NotFound(w, r, "Circuit not configured")
		return
	}
	stats, err := h.Circuit.Stats(r.Context())
	if err != nil {
		InternalError(w, r, err)
		return
	}
	WriteSuccess(w, r, stats, "")
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
