package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gapscope/gapscope/internal/db"
	"github.com/gapscope/gapscope/internal/jobs"
	"github.com/gapscope/gapscope/internal/quota"
	"github.com/gapscope/gapscope/internal/scaler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	summary *jobs.RunSummary
	err     error
}

func (f *fakeWorker) RunOnce(ctx context.Context) (*jobs.RunSummary, error) {
	return f.summary, f.err
}

type fakeScaler struct {
	summary *scaler.Summary
	err     error
}

func (f *fakeScaler) PerformAutoScaling(ctx context.Context) (*scaler.Summary, error) {
	return f.summary, f.err
}

type fakeManager struct {
	created   *jobs.Job
	createErr error
	getErr    error
	cancelErr error
}

func (f *fakeManager) CreateJob(ctx context.Context, options *jobs.JobOptions) (*jobs.Job, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.created, nil
}

func (f *fakeManager) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &jobs.Job{ID: id, Status: jobs.JobStatusPending}, nil
}

func (f *fakeManager) ListJobs(ctx context.Context, userID string, limit int) ([]*jobs.Job, error) {
	return []*jobs.Job{{ID: "job-1", UserID: userID}}, nil
}

func (f *fakeManager) CancelJob(ctx context.Context, id string) error {
	return f.cancelErr
}

type fakeLimiter struct {
	result *quota.RateLimitResult
	err    error
}

func (f *fakeLimiter) CheckRateLimit(ctx context.Context, organisationID, userID, endpoint string) (*quota.RateLimitResult, error) {
	return f.result, f.err
}

type fakeQuotaAdmin struct {
	setOrg   string
	setType  string
	setLimit int64
	setErr   error
	created  *db.QuotaIncreaseRequest
	resolved map[string]string
}

func (f *fakeQuotaAdmin) SetQuota(ctx context.Context, organisationID, quotaType string, limitValue int64) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.setOrg, f.setType, f.setLimit = organisationID, quotaType, limitValue
	return nil
}

func (f *fakeQuotaAdmin) RequestQuotaIncrease(ctx context.Context, organisationID, quotaType string, requestedLimit int64, reason string) (*db.QuotaIncreaseRequest, error) {
	return f.created, nil
}

func (f *fakeQuotaAdmin) ApproveQuotaIncrease(ctx context.Context, id, organisationID, quotaType string, approvedLimit int64) error {
	if f.resolved == nil {
		f.resolved = make(map[string]string)
	}
	f.resolved[id] = "approved"
	return nil
}

func (f *fakeQuotaAdmin) RejectQuotaIncrease(ctx context.Context, id string) error {
	if f.resolved == nil {
		f.resolved = make(map[string]string)
	}
	f.resolved[id] = "rejected"
	return nil
}

type fakeCapacity struct {
	regions  map[string]*db.RegionCapacity
	inserted []*db.TrafficPrediction
}

func (f *fakeCapacity) GetRegionCapacity(ctx context.Context, regionID string) (*db.RegionCapacity, error) {
	rc, ok := f.regions[regionID]
	if !ok {
		return nil, db.ErrRegionNotFound
	}
	return rc, nil
}

func (f *fakeCapacity) InsertTrafficPrediction(ctx context.Context, p *db.TrafficPrediction) error {
	f.inserted = append(f.inserted, p)
	return nil
}

type fakeHealth struct {
	workers []*jobs.WorkerHealth
	err     error
}

func (f *fakeHealth) ListWorkerHealth(ctx context.Context, regionID string) ([]*jobs.WorkerHealth, error) {
	return f.workers, f.err
}

func testHandler() *Handler {
	return &Handler{
		Worker: &fakeWorker{summary: &jobs.RunSummary{Processed: 3, Completed: 2, Failed: 1}},
		Scaler: &fakeScaler{summary: &scaler.Summary{}},
		JobsManager: &fakeManager{
			created: &jobs.Job{ID: "job-1", Status: jobs.JobStatusPending},
		},
		Quota: &fakeQuotaAdmin{},
		Capacity: &fakeCapacity{regions: map[string]*db.RegionCapacity{
			"eu-west": {RegionID: "eu-west", RegionName: "eu-west"},
		}},
		Health: &fakeHealth{},
		Auth:   AuthConfig{WorkerWebhookSecret: "hook-secret", ServiceRoleKey: "service-key"},
	}
}

func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.SetupRoutes(mux)
	recorder := httptest.NewRecorder()
	RequestIDMiddleware(mux).ServeHTTP(recorder, req)
	return recorder
}

func TestWorkerRunRequiresPost(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/worker/run", nil)
	resp := serve(testHandler(), req)

	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, string(ErrCodeMethodNotAllowed), body.Code)
}

func TestWorkerRunRequiresBearerToken(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "Basic abc", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/worker/run", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp := serve(testHandler(), req)
			assert.Equal(t, tt.wantStatus, resp.Code)
		})
	}
}

func TestWorkerRunSuccess(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/worker/run", nil)
	req.Header.Set("Authorization", "Bearer hook-secret")
	resp := serve(testHandler(), req)

	require.Equal(t, http.StatusOK, resp.Code)

	var body SuccessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "success", body.Status)
	data := body.Data.(map[string]interface{})
	assert.Equal(t, float64(3), data["processed"])
}

func TestWorkerRunAcceptsServiceRoleKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/worker/run", nil)
	req.Header.Set("Authorization", "Bearer service-key")
	resp := serve(testHandler(), req)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestWorkerRunInternalErrorIsGeneric(t *testing.T) {
	h := testHandler()
	h.Worker = &fakeWorker{err: errors.New("pq: password authentication failed")}

	req := httptest.NewRequest(http.MethodPost, "/v1/worker/run", nil)
	req.Header.Set("Authorization", "Bearer hook-secret")
	resp := serve(h, req)

	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.NotContains(t, resp.Body.String(), "password",
		"internal details must not leak to the client")
}

func TestScalerRunSuccess(t *testing.T) {
	h := testHandler()
	h.Scaler = &fakeScaler{summary: &scaler.Summary{
		Adjustments: []scaler.Adjustment{{RegionID: "eu-west", PreviousTarget: 2, NewTarget: 4}},
	}}

	req := httptest.NewRequest(http.MethodPost, "/v1/scaler/run", nil)
	req.Header.Set("Authorization", "Bearer service-key")
	resp := serve(h, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "eu-west")
}

func TestCreateJob(t *testing.T) {
	payload, _ := json.Marshal(createJobRequest{
		UserID:         "user-1",
		OrganisationID: "org-1",
		TargetURL:      "https://a.example",
		CompetitorURLs: []string{"https://b.example"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(payload))
	resp := serve(testHandler(), req)

	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Contains(t, resp.Body.String(), "job-1")
}

func TestCreateJobQuotaExceeded(t *testing.T) {
	h := testHandler()
	h.JobsManager = &fakeManager{createErr: &jobs.ErrQuotaExceeded{
		QuotaType: "analyses", CurrentUsage: 100, LimitValue: 100,
	}}

	payload, _ := json.Marshal(createJobRequest{
		UserID: "user-1", OrganisationID: "org-1", TargetURL: "https://a.example",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(payload))
	resp := serve(h, req)

	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Contains(t, resp.Body.String(), string(ErrCodeQuotaExceeded))
}

func TestCreateJobRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs",
		bytes.NewReader([]byte(`{"user_id":"u","bogus":true}`)))
	resp := serve(testHandler(), req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestGetJobNotFound(t *testing.T) {
	h := testHandler()
	h.JobsManager = &fakeManager{getErr: db.ErrJobNotFound}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	resp := serve(h, req)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCancelJobConflictWhenTerminal(t *testing.T) {
	h := testHandler()
	h.JobsManager = &fakeManager{cancelErr: db.ErrJobNotCancellable}

	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/job-1", nil)
	resp := serve(h, req)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestRateLimitHeadersOnSuccess(t *testing.T) {
	h := testHandler()
	reset := time.Now().Add(30 * time.Second)
	h.Limiter = &fakeLimiter{result: &quota.RateLimitResult{
		Limit: 60, Remaining: 41, Reset: reset,
	}}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs?user_id=user-1", nil)
	resp := serve(h, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "60", resp.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "41", resp.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimitExceededReturns429(t *testing.T) {
	h := testHandler()
	h.Limiter = &fakeLimiter{result: &quota.RateLimitResult{
		Limit: 60, Remaining: 0, Reset: time.Now().Add(25 * time.Second), Exceeded: true,
	}}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs?user_id=user-1", nil)
	resp := serve(h, req)

	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.NotEmpty(t, resp.Header().Get("Retry-After"))

	var body RateLimitBody
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, string(ErrCodeRateLimit), body.Error)
	assert.Greater(t, body.RetryAfter, 0)
}

func TestRateLimitFailsOpen(t *testing.T) {
	h := testHandler()
	h.Limiter = &fakeLimiter{err: errors.New("redis down")}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs?user_id=user-1", nil)
	resp := serve(h, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestPredictionIngest(t *testing.T) {
	h := testHandler()
	capacity := h.Capacity.(*fakeCapacity)

	payload, _ := json.Marshal(predictionRequest{
		RegionID:          "eu-west",
		PredictedRequests: 1200,
		Confidence:        0.8,
		WindowStart:       time.Now(),
		WindowEnd:         time.Now().Add(time.Hour),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/scaler/predictions", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer service-key")
	resp := serve(h, req)

	require.Equal(t, http.StatusCreated, resp.Code)
	require.Len(t, capacity.inserted, 1)
	assert.Equal(t, int64(1200), capacity.inserted[0].PredictedRequests)
}

func TestPredictionIngestUnknownRegion(t *testing.T) {
	payload, _ := json.Marshal(predictionRequest{
		RegionID:          "atlantis",
		PredictedRequests: 100,
		Confidence:        0.5,
		WindowStart:       time.Now(),
		WindowEnd:         time.Now().Add(time.Hour),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/scaler/predictions", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer service-key")
	resp := serve(testHandler(), req)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestPredictionIngestValidation(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		req  predictionRequest
	}{
		{"missing region", predictionRequest{Confidence: 0.5, WindowStart: now, WindowEnd: now.Add(time.Hour)}},
		{"negative volume", predictionRequest{RegionID: "eu-west", PredictedRequests: -1, Confidence: 0.5, WindowStart: now, WindowEnd: now.Add(time.Hour)}},
		{"confidence out of range", predictionRequest{RegionID: "eu-west", Confidence: 1.5, WindowStart: now, WindowEnd: now.Add(time.Hour)}},
		{"inverted window", predictionRequest{RegionID: "eu-west", Confidence: 0.5, WindowStart: now.Add(time.Hour), WindowEnd: now}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, _ := json.Marshal(tt.req)
			req := httptest.NewRequest(http.MethodPost, "/v1/scaler/predictions", bytes.NewReader(payload))
			req.Header.Set("Authorization", "Bearer service-key")
			resp := serve(testHandler(), req)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
}

func TestPredictionIngestRequiresAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/scaler/predictions", nil)
	resp := serve(testHandler(), req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestWorkersHealthList(t *testing.T) {
	h := testHandler()
	h.Health = &fakeHealth{workers: []*jobs.WorkerHealth{
		{WorkerID: "worker-eu-west-abc", RegionID: "eu-west", Status: jobs.WorkerStatusActive},
	}}

	req := httptest.NewRequest(http.MethodGet, "/v1/workers?region=eu-west", nil)
	resp := serve(h, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "worker-eu-west-abc")
	assert.Contains(t, resp.Body.String(), `"count":1`)
}

func TestWorkersHealthRequiresRegion(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/workers", nil)
	resp := serve(testHandler(), req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSetQuota(t *testing.T) {
	h := testHandler()
	admin := h.Quota.(*fakeQuotaAdmin)

	payload, _ := json.Marshal(quotaSetRequest{
		OrganisationID: "org-1", QuotaType: "analyses", LimitValue: 500,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/quotas", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer service-key")
	resp := serve(h, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "org-1", admin.setOrg)
	assert.Equal(t, int64(500), admin.setLimit)
}

func TestSetQuotaValidatesPayload(t *testing.T) {
	tests := []struct {
		name string
		req  quotaSetRequest
	}{
		{"missing organisation", quotaSetRequest{QuotaType: "analyses", LimitValue: 10}},
		{"missing type", quotaSetRequest{OrganisationID: "org-1", LimitValue: 10}},
		{"non-positive limit", quotaSetRequest{OrganisationID: "org-1", QuotaType: "analyses"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, _ := json.Marshal(tt.req)
			req := httptest.NewRequest(http.MethodPost, "/v1/quotas", bytes.NewReader(payload))
			req.Header.Set("Authorization", "Bearer service-key")
			resp := serve(testHandler(), req)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
}

func TestSetQuotaRequiresAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/quotas", nil)
	resp := serve(testHandler(), req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestHealthCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := serve(testHandler(), req)

	require.Equal(t, http.StatusOK, resp.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "gapscope", body.Service)
}

func TestRequestIDPropagated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	resp := serve(testHandler(), req)
	assert.Equal(t, "upstream-id", resp.Header().Get("X-Request-ID"))
}
