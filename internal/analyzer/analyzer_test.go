package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		ServiceKey:        "service-key",
		MaxAttempts:       3,
		RequestsPerSecond: 1000, // don't throttle tests
		Timeout:           2 * time.Second,
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	var gotAuth, gotJobHeader string
	var gotReq Request

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/analyze", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotJobHeader = r.Header.Get("X-Analysis-Job-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Result{
			ContentGaps:   []string{"pricing page", "comparison table"},
			PopularThemes: []string{"tutorials"},
		})
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	result, err := client.Analyze(context.Background(), Request{
		JobID:          "job-1",
		TargetURL:      "https://a.example",
		CompetitorURLs: []string{"https://b.example", "https://c.example"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"pricing page", "comparison table"}, result.ContentGaps)
	assert.Equal(t, []string{"tutorials"}, result.PopularThemes)
	assert.Equal(t, "Bearer service-key", gotAuth)
	assert.Equal(t, "job-1", gotJobHeader)
	assert.Equal(t, "https://a.example", gotReq.TargetURL)
	assert.Len(t, gotReq.CompetitorURLs, 2)
}

func TestAnalyzeNon2xxNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "analysis engine overloaded", http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	_, err := client.Analyze(context.Background(), Request{JobID: "job-1", TargetURL: "https://a.example"})

	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "overloaded")
	assert.Equal(t, 1, calls, "non-2xx responses must not be retried")
}

func TestAnalyzeRetriesTransportFailures(t *testing.T) {
	var calls int
	// First two connections are dropped, third succeeds.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		json.NewEncoder(w).Encode(Result{ContentGaps: []string{"x"}})
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	result, err := client.Analyze(context.Background(), Request{JobID: "job-1", TargetURL: "https://a.example"})

	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, result.ContentGaps)
	assert.Equal(t, 3, calls)
}

func TestAnalyzeGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxAttempts = 2
	client := New(cfg)

	_, err := client.Analyze(context.Background(), Request{JobID: "job-1", TargetURL: "https://a.example"})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestAnalyzeInvalidResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	_, err := client.Analyze(context.Background(), Request{JobID: "job-1", TargetURL: "https://a.example"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestNewAppliesDefaults(t *testing.T) {
	client := New(Config{BaseURL: "https://analyzer.internal"})
	assert.Equal(t, 3, client.config.MaxAttempts)
	assert.Equal(t, 10*time.Second, client.config.Timeout)
	assert.InDelta(t, 2.0, client.config.RequestsPerSecond, 0.001)
}
