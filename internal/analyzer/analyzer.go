package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Request identifies one analysis invocation.
type Request struct {
	JobID          string   `json:"job_id"`
	TargetURL      string   `json:"target_url"`
	CompetitorURLs []string `json:"competitor_urls"`
}

// Result holds the analysis output for a completed request.
type Result struct {
	ContentGaps   []string `json:"content_gaps"`
	PopularThemes []string `json:"popular_themes"`
}

// StatusError is returned when the capability answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analyzer returned status %d: %s", e.StatusCode, e.Body)
}

// Config holds the analyzer client settings.
type Config struct {
	BaseURL    string
	ServiceKey string
	// MaxAttempts bounds retries for transport-level failures. Non-2xx
	// responses are not retried; the capability already saw the request.
	MaxAttempts int
	// RequestsPerSecond paces outbound calls within one worker run.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client invokes the content-analysis capability over HTTP. Calls carry
// service-level credentials and a job-identifying header so the capability
// can distinguish worker-initiated requests from end-user ones.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates an analyzer client.
func New(config Config) *Client {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 2.0
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
	}
}

// Analyze performs one content analysis. Transport failures are retried
// with exponential backoff up to MaxAttempts; the final error is returned
// rather than thrown past a deadline.
func (c *Client) Analyze(ctx context.Context, req Request) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("analyzer pacing interrupted: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis request: %w", err)
	}

	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		result, retryable, err := c.doRequest(ctx, req.JobID, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable || attempt >= c.config.MaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Str("job_id", req.JobID).
			Int("attempt", attempt).
			Int("max_attempts", c.config.MaxAttempts).
			Dur("retry_in", backoff).
			Msg("Analysis request failed, retrying...")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("analysis retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, lastErr
}

// doRequest performs a single HTTP exchange. The second return value
// reports whether the failure is worth retrying.
func (c *Client) doRequest(ctx context.Context, jobID string, payload []byte) (*Result, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("failed to build analysis request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.ServiceKey)
	httpReq.Header.Set("X-Analysis-Job-ID", jobID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("analysis request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read analysis response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, false, fmt.Errorf("failed to decode analysis response: %w", err)
	}

	return &result, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
