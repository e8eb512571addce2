package api

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gapscope/gapscope/internal/quota"
	"github.com/gapscope/gapscope/internal/util"
	"github.com/rs/zerolog/log"
)

// contextKey is used for storing values in request context
type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Honour an ID set upstream by a load balancer.
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)

		next.ServeHTTP(w, r)
	})
}

// GetRequestID retrieves the request ID from the request context
func GetRequestID(r *http.Request) string {
	if requestID, ok := r.Context().Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// generateRequestID creates a unique request ID
func generateRequestID() string {
	timestamp := time.Now().UnixNano()

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Sprintf("%x", timestamp)
	}

	return fmt.Sprintf("%x-%x", timestamp, randomBytes)
}

// LoggingMiddleware logs request details and response times
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWrapper{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapper, r)

		// Skip health checks to reduce noise.
		if r.URL.Path != "/health" {
			log.Info().
				Str("request_id", GetRequestID(r)).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapper.statusCode).
				Dur("duration", time.Since(start)).
				Msg("Request completed")
		}
	})
}

// responseWrapper wraps http.ResponseWriter to capture status code
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RateLimiter is the rate-limit capability the middleware consumes.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, organisationID, userID, endpoint string) (*quota.RateLimitResult, error)
}

// RateLimitMiddleware enforces per-user request limits on the named
// endpoint. Every response carries the X-RateLimit headers; exceeding the
// limit yields 429 with a Retry-After.
func RateLimitMiddleware(limiter RateLimiter, endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		organisationID, userID := callerIdentity(r)
		result, err := limiter.CheckRateLimit(r.Context(), organisationID, userID, endpoint)
		if err != nil {
			// Rate limiting fails open.
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))

		if result.Exceeded {
			TooManyRequests(w, r, "Rate limit exceeded", time.Until(result.Reset))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// callerIdentity extracts the organisation and user the request acts for.
// Anonymous callers are keyed by client IP so the limit still applies.
func callerIdentity(r *http.Request) (organisationID, userID string) {
	organisationID = r.Header.Get("X-Organisation-ID")
	userID = r.Header.Get("X-User-ID")
	if organisationID == "" {
		organisationID = "anonymous"
	}
	if userID == "" {
		userID = util.GetClientIP(r)
	}
	return organisationID, userID
}
