package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthConfig holds the credentials trigger endpoints accept.
type AuthConfig struct {
	// WorkerWebhookSecret authorises scheduled trigger invocations.
	WorkerWebhookSecret string
	// ServiceRoleKey authorises service-to-service calls.
	ServiceRoleKey string
}

// BearerAuthMiddleware requires POST with a bearer token matching either
// the webhook secret or the service-role key. Comparison is constant-time.
func BearerAuthMiddleware(config AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			MethodNotAllowed(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			Unauthorised(w, r, "Missing authorization header")
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			Unauthorised(w, r, "Invalid authorization header format")
			return
		}

		if !tokenMatches(token, config.WorkerWebhookSecret) && !tokenMatches(token, config.ServiceRoleKey) {
			Forbidden(w, r, "Invalid credentials")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func tokenMatches(token, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}
