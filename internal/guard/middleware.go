package guard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/butterr12/iskomunidad-guard/internal/counter"
	"github.com/butterr12/iskomunidad-guard/internal/engine"
	"github.com/butterr12/iskomunidad-guard/internal/identity"
)

type contextKey int

const resultCtxKey contextKey = iota

// UserFunc returns the authenticated user id of a request, or "".
type UserFunc func(r *http.Request) string

// ResultFromContext returns the guard result set by Middleware.
func ResultFromContext(ctx context.Context) (Result, bool) {
	v, ok := ctx.Value(resultCtxKey).(Result)
	return v, ok
}

// ReviewRequired reports whether the request's content must go to moderation.
func ReviewRequired(ctx context.Context) bool {
	res, ok := ResultFromContext(ctx)
	return ok && res.Decision == engine.DecisionDegradeToReview
}

// RetryAfterSeconds is the Retry-After value for a rejected result, at least 1.
func (r Result) RetryAfterSeconds() int {
	if secs := counter.RetryAfterSeconds(r.RetryAfter); secs > 0 {
		return secs
	}
	return 1
}

// Middleware guards every request through next with action. Rejected requests
// get 429 and Retry-After; everything else proceeds with the result in context.
// Install identity.DeviceCookie in front of it so the device signal is present.
func Middleware(s *Service, action string, user UserFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID string
			if user != nil {
				userID = user(r)
			}
			res := s.Guard(r.Context(), action, identity.SignalsFromRequest(r, userID))
			if res.Decision.Rejects() {
				WriteRejected(w, res)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), resultCtxKey, res)))
		})
	}
}

// WriteRejected writes the 429 response for a rejected result.
func WriteRejected(w http.ResponseWriter, res Result) {
	secs := res.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"detail":      "Too many requests, please slow down",
		"decision":    res.Decision.String(),
		"retry_after": secs,
	})
}
