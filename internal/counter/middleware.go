package counter

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// KeyFunc derives the counter identifier for a request.
type KeyFunc func(r *http.Request) string

// RetryAfterSeconds rounds d up to whole seconds for a Retry-After header.
// Anything positive is at least 1.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// Middleware rejects requests over the named tier with 429 and a Retry-After
// header. limiter is called per request so a policy reload takes effect on
// mounted routes. Backend errors let the request through.
func Middleware(limiter func() *Limiter, tier string, key KeyFunc, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := limiter().Check(r.Context(), tier, key(r))
			if err != nil {
				logger.Warn("rate limit check failed", zap.String("tier", tier), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.Allowed {
				secs := RetryAfterSeconds(res.RetryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"detail":      "Too many requests",
					"retry_after": secs,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
