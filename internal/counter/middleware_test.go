package counter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	l := NewLimiter(NewMemoryStore(), Tier{Name: "create", Window: time.Minute, Max: 2})
	calls := 0
	h := Middleware(func() *Limiter { return l }, "create", func(r *http.Request) string { return "k" }, zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusNoContent)
		}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("call %d: expected 204, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra == "" || ra == "0" {
		t.Errorf("expected Retry-After header, got %q", ra)
	}
	if calls != 2 {
		t.Errorf("expected handler called twice, got %d", calls)
	}
}

func TestMiddleware_UnknownTierPassesThrough(t *testing.T) {
	l := NewLimiter(NewMemoryStore())
	h := Middleware(func() *Limiter { return l }, "missing", func(r *http.Request) string { return "k" }, zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
