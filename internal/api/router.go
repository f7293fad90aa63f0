package api

import (
	"context"
	"net/http"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/auth"
	"github.com/butterr12/iskomunidad-guard/internal/counter"
	"github.com/butterr12/iskomunidad-guard/internal/guard"
	"github.com/butterr12/iskomunidad-guard/internal/identity"
	"github.com/butterr12/iskomunidad-guard/internal/realtime"
	"github.com/butterr12/iskomunidad-guard/internal/storage"
	"github.com/butterr12/iskomunidad-guard/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Guard       *guard.Service
	Reader      storage.EventReader // nil if no queryable event sink
	Realtime    *realtime.Server
	Verifier    *auth.ServiceKeyVerifier
	PolicyPath  string
	CORSOrigins []string
	// OperatorRPM caps operator requests per minute per IP. Zero uses 60.
	OperatorRPM int
	// DeviceCookie names the device id cookie issued on /ws. Empty uses
	// identity.DefaultDeviceCookie.
	DeviceCookie  string
	SecureCookies bool
	// Ready reports backend readiness for /healthz. Nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

const (
	// ActionRealtimeConnect is the guard action checked before a websocket upgrade.
	ActionRealtimeConnect = "realtime.connect"
	// TierNotify is the limiter tier for pushes from the CRUD app, per source IP.
	TierNotify = "notify"
)

// NewRouter builds the HTTP router with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: originsOrAll(deps.CORSOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(requestLogging(deps.Logger))

	r.Get("/healthz", deps.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if deps.Realtime != nil {
		r.With(
			identity.DeviceCookie(deps.DeviceCookie, deps.SecureCookies),
			guard.Middleware(deps.Guard, ActionRealtimeConnect, nil),
		).Get("/ws", deps.Realtime.ServeHTTP)
	}

	// Service endpoints for the CRUD app (service key required).
	r.Group(func(sr chi.Router) {
		sr.Use(deps.serviceKey)
		sr.Use(telemetry.HTTPMiddleware("guard.api"))
		sr.Post("/v1/guard/check", deps.handleGuardCheck)
		sr.Post("/v1/ratelimit/check", deps.handleRateLimitCheck)
		sr.With(counter.Middleware(deps.Guard.Engine().Limiter, TierNotify, deps.ipHash, deps.Logger)).
			Post("/internal/notify", deps.handleNotify)
	})

	// Operator endpoints (service key, coarse IP limit).
	rpm := deps.OperatorRPM
	if rpm <= 0 {
		rpm = 60
	}
	r.Route("/api/guard", func(or chi.Router) {
		or.Use(httprate.LimitByIP(rpm, time.Minute))
		or.Use(deps.serviceKey)
		or.Get("/stats", deps.handleStats)
		or.Get("/events", deps.handleListEvents)
		or.Post("/cooldowns/{hash}/clear", deps.handleClearCooldown)
		or.Post("/policy/reload", deps.handleReloadPolicy)
	})

	return r
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	if d.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := d.Ready(ctx); err != nil {
			d.Logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ipHash keys tier limits by the caller's hashed IP.
func (d *Dependencies) ipHash(r *http.Request) string {
	return d.Guard.Resolver().Hash("ip", identity.ClientIP(r))
}

func originsOrAll(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
