package api

import (
	"errors"
	"net/http"

	"github.com/butterr12/iskomunidad-guard/internal/realtime"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleClearCooldown implements POST /api/guard/cooldowns/{hash}/clear.
func (d *Dependencies) handleClearCooldown(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if hash == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "hash is required"})
		return
	}
	n, err := d.Guard.ClearCooldown(r.Context(), hash)
	if err != nil {
		d.Logger.Error("failed to clear cooldown", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Failed to clear cooldown"})
		return
	}
	writeJSON(w, http.StatusOK, ClearCooldownResp{Cleared: n})
}

// handleReloadPolicy implements POST /api/guard/policy/reload. An invalid
// file leaves the current policy in place.
func (d *Dependencies) handleReloadPolicy(w http.ResponseWriter, r *http.Request) {
	eng := d.Guard.Engine()
	if err := eng.Reload(d.PolicyPath); err != nil {
		d.Logger.Warn("policy reload rejected", zap.Error(err))
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: err.Error()})
		return
	}
	p := eng.Policy()
	writeJSON(w, http.StatusOK, PolicyReloadResp{Mode: p.Mode.String(), Actions: len(p.Actions)})
}

// handleNotify implements POST /internal/notify: a personal-room push from
// the CRUD app.
func (d *Dependencies) handleNotify(w http.ResponseWriter, r *http.Request) {
	if d.Realtime == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Realtime not configured"})
		return
	}
	var req NotifyReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	err := d.Realtime.Notify(r.Context(), req.UserID, req.Event, data)
	switch {
	case errors.Is(err, realtime.ErrMissingUserID), errors.Is(err, realtime.ErrUnknownEvent):
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
	case err != nil:
		// Local members were served; only the cross-instance publish failed.
		d.Logger.Warn("notify fan-out failed", zap.String("event", req.Event), zap.Error(err))
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}
