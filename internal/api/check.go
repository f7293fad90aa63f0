package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/butterr12/iskomunidad-guard/internal/counter"
	"github.com/butterr12/iskomunidad-guard/internal/engine"
	"github.com/butterr12/iskomunidad-guard/internal/guard"
	"github.com/butterr12/iskomunidad-guard/internal/identity"
	"go.uber.org/zap"
)

// handleGuardCheck implements POST /v1/guard/check.
func (d *Dependencies) handleGuardCheck(w http.ResponseWriter, r *http.Request) {
	var req GuardCheckReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "action is required"})
		return
	}
	sig := identity.Signals{
		DeviceID: strings.TrimSpace(req.DeviceID),
		UserID:   strings.TrimSpace(req.UserID),
	}
	if req.IP != "" {
		ip, ok := identity.NormalizeIP(req.IP)
		if !ok {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "ip is not a valid address"})
			return
		}
		sig.IP = ip
	}

	res := d.Guard.Guard(r.Context(), req.Action, sig)
	resp := checkResponse(res)

	if res.Decision.Rejects() {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func checkResponse(res guard.Result) GuardCheckResp {
	resp := GuardCheckResp{
		Decision:       res.Decision.String(),
		TrueDecision:   res.TrueDecision.String(),
		Mode:           res.Mode.String(),
		IsShadow:       res.IsShadow,
		ReviewRequired: res.Decision == engine.DecisionDegradeToReview,
		Reason:         nilIfEmpty(res.Reason),
		TriggeredRule:  nilIfEmpty(res.TriggeredRule),
		EventID:        nilIfEmpty(res.EventID),
		UserIDHash:     nilIfEmpty(res.Identity.UserIDHash),
	}
	if res.TriggeredRule != "" {
		count, limit := res.CurrentCount, res.LimitValue
		resp.CurrentCount = &count
		resp.LimitValue = &limit
	}
	if res.Decision.Rejects() {
		resp.RetryAfter = res.RetryAfterSeconds()
	}
	return resp
}

// handleRateLimitCheck implements POST /v1/ratelimit/check against the named
// tiers of the active policy.
func (d *Dependencies) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	var req RateLimitCheckReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Tier == "" || req.Identifier == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "tier and identifier are required"})
		return
	}

	res, err := d.Guard.Engine().Limiter().Check(r.Context(), req.Tier, req.Identifier)
	if errors.Is(err, counter.ErrUnknownTier) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "unknown tier " + strconv.Quote(req.Tier)})
		return
	}
	if err != nil {
		d.Logger.Error("rate limit check failed", zap.String("tier", req.Tier), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Rate limiter unavailable"})
		return
	}

	resp := RateLimitCheckResp{
		Allowed:   res.Allowed,
		Count:     res.Count,
		Limit:     res.Limit,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt.UTC(),
	}
	if !res.Allowed {
		resp.RetryAfter = counter.RetryAfterSeconds(res.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
