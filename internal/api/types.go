package api

import (
	"encoding/json"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/storage"
)

// --- POST /v1/guard/check ---

// GuardCheckReq is the JSON body for POST /v1/guard/check. Signals are raw;
// they are hashed before anything is counted or stored.
type GuardCheckReq struct {
	Action   string `json:"action"`
	IP       string `json:"ip,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// GuardCheckResp is the decision returned to the calling application.
// Decision is the effective decision; in shadow mode it is always "allow".
type GuardCheckResp struct {
	Decision       string  `json:"decision"`
	TrueDecision   string  `json:"true_decision"`
	Mode           string  `json:"mode"`
	IsShadow       bool    `json:"is_shadow"`
	ReviewRequired bool    `json:"review_required"`
	Reason         *string `json:"reason"`
	TriggeredRule  *string `json:"triggered_rule"`
	CurrentCount   *int    `json:"current_count"`
	LimitValue     *int    `json:"limit_value"`
	RetryAfter     int     `json:"retry_after"`
	EventID        *string `json:"event_id"`
	UserIDHash     *string `json:"user_id_hash"`
}

// --- POST /v1/ratelimit/check ---

// RateLimitCheckReq is the JSON body for POST /v1/ratelimit/check.
type RateLimitCheckReq struct {
	Tier       string `json:"tier"`
	Identifier string `json:"identifier"`
}

// RateLimitCheckResp reports the tier counter after this request.
type RateLimitCheckResp struct {
	Allowed    bool      `json:"allowed"`
	Count      int       `json:"count"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after"`
}

// --- POST /internal/notify ---

// NotifyReq is the JSON body for POST /internal/notify.
type NotifyReq struct {
	UserID string          `json:"user_id"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// --- Operator surface ---

// EventListResp is a page of abuse events.
type EventListResp struct {
	Events   []storage.AbuseEvent `json:"events"`
	Total    int                  `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

// StatsResp wraps the summary with the window it covers.
type StatsResp struct {
	Hours int `json:"hours"`
	*storage.Summary
}

// ClearCooldownResp reports how many live counters were removed.
type ClearCooldownResp struct {
	Cleared int `json:"cleared"`
}

// PolicyReloadResp describes the policy now in effect.
type PolicyReloadResp struct {
	Mode    string `json:"mode"`
	Actions int    `json:"actions"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
