package storage

import (
	"context"
	"time"
)

// EventWriter is the interface for writing abuse events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *AbuseEvent)
	Close()
}

// EventReader queries the abuse event history.
type EventReader interface {
	ListEvents(ctx context.Context, params ListEventsParams) ([]AbuseEvent, int, error)
	Summary(ctx context.Context, since time.Time) (*Summary, error)
}

// AbuseEvent is one guard evaluation. Identities are stored as hashes only.
// Events are append-only.
type AbuseEvent struct {
	ID            string    `json:"id"`
	Action        string    `json:"action"`
	Decision      string    `json:"decision"` // true decision, before shadow mode
	Reason        string    `json:"reason,omitempty"`
	TriggeredRule string    `json:"triggered_rule,omitempty"`
	CurrentCount  *int32    `json:"current_count,omitempty"`
	LimitValue    *int32    `json:"limit_value,omitempty"`
	UserIDHash    string    `json:"user_id_hash,omitempty"`
	IPHash        string    `json:"ip_hash,omitempty"`
	Mode          string    `json:"mode"`
	IsShadow      bool      `json:"is_shadow"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListEventsParams holds filters and pagination for event listing.
// Nil filters match everything.
type ListEventsParams struct {
	Action     *string
	Decision   *string
	Mode       *string
	UserIDHash *string
	IsShadow   *bool
	StartTime  *time.Time
	EndTime    *time.Time
	Page       int
	PageSize   int
}

// Normalize clamps pagination to sane values.
func (p *ListEventsParams) Normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 50
	}
	if p.PageSize > 500 {
		p.PageSize = 500
	}
}

// Summary holds aggregate counts over a time range.
type Summary struct {
	Total           int                `json:"total"`
	Allows          int                `json:"allows"`
	Throttles       int                `json:"throttles"`
	Denies          int                `json:"denies"`
	Reviews         int                `json:"reviews"`
	Shadow          int                `json:"shadow"`
	RejectsOverTime []TimeSeriesBucket `json:"rejects_over_time"`
	TopRules        []RuleCount        `json:"top_rules"`
	TopUsers        []UserCount        `json:"top_users"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// RuleCount holds an action/rule pair and how often it tripped.
type RuleCount struct {
	Action string `json:"action"`
	Rule   string `json:"rule"`
	Count  int    `json:"count"`
}

// UserCount holds a user hash and its non-allow count.
type UserCount struct {
	UserIDHash string `json:"user_id_hash"`
	Count      int    `json:"count"`
}

// EnsureSlices replaces nil slices so they encode as [] rather than null.
func (s *Summary) EnsureSlices() {
	if s.RejectsOverTime == nil {
		s.RejectsOverTime = []TimeSeriesBucket{}
	}
	if s.TopRules == nil {
		s.TopRules = []RuleCount{}
	}
	if s.TopUsers == nil {
		s.TopUsers = []UserCount{}
	}
}

// Int32Ptr is a helper for the optional count fields.
func Int32Ptr(v int) *int32 {
	i := int32(v)
	return &i
}
