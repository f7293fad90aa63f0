// Package counter implements fixed-window request counters keyed by
// (tier, identifier).
//
// A window opens on the first request for a key and lasts Tier.Window. Requests
// are allowed while the window count is below Tier.Max; once it reaches Max,
// further requests are denied (and not counted) until the window resets. A burst
// straddling a window boundary can pass up to twice the nominal rate; in exchange
// each check is O(1) in time and memory.
package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/observability/metrics"
)

// ErrUnknownTier is returned by Limiter.Check for a tier that is not configured.
var ErrUnknownTier = errors.New("unknown rate limit tier")

// Tier is a named (window, max) policy.
type Tier struct {
	Name   string        `json:"name" yaml:"name"`
	Window time.Duration `json:"window" yaml:"window"`
	Max    int           `json:"max" yaml:"max"`
}

// Result is the outcome of a single counter check.
type Result struct {
	Allowed    bool
	Count      int // requests counted in the current window
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration // zero when allowed
}

// Store holds the live window entries. Implementations must be safe for
// concurrent use and must make check-and-increment atomic per key.
type Store interface {
	// Hit checks the window for (tier, identifier) and counts the request if allowed.
	Hit(ctx context.Context, tier Tier, identifier string) (Result, error)

	// Clear deletes every live entry for identifier across all tiers and
	// returns how many were removed.
	Clear(ctx context.Context, identifier string) (int, error)

	Close() error
}

// DefaultTiers returns the built-in tier policy. Values are policy, not
// mechanism; deployments override them in the policy file.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "auth", Window: 15 * time.Minute, Max: 20},
		{Name: "create", Window: time.Minute, Max: 10},
		{Name: "upload", Window: time.Minute, Max: 5},
		{Name: "proxy", Window: time.Minute, Max: 60},
		{Name: "general", Window: time.Minute, Max: 120},
		{Name: "notify", Window: time.Minute, Max: 600},
	}
}

// Limiter maps tier names onto a Store.
type Limiter struct {
	store Store
	tiers map[string]Tier
}

// NewLimiter creates a Limiter for the given tiers. Later tiers with the same
// name replace earlier ones.
func NewLimiter(store Store, tiers ...Tier) *Limiter {
	m := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		m[t.Name] = t
	}
	return &Limiter{store: store, tiers: m}
}

// Tier returns the configured tier by name.
func (l *Limiter) Tier(name string) (Tier, bool) {
	t, ok := l.tiers[name]
	return t, ok
}

// Check counts one request for identifier against the named tier.
func (l *Limiter) Check(ctx context.Context, tierName, identifier string) (Result, error) {
	tier, ok := l.tiers[tierName]
	if !ok {
		return Result{}, fmt.Errorf("Check %q: %w", tierName, ErrUnknownTier)
	}
	res, err := l.store.Hit(ctx, tier, identifier)
	if err != nil {
		return Result{}, fmt.Errorf("Check %q: %w", tierName, err)
	}
	metrics.CounterChecksTotal.WithLabelValues(tier.Name, strconv.FormatBool(res.Allowed)).Inc()
	return res, nil
}

// Store returns the underlying store.
func (l *Limiter) Store() Store {
	return l.store
}

// evaluate applies the fixed-window rule to an entry snapshot. count and resetAt
// describe the live entry; exists is false when there is none.
func evaluate(tier Tier, now time.Time, exists bool, count int, resetAt time.Time) (Result, int, time.Time) {
	limit := tier.Max
	if limit <= 0 {
		limit = 1
	}
	if !exists || !now.Before(resetAt) {
		resetAt = now.Add(tier.Window)
		return Result{Allowed: true, Count: 1, Limit: limit, Remaining: limit - 1, ResetAt: resetAt}, 1, resetAt
	}
	if count < limit {
		count++
		return Result{Allowed: true, Count: count, Limit: limit, Remaining: limit - count, ResetAt: resetAt}, count, resetAt
	}
	return Result{
		Allowed:    false,
		Count:      count,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: resetAt.Sub(now),
	}, count, resetAt
}
