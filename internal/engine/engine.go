package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/counter"
	"github.com/butterr12/iskomunidad-guard/internal/identity"
	"go.uber.org/zap"
)

// ReasonCounterUnavailable is recorded when the counter store fails.
const ReasonCounterUnavailable = "counter_unavailable"

// Evaluation is the true (pre-mode) result of evaluating one action.
type Evaluation struct {
	Action        string
	Decision      Decision
	Mode          Mode
	Reason        string
	TriggeredRule string
	CurrentCount  int // set when TriggeredRule != ""
	LimitValue    int
	RetryAfter    time.Duration
	LogAllow      bool
}

// snapshot is swapped atomically on policy reload.
type snapshot struct {
	policy  *Policy
	limiter *counter.Limiter
}

// RuleEngine evaluates per-action rules against fixed-window counters.
type RuleEngine struct {
	store  counter.Store
	cur    atomic.Pointer[snapshot]
	logger *zap.Logger
}

// NewRuleEngine creates an engine over store with the given policy.
func NewRuleEngine(store counter.Store, policy *Policy, logger *zap.Logger) *RuleEngine {
	e := &RuleEngine{store: store, logger: logger}
	e.SetPolicy(policy)
	return e
}

// SetPolicy replaces the active policy. In-flight evaluations finish on the
// policy they started with.
func (e *RuleEngine) SetPolicy(p *Policy) {
	e.cur.Store(&snapshot{
		policy:  p,
		limiter: counter.NewLimiter(e.store, p.CounterTiers()...),
	})
}

// Policy returns the active policy. Callers must not modify it.
func (e *RuleEngine) Policy() *Policy {
	return e.cur.Load().policy
}

// Limiter returns the tier limiter for the active policy.
func (e *RuleEngine) Limiter() *counter.Limiter {
	return e.cur.Load().limiter
}

// Store returns the counter store.
func (e *RuleEngine) Store() counter.Store {
	return e.store
}

// Evaluate counts this request against every rule for action and returns the
// outcome of the first rule that tripped. All rules are counted so each
// window stays accurate regardless of order.
func (e *RuleEngine) Evaluate(ctx context.Context, action string, id identity.Identity) Evaluation {
	snap := e.cur.Load()
	p := snap.policy

	ev := Evaluation{
		Action:   action,
		Decision: DecisionAllow,
		Mode:     p.ModeFor(action),
		LogAllow: p.LogAllow,
	}

	for _, rule := range p.Actions[action].Rules {
		key := keyFor(id, rule.Key)
		if key == "" {
			continue
		}
		res, err := e.store.Hit(ctx, rule.CounterTier(action), key)
		if err != nil {
			e.logger.Warn("counter unavailable",
				zap.String("action", action),
				zap.String("rule", rule.Name),
				zap.Error(err),
			)
			ev.Reason = ReasonCounterUnavailable
			ev.TriggeredRule = ""
			if p.IsFailOpen() {
				ev.Decision = DecisionAllow
			} else {
				ev.Decision = DecisionDeny
			}
			return ev
		}
		if res.Allowed || ev.TriggeredRule != "" {
			continue
		}
		ev.Decision = rule.Outcome
		ev.TriggeredRule = rule.Name
		ev.CurrentCount = res.Count
		ev.LimitValue = res.Limit
		ev.RetryAfter = res.RetryAfter
		ev.Reason = fmt.Sprintf("%s: %d/%d in %s", rule.Name, res.Count, res.Limit, rule.Window.Std())
	}
	return ev
}

func keyFor(id identity.Identity, k KeyKind) string {
	switch k {
	case KeyIP:
		return id.IPHash
	case KeyDevice:
		return id.DeviceIDHash
	case KeyUser:
		return id.UserIDHash
	case KeySubject:
		return id.Subject()
	}
	return ""
}
