// Package guard turns raw caller signals into an auditable allow/throttle/
// deny/degrade_to_review decision for a sensitive action.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/counter"
	"github.com/butterr12/iskomunidad-guard/internal/engine"
	"github.com/butterr12/iskomunidad-guard/internal/identity"
	"github.com/butterr12/iskomunidad-guard/internal/observability/metrics"
	"github.com/butterr12/iskomunidad-guard/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Result is what a caller acts on. Decision is the effective decision: in
// shadow mode it is always allow while TrueDecision keeps what would have
// happened.
type Result struct {
	Decision      engine.Decision
	TrueDecision  engine.Decision
	Mode          engine.Mode
	IsShadow      bool
	Reason        string
	TriggeredRule string
	CurrentCount  int
	LimitValue    int
	RetryAfter    time.Duration
	Identity      identity.Identity
	EventID       string // empty when no event was logged
}

// Service is the guard decision service.
type Service struct {
	resolver *identity.Resolver
	engine   *engine.RuleEngine
	writer   storage.EventWriter
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// unknownIP is the hash every caller without an IP shares; it is never
	// linked to a user.
	unknownIP string
}

// NewService wires the resolver, rule engine and event sink.
func NewService(resolver *identity.Resolver, eng *engine.RuleEngine, writer storage.EventWriter, logger *zap.Logger) *Service {
	return &Service{
		resolver:  resolver,
		engine:    eng,
		writer:    writer,
		logger:    logger,
		tracer:    otel.Tracer("github.com/butterr12/iskomunidad-guard/internal/guard"),
		now:       time.Now,
		unknownIP: resolver.Hash("ip", identity.UnknownIP),
	}
}

// Resolver returns the identity resolver.
func (s *Service) Resolver() *identity.Resolver { return s.resolver }

// Engine returns the rule engine.
func (s *Service) Engine() *engine.RuleEngine { return s.engine }

// Guard resolves sig and evaluates action.
func (s *Service) Guard(ctx context.Context, action string, sig identity.Signals) Result {
	return s.Evaluate(ctx, action, s.resolver.Resolve(sig))
}

// Evaluate runs the rules for action against an already-resolved identity,
// applies the mode and records the event.
func (s *Service) Evaluate(ctx context.Context, action string, id identity.Identity) Result {
	ctx, span := s.tracer.Start(ctx, "guard.Evaluate", trace.WithAttributes(attribute.String("guard.action", action)))
	defer span.End()

	ev := s.engine.Evaluate(ctx, action, id)
	s.link(ctx, action, id)

	res := Result{
		Decision:      ev.Decision,
		TrueDecision:  ev.Decision,
		Mode:          ev.Mode,
		IsShadow:      ev.Mode == engine.ModeShadow,
		Reason:        ev.Reason,
		TriggeredRule: ev.TriggeredRule,
		CurrentCount:  ev.CurrentCount,
		LimitValue:    ev.LimitValue,
		RetryAfter:    ev.RetryAfter,
		Identity:      id,
	}
	if res.IsShadow {
		res.Decision = engine.DecisionAllow
		res.RetryAfter = 0
	}

	span.SetAttributes(
		attribute.String("guard.decision", res.TrueDecision.String()),
		attribute.String("guard.mode", res.Mode.String()),
		attribute.String("guard.rule", res.TriggeredRule),
	)
	metrics.GuardDecisionsTotal.WithLabelValues(action, res.TrueDecision.String(), res.Mode.String()).Inc()

	if res.TrueDecision != engine.DecisionAllow || ev.LogAllow {
		res.EventID = s.record(action, res)
	}
	if res.TrueDecision != engine.DecisionAllow {
		s.logger.Info("guard decision",
			zap.String("action", action),
			zap.String("decision", res.TrueDecision.String()),
			zap.String("mode", res.Mode.String()),
			zap.String("rule", res.TriggeredRule),
			zap.String("event_id", res.EventID),
		)
	}
	return res
}

func (s *Service) record(action string, res Result) string {
	e := &storage.AbuseEvent{
		ID:            uuid.NewString(),
		Action:        action,
		Decision:      res.TrueDecision.String(),
		Reason:        res.Reason,
		TriggeredRule: res.TriggeredRule,
		UserIDHash:    res.Identity.UserIDHash,
		IPHash:        res.Identity.IPHash,
		Mode:          res.Mode.String(),
		IsShadow:      res.IsShadow,
		CreatedAt:     s.now().UTC(),
	}
	if res.TriggeredRule != "" {
		e.CurrentCount = storage.Int32Ptr(res.CurrentCount)
		e.LimitValue = storage.Int32Ptr(res.LimitValue)
	}
	s.writer.Write(e)
	return e.ID
}

// link records the device and IP hashes a user acted from, for as long as the
// action's longest rule window, so ClearCooldown by user hash reaches them.
func (s *Service) link(ctx context.Context, action string, id identity.Identity) {
	if id.UserIDHash == "" {
		return
	}
	linker, ok := s.engine.Store().(counter.Linker)
	if !ok {
		return
	}
	ttl := s.engine.Policy().Actions[action].LongestWindow()
	if ttl <= 0 {
		return
	}
	ids := []string{id.DeviceIDHash}
	if id.IPHash != s.unknownIP {
		ids = append(ids, id.IPHash)
	}
	if err := linker.Link(ctx, id.UserIDHash, ids, ttl); err != nil {
		s.logger.Warn("identity link failed", zap.String("action", action), zap.Error(err))
	}
}

// ClearCooldown deletes every live counter keyed by hash, and by the device
// and IP hashes linked to it, so the next evaluation for that identity starts
// fresh. Logged events are not touched.
func (s *Service) ClearCooldown(ctx context.Context, hash string) (int, error) {
	if hash == "" {
		return 0, fmt.Errorf("ClearCooldown: empty hash")
	}
	store := s.engine.Store()
	hashes := []string{hash}
	if linker, ok := store.(counter.Linker); ok {
		linked, err := linker.Linked(ctx, hash)
		if err != nil {
			s.logger.Warn("linked identities unavailable", zap.Error(err))
		}
		hashes = append(hashes, linked...)
	}

	total := 0
	for _, h := range hashes {
		n, err := store.Clear(ctx, h)
		total += n
		if err != nil {
			return total, fmt.Errorf("ClearCooldown: %w", err)
		}
	}
	s.logger.Info("cooldown cleared",
		zap.String("hash", hash),
		zap.Int("linked", len(hashes)-1),
		zap.Int("entries", total),
	)
	return total, nil
}
