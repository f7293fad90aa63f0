package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/counter"
	"github.com/butterr12/iskomunidad-guard/internal/identity"
	"go.uber.org/zap"
)

type failingStore struct {
	calls atomic.Int32
}

func (s *failingStore) Hit(context.Context, counter.Tier, string) (counter.Result, error) {
	s.calls.Add(1)
	return counter.Result{}, errors.New("connection refused")
}

func (s *failingStore) Clear(context.Context, string) (int, error) { return 0, nil }
func (s *failingStore) Close() error                               { return nil }

func mustPolicy(t *testing.T, doc string) *Policy {
	t.Helper()
	p, err := ParsePolicy([]byte(doc))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	return p
}

var testID = identity.Identity{IPHash: "ip-h", DeviceIDHash: "dev-h", UserIDHash: "user-h"}

func TestEvaluate_BurstRateThrottles(t *testing.T) {
	e := NewRuleEngine(counter.NewMemoryStore(), DefaultPolicy(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := e.Evaluate(ctx, "post.create", testID)
		if ev.Decision != DecisionAllow {
			t.Fatalf("call %d: expected allow, got %s", i+1, ev.Decision)
		}
	}

	ev := e.Evaluate(ctx, "post.create", testID)
	if ev.Decision != DecisionThrottle {
		t.Fatalf("expected throttle, got %s", ev.Decision)
	}
	if ev.TriggeredRule != "burst-rate" || ev.CurrentCount != 5 || ev.LimitValue != 5 {
		t.Errorf("unexpected evaluation %+v", ev)
	}
	if ev.RetryAfter <= 0 || ev.Reason == "" {
		t.Errorf("expected retry hint and reason, got %+v", ev)
	}
	if ev.Mode != ModeShadow {
		t.Errorf("expected shadow mode from default policy, got %s", ev.Mode)
	}
}

func TestEvaluate_FirstTrippedRuleWins(t *testing.T) {
	p := mustPolicy(t, `
mode: enforce
actions:
  message.send:
    rules:
      - { name: soft, key: ip, window: 1m, threshold: 1, outcome: degrade_to_review }
      - { name: hard, key: ip, window: 1m, threshold: 1, outcome: deny }
`)
	e := NewRuleEngine(counter.NewMemoryStore(), p, zap.NewNop())
	ctx := context.Background()

	e.Evaluate(ctx, "message.send", testID)
	ev := e.Evaluate(ctx, "message.send", testID)
	if ev.TriggeredRule != "soft" || ev.Decision != DecisionDegradeToReview {
		t.Errorf("expected first rule to decide, got %+v", ev)
	}
}

func TestEvaluate_AllRulesCounted(t *testing.T) {
	p := mustPolicy(t, `
actions:
  comment.create:
    rules:
      - { name: a, key: ip, window: 1m, threshold: 1, outcome: throttle }
      - { name: b, key: device, window: 1m, threshold: 3, outcome: deny }
`)
	store := counter.NewMemoryStore()
	e := NewRuleEngine(store, p, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e.Evaluate(ctx, "comment.create", testID)
	}
	// Rule a tripped on calls 2 and 3, but b must still have counted each call.
	ev := e.Evaluate(ctx, "comment.create", testID)
	if ev.TriggeredRule != "a" {
		t.Fatalf("expected rule a, got %+v", ev)
	}
	res, _ := store.Hit(ctx, p.Actions["comment.create"].Rules[1].CounterTier("comment.create"), "dev-h")
	if res.Allowed {
		t.Error("expected rule b's window to be full")
	}
}

func TestEvaluate_MissingSignalSkipsRule(t *testing.T) {
	p := mustPolicy(t, `
mode: enforce
actions:
  message.send:
    rules:
      - { name: per-user, key: user, window: 1m, threshold: 1, outcome: deny }
`)
	e := NewRuleEngine(counter.NewMemoryStore(), p, zap.NewNop())
	anon := identity.Identity{IPHash: "ip-h"}
	for i := 0; i < 3; i++ {
		if ev := e.Evaluate(context.Background(), "message.send", anon); ev.Decision != DecisionAllow {
			t.Fatalf("expected allow without a user hash, got %s", ev.Decision)
		}
	}
}

func TestEvaluate_UnknownActionAllows(t *testing.T) {
	e := NewRuleEngine(counter.NewMemoryStore(), DefaultPolicy(), zap.NewNop())
	ev := e.Evaluate(context.Background(), "map.pin", testID)
	if ev.Decision != DecisionAllow || ev.TriggeredRule != "" {
		t.Errorf("expected plain allow, got %+v", ev)
	}
}

func TestEvaluate_FailOpen(t *testing.T) {
	store := &failingStore{}
	e := NewRuleEngine(store, DefaultPolicy(), zap.NewNop())
	ev := e.Evaluate(context.Background(), "post.create", testID)
	if ev.Decision != DecisionAllow || ev.Reason != ReasonCounterUnavailable {
		t.Errorf("expected fail-open allow, got %+v", ev)
	}
	if store.calls.Load() != 1 {
		t.Errorf("expected evaluation to stop at first failure, got %d calls", store.calls.Load())
	}
}

func TestEvaluate_FailClosed(t *testing.T) {
	p := DefaultPolicy()
	p.FailOpen = boolPtr(false)
	e := NewRuleEngine(&failingStore{}, p, zap.NewNop())
	ev := e.Evaluate(context.Background(), "post.create", testID)
	if ev.Decision != DecisionDeny || ev.Reason != ReasonCounterUnavailable {
		t.Errorf("expected fail-closed deny, got %+v", ev)
	}
}

func TestRuleEngine_SetPolicySwapsLimiter(t *testing.T) {
	e := NewRuleEngine(counter.NewMemoryStore(), DefaultPolicy(), zap.NewNop())
	if _, ok := e.Limiter().Tier("auth"); !ok {
		t.Fatal("expected auth tier")
	}
	e.SetPolicy(mustPolicy(t, "tiers: [{name: burst, window: 1s, max: 1}]"))
	if _, ok := e.Limiter().Tier("auth"); ok {
		t.Error("expected auth tier to be gone after reload")
	}
	if _, ok := e.Limiter().Tier("burst"); !ok {
		t.Error("expected new tier after reload")
	}
}

func TestRuleEngine_ReloadKeepsPolicyOnError(t *testing.T) {
	e := NewRuleEngine(counter.NewMemoryStore(), DefaultPolicy(), zap.NewNop())
	before := e.Policy()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	os.WriteFile(path, []byte("mode: sideways\n"), 0o600)
	if err := e.Reload(path); err == nil {
		t.Fatal("expected reload error")
	}
	if e.Policy() != before {
		t.Error("invalid reload must not replace the policy")
	}
}

func TestRuleEngine_WatchPolicyReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("mode: shadow\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	e := NewRuleEngine(counter.NewMemoryStore(), DefaultPolicy(), zap.NewNop())
	if err := e.Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.WatchPolicy(ctx, path) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("mode: enforce\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e.Policy().Mode == ModeEnforce {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("policy was not reloaded after file change")
}
