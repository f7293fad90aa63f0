package counter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore()
	s.now = clock.Now
	return s, clock
}

func TestMemoryStore_AllowsUpToMaxThenDenies(t *testing.T) {
	s, _ := newTestStore()
	tier := Tier{Name: "create", Window: time.Minute, Max: 10}
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		res, err := s.Hit(ctx, tier, "ip-1")
		if err != nil {
			t.Fatalf("Hit: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d: expected allowed", i)
		}
		if res.Count != i || res.Remaining != 10-i {
			t.Errorf("call %d: count=%d remaining=%d", i, res.Count, res.Remaining)
		}
	}

	res, _ := s.Hit(ctx, tier, "ip-1")
	if res.Allowed {
		t.Fatal("expected call 11 to be denied")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("expected positive retryAfter, got %v", res.RetryAfter)
	}
	if res.Count != 10 {
		t.Errorf("denied call must not increment, count=%d", res.Count)
	}
}

func TestMemoryStore_FreshWindowAfterReset(t *testing.T) {
	s, clock := newTestStore()
	tier := Tier{Name: "upload", Window: time.Minute, Max: 2}
	ctx := context.Background()

	s.Hit(ctx, tier, "dev-1")
	s.Hit(ctx, tier, "dev-1")
	if res, _ := s.Hit(ctx, tier, "dev-1"); res.Allowed {
		t.Fatal("expected deny at max")
	}

	clock.Advance(time.Minute)
	res, _ := s.Hit(ctx, tier, "dev-1")
	if !res.Allowed || res.Count != 1 {
		t.Fatalf("expected fresh window with count 1, got %+v", res)
	}
	if !res.ResetAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("unexpected resetAt %v", res.ResetAt)
	}
}

func TestMemoryStore_AuthTier(t *testing.T) {
	s, clock := newTestStore()
	l := NewLimiter(s, DefaultTiers()...)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		res, err := l.Check(ctx, "auth", "ip-9")
		if err != nil || !res.Allowed {
			t.Fatalf("call %d: expected allowed, got %+v, %v", i+1, res, err)
		}
	}

	clock.Advance(3 * time.Minute)
	res, _ := l.Check(ctx, "auth", "ip-9")
	if res.Allowed {
		t.Fatal("expected 21st auth attempt to be denied")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > 15*time.Minute {
		t.Errorf("retryAfter out of range: %v", res.RetryAfter)
	}
	if res.RetryAfter != 12*time.Minute {
		t.Errorf("expected 12m remaining, got %v", res.RetryAfter)
	}
}

func TestMemoryStore_KeysIndependent(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	a := Tier{Name: "a", Window: time.Minute, Max: 1}
	b := Tier{Name: "b", Window: time.Minute, Max: 1}

	s.Hit(ctx, a, "x")
	if res, _ := s.Hit(ctx, b, "x"); !res.Allowed {
		t.Error("different tier must use a separate window")
	}
	if res, _ := s.Hit(ctx, a, "y"); !res.Allowed {
		t.Error("different identifier must use a separate window")
	}
}

func TestMemoryStore_SweepRemovesExpired(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	short := Tier{Name: "short", Window: time.Second, Max: 5}
	long := Tier{Name: "long", Window: time.Hour, Max: 5}

	s.Hit(ctx, short, "a")
	s.Hit(ctx, short, "b")
	s.Hit(ctx, long, "a")

	clock.Advance(2 * time.Second)
	if n := s.Sweep(); n != 2 {
		t.Errorf("expected 2 expired entries, got %d", n)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 live entry, got %d", s.Len())
	}
}

func TestMemoryStore_ClearAcrossTiers(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	for _, tier := range DefaultTiers() {
		s.Hit(ctx, tier, "user-hash")
	}
	s.Hit(ctx, Tier{Name: "general", Window: time.Minute, Max: 1}, "other")

	n, err := s.Clear(ctx, "user-hash")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != len(DefaultTiers()) {
		t.Errorf("expected %d cleared, got %d", len(DefaultTiers()), n)
	}
	if s.Len() != 1 {
		t.Errorf("expected unrelated entry to survive, got %d entries", s.Len())
	}
}

func TestMemoryStore_ConcurrentHitsNeverExceedMax(t *testing.T) {
	s, _ := newTestStore()
	tier := Tier{Name: "general", Window: time.Minute, Max: 50}
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := s.Hit(ctx, tier, "hot")
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 50 {
		t.Errorf("expected exactly 50 allowed, got %d", allowed)
	}
}

func TestMemoryStore_SweeperStops(t *testing.T) {
	s := NewMemoryStore()
	s.StartSweeper(5 * time.Millisecond)
	s.StartSweeper(5 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not stop the sweeper")
	}
}

func TestLimiter_UnknownTier(t *testing.T) {
	l := NewLimiter(NewMemoryStore(), DefaultTiers()...)
	_, err := l.Check(context.Background(), "nope", "x")
	if !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}

func TestEvaluate_ZeroMaxTreatedAsOne(t *testing.T) {
	now := time.Now()
	tier := Tier{Name: "t", Window: time.Minute, Max: 0}
	res, count, reset := evaluate(tier, now, false, 0, time.Time{})
	if !res.Allowed || res.Limit != 1 {
		t.Fatalf("expected first call allowed with limit 1, got %+v", res)
	}
	res, _, _ = evaluate(tier, now, true, count, reset)
	if res.Allowed {
		t.Fatal("expected second call denied")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       0,
		-time.Second:            0,
		time.Millisecond:        1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		12 * time.Minute:        720,
	}
	for in, want := range cases {
		if got := RetryAfterSeconds(in); got != want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", in, got, want)
		}
	}
}
