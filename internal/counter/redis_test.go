package counter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client, "", zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore_AllowsUpToMaxThenDenies(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	tier := Tier{Name: "create", Window: time.Minute, Max: 3}

	for i := 1; i <= 3; i++ {
		res, err := s.Hit(ctx, tier, "ip-1")
		if err != nil || !res.Allowed || res.Count != i {
			t.Fatalf("call %d: got %+v, %v", i, res, err)
		}
	}
	res, err := s.Hit(ctx, tier, "ip-1")
	if err != nil {
		t.Fatalf("Hit: %v", err)
	}
	if res.Allowed || res.Count != 3 {
		t.Fatalf("expected deny without increment, got %+v", res)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Errorf("unexpected retryAfter %v", res.RetryAfter)
	}
	if got, _ := mr.Get("rl:create:ip-1"); got != "3" {
		t.Errorf("expected stored count 3, got %q", got)
	}
}

func TestRedisStore_FreshWindowAfterExpiry(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	tier := Tier{Name: "upload", Window: time.Second, Max: 1}

	s.Hit(ctx, tier, "dev-1")
	if res, _ := s.Hit(ctx, tier, "dev-1"); res.Allowed {
		t.Fatal("expected deny at max")
	}
	mr.FastForward(2 * time.Second)
	res, _ := s.Hit(ctx, tier, "dev-1")
	if !res.Allowed || res.Count != 1 {
		t.Fatalf("expected fresh window, got %+v", res)
	}
}

func TestRedisStore_ClearAcrossTiers(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	s.Hit(ctx, Tier{Name: "auth", Window: time.Minute, Max: 5}, "u-hash")
	s.Hit(ctx, Tier{Name: "rule:post.create:burst-rate", Window: time.Minute, Max: 5}, "u-hash")
	s.Hit(ctx, Tier{Name: "auth", Window: time.Minute, Max: 5}, "other")

	n, err := s.Clear(ctx, "u-hash")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 keys cleared, got %d", n)
	}
	res, _ := s.Hit(ctx, Tier{Name: "auth", Window: time.Minute, Max: 5}, "other")
	if res.Count != 2 {
		t.Errorf("unrelated identifier must keep its count, got %d", res.Count)
	}
}

func TestRedisStore_FallsBackWhenUnavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	tier := Tier{Name: "general", Window: time.Minute, Max: 1}
	res, err := s.Hit(context.Background(), tier, "ip-1")
	if err != nil {
		t.Fatalf("expected fallback without error, got %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected first fallback call allowed")
	}
	if res, _ := s.Hit(context.Background(), tier, "ip-1"); res.Allowed {
		t.Error("fallback store must still enforce the limit")
	}
}

func TestRedisStore_BadScriptReplyUsesFallback(t *testing.T) {
	s, _ := newRedisStore(t)
	orig := hitScript
	hitScript = redis.NewScript(`return "bad-value"`)
	defer func() { hitScript = orig }()

	res, err := s.Hit(context.Background(), Tier{Name: "general", Window: time.Minute, Max: 5}, "x")
	if err != nil || !res.Allowed || res.Count != 1 {
		t.Fatalf("expected fallback decision, got %+v, %v", res, err)
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob("a*b?[c]"); got != `a\*b\?\[c\]` {
		t.Errorf("unexpected escape: %s", got)
	}
}
