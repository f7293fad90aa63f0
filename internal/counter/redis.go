package counter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/observability/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// hitScript applies the fixed-window rule atomically on the Redis side.
// Returns {count, pttl_ms, allowed}.
var hitScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local current = redis.call("GET", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if (not current) or ttl < 0 then
  redis.call("SET", KEYS[1], 1, "PX", window)
  return {1, window, 1}
end
current = tonumber(current)
if current < max then
  current = redis.call("INCR", KEYS[1])
  return {current, ttl, 1}
end
return {current, ttl, 0}
`)

const redisOpTimeout = 2 * time.Second

// RedisStore is a Store shared by every process pointed at the same Redis.
// When Redis is unreachable it falls back to an in-process MemoryStore, so
// limits degrade to per-process instead of disappearing.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	fallback *MemoryStore
	logger   *zap.Logger
}

// NewRedisStore creates a RedisStore. Keys are written as prefix+tier+":"+identifier.
func NewRedisStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisStore{
		client:   client,
		prefix:   prefix,
		fallback: NewMemoryStore(),
		logger:   logger,
	}
}

func (s *RedisStore) key(tier, identifier string) string {
	return s.prefix + tier + ":" + identifier
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, tier Tier, identifier string) (Result, error) {
	limit := tier.Max
	if limit <= 0 {
		limit = 1
	}
	window := tier.Window
	if window <= 0 {
		window = time.Minute
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := hitScript.Run(opCtx, s.client, []string{s.key(tier.Name, identifier)}, window.Milliseconds(), limit).Result()
	if err != nil {
		return s.fallbackHit(ctx, tier, identifier, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) < 3 {
		return s.fallbackHit(ctx, tier, identifier, fmt.Errorf("unexpected script reply %T", raw))
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	allowed, _ := vals[2].(int64)

	now := time.Now()
	ttl := time.Duration(ttlMs) * time.Millisecond
	res := Result{
		Allowed: allowed == 1,
		Count:   int(count),
		Limit:   limit,
		ResetAt: now.Add(ttl),
	}
	if res.Allowed {
		res.Remaining = limit - res.Count
	} else {
		res.RetryAfter = ttl
	}
	return res, nil
}

func (s *RedisStore) fallbackHit(ctx context.Context, tier Tier, identifier string, cause error) (Result, error) {
	metrics.CounterBackendErrorsTotal.WithLabelValues("redis").Inc()
	s.logger.Warn("redis counter unavailable, using in-process fallback",
		zap.String("tier", tier.Name),
		zap.Error(cause),
	)
	return s.fallback.Hit(ctx, tier, identifier)
}

// Clear implements Store. It scans for every tier key ending in the identifier.
func (s *RedisStore) Clear(ctx context.Context, identifier string) (int, error) {
	n, _ := s.fallback.Clear(ctx, identifier)

	pattern := escapeGlob(s.prefix) + "*:" + escapeGlob(identifier)
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("RedisStore.Clear: %w", err)
	}
	if len(keys) == 0 {
		return n, nil
	}
	deleted, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return n, fmt.Errorf("RedisStore.Clear: %w", err)
	}
	return n + int(deleted), nil
}

// Close releases the fallback store. The Redis client is owned by the caller.
func (s *RedisStore) Close() error {
	return s.fallback.Close()
}

// StartSweeper sweeps the in-process fallback; Redis expires keys on its own.
func (s *RedisStore) StartSweeper(interval time.Duration) {
	s.fallback.StartSweeper(interval)
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
