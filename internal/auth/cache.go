package auth

import (
	"crypto/sha256"
	"sync"
	"time"
)

// KeyCache remembers API keys that recently passed bcrypt verification so the
// hot path does not pay for bcrypt on every request. Entries are keyed by a
// SHA-256 of the key; the plaintext is never stored.
type KeyCache struct {
	store sync.Map // map[[32]byte]time.Time (expiry)
	ttl   time.Duration
	now   func() time.Time
}

// NewKeyCache creates a cache with the given TTL.
func NewKeyCache(ttl time.Duration) *KeyCache {
	return &KeyCache{ttl: ttl, now: time.Now}
}

// Valid reports whether key was verified within the TTL. Expired entries are
// removed on read.
func (c *KeyCache) Valid(key string) bool {
	k := sha256.Sum256([]byte(key))
	v, ok := c.store.Load(k)
	if !ok {
		return false
	}
	if c.now().Before(v.(time.Time)) {
		return true
	}
	c.store.Delete(k)
	return false
}

// Remember marks key as verified for the TTL.
func (c *KeyCache) Remember(key string) {
	c.store.Store(sha256.Sum256([]byte(key)), c.now().Add(c.ttl))
}
