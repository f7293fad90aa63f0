package counter

import (
	"context"
	"fmt"
	"time"
)

// Linker records which identifiers acted together, so clearing one identity
// can reach the other keys its penalties are held under.
type Linker interface {
	// Link associates ids with owner for ttl. Empty ids are ignored.
	Link(ctx context.Context, owner string, ids []string, ttl time.Duration) error

	// Linked returns the live ids associated with owner.
	Linked(ctx context.Context, owner string) ([]string, error)
}

// Link implements Linker.
func (s *MemoryStore) Link(_ context.Context, owner string, ids []string, ttl time.Duration) error {
	if owner == "" || ttl <= 0 {
		return nil
	}
	expires := s.now().Add(ttl)

	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	for _, id := range ids {
		if id == "" || id == owner {
			continue
		}
		set, ok := s.links[owner]
		if !ok {
			set = make(map[string]time.Time)
			s.links[owner] = set
		}
		if cur, ok := set[id]; !ok || cur.Before(expires) {
			set[id] = expires
		}
	}
	return nil
}

// Linked implements Linker.
func (s *MemoryStore) Linked(_ context.Context, owner string) ([]string, error) {
	now := s.now()

	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	var out []string
	for id, expires := range s.links[owner] {
		if now.Before(expires) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *MemoryStore) sweepLinks(now time.Time) {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	for owner, set := range s.links {
		for id, expires := range set {
			if !now.Before(expires) {
				delete(set, id)
			}
		}
		if len(set) == 0 {
			delete(s.links, owner)
		}
	}
}

// Link implements Linker with a Redis set per owner that expires with the
// longest window it covers.
func (s *RedisStore) Link(ctx context.Context, owner string, ids []string, ttl time.Duration) error {
	if owner == "" || ttl <= 0 {
		return nil
	}
	members := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		if id != "" && id != owner {
			members = append(members, id)
		}
	}
	if len(members) == 0 {
		return nil
	}
	_ = s.fallback.Link(ctx, owner, ids, ttl)

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	key := s.linkKey(owner)
	pipe := s.client.TxPipeline()
	pipe.SAdd(opCtx, key, members...)
	pipe.PExpire(opCtx, key, ttl)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("RedisStore.Link: %w", err)
	}
	return nil
}

// Linked implements Linker. Ids linked while Redis was down come from the
// in-process fallback.
func (s *RedisStore) Linked(ctx context.Context, owner string) ([]string, error) {
	local, _ := s.fallback.Linked(ctx, owner)

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	remote, err := s.client.SMembers(opCtx, s.linkKey(owner)).Result()
	if err != nil {
		return local, fmt.Errorf("RedisStore.Linked: %w", err)
	}
	seen := make(map[string]struct{}, len(remote))
	for _, id := range remote {
		seen[id] = struct{}{}
	}
	for _, id := range local {
		if _, ok := seen[id]; !ok {
			remote = append(remote, id)
		}
	}
	return remote, nil
}

// linkKey lives outside the counter prefix so Clear's scan never matches it.
func (s *RedisStore) linkKey(owner string) string {
	return "link:" + s.prefix + owner
}
