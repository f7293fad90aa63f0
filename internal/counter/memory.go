package counter

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

type entryKey struct {
	tier       string
	identifier string
}

type entry struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu    sync.Mutex
	items map[entryKey]*entry
}

// MemoryStore is the in-process Store. Entries live in lock-striped shards so
// a sweep only ever holds one shard lock at a time.
type MemoryStore struct {
	shards [shardCount]*shard
	now    func() time.Time

	linkMu sync.Mutex
	links  map[string]map[string]time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMemoryStore creates an empty store. Call StartSweeper to bound memory.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		now:   time.Now,
		links: make(map[string]map[string]time.Time),
		stop:  make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[entryKey]*entry)}
	}
	return s
}

func (s *MemoryStore) shardFor(identifier string) *shard {
	h := fnv.New32a()
	h.Write([]byte(identifier))
	return s.shards[h.Sum32()%shardCount]
}

// Hit implements Store.
func (s *MemoryStore) Hit(_ context.Context, tier Tier, identifier string) (Result, error) {
	k := entryKey{tier: tier.Name, identifier: identifier}
	sh := s.shardFor(identifier)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[k]
	var count int
	var resetAt time.Time
	if ok {
		count, resetAt = e.count, e.resetAt
	}
	res, newCount, newReset := evaluate(tier, now, ok, count, resetAt)
	if !ok {
		sh.items[k] = &entry{count: newCount, resetAt: newReset}
	} else {
		e.count, e.resetAt = newCount, newReset
	}
	return res, nil
}

// Clear implements Store. Identifiers hash to a single shard, so only that
// shard is scanned.
func (s *MemoryStore) Clear(_ context.Context, identifier string) (int, error) {
	sh := s.shardFor(identifier)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := 0
	for k := range sh.items {
		if k.identifier == identifier {
			delete(sh.items, k)
			n++
		}
	}
	return n, nil
}

// Sweep deletes entries whose window has ended and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.items {
			if !now.Before(e.resetAt) {
				delete(sh.items, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	s.sweepLinks(now)
	return removed
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}

// StartSweeper runs Sweep every interval until Close. Calling it more than
// once has no effect.
func (s *MemoryStore) StartSweeper(interval time.Duration) {
	if interval <= 0 || s.done != nil {
		return
	}
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.done != nil {
		<-s.done
	}
	return nil
}
