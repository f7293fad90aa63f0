package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLog keeps the most recent events in a bounded ring and answers
// operator queries from it. It is the default sink when ClickHouse is not
// configured.
type MemoryLog struct {
	mu     sync.RWMutex
	events []AbuseEvent
	next   int
	full   bool
}

// NewMemoryLog creates a ring holding up to capacity events.
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &MemoryLog{events: make([]AbuseEvent, capacity)}
}

// Write implements EventWriter.
func (m *MemoryLog) Write(event *AbuseEvent) {
	m.mu.Lock()
	m.events[m.next] = *event
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
}

func (m *MemoryLog) Close() {}

// Len returns the number of stored events.
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.full {
		return len(m.events)
	}
	return m.next
}

// newestFirst calls fn for each stored event from newest to oldest until fn
// returns false. Caller holds the read lock.
func (m *MemoryLog) newestFirst(fn func(e *AbuseEvent) bool) {
	n := m.next
	if m.full {
		n = len(m.events)
	}
	for i := 0; i < n; i++ {
		idx := (m.next - 1 - i + len(m.events)) % len(m.events)
		if !fn(&m.events[idx]) {
			return
		}
	}
}

func (p ListEventsParams) matches(e *AbuseEvent) bool {
	if p.Action != nil && e.Action != *p.Action {
		return false
	}
	if p.Decision != nil && e.Decision != *p.Decision {
		return false
	}
	if p.Mode != nil && e.Mode != *p.Mode {
		return false
	}
	if p.UserIDHash != nil && e.UserIDHash != *p.UserIDHash {
		return false
	}
	if p.IsShadow != nil && e.IsShadow != *p.IsShadow {
		return false
	}
	if p.StartTime != nil && e.CreatedAt.Before(*p.StartTime) {
		return false
	}
	if p.EndTime != nil && e.CreatedAt.After(*p.EndTime) {
		return false
	}
	return true
}

// ListEvents implements EventReader. Results are newest first.
func (m *MemoryLog) ListEvents(_ context.Context, params ListEventsParams) ([]AbuseEvent, int, error) {
	params.Normalize()
	offset := (params.Page - 1) * params.PageSize

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []AbuseEvent{}
	total := 0
	m.newestFirst(func(e *AbuseEvent) bool {
		if !params.matches(e) {
			return true
		}
		if total >= offset && len(out) < params.PageSize {
			out = append(out, *e)
		}
		total++
		return true
	})
	return out, total, nil
}

// Summary implements EventReader.
func (m *MemoryLog) Summary(_ context.Context, since time.Time) (*Summary, error) {
	s := &Summary{}
	hours := make(map[time.Time]int)
	rules := make(map[[2]string]int)
	users := make(map[string]int)

	m.mu.RLock()
	m.newestFirst(func(e *AbuseEvent) bool {
		if e.CreatedAt.Before(since) {
			return true
		}
		s.Total++
		switch e.Decision {
		case "allow":
			s.Allows++
		case "throttle":
			s.Throttles++
		case "deny":
			s.Denies++
		case "degrade_to_review":
			s.Reviews++
		}
		if e.IsShadow {
			s.Shadow++
		}
		if e.Decision == "throttle" || e.Decision == "deny" {
			hours[e.CreatedAt.UTC().Truncate(time.Hour)]++
		}
		if e.TriggeredRule != "" {
			rules[[2]string{e.Action, e.TriggeredRule}]++
		}
		if e.Decision != "allow" && e.UserIDHash != "" {
			users[e.UserIDHash]++
		}
		return true
	})
	m.mu.RUnlock()

	for h, c := range hours {
		s.RejectsOverTime = append(s.RejectsOverTime, TimeSeriesBucket{Hour: h.Format(time.RFC3339), Count: c})
	}
	sort.Slice(s.RejectsOverTime, func(i, j int) bool { return s.RejectsOverTime[i].Hour < s.RejectsOverTime[j].Hour })

	for k, c := range rules {
		s.TopRules = append(s.TopRules, RuleCount{Action: k[0], Rule: k[1], Count: c})
	}
	sort.Slice(s.TopRules, func(i, j int) bool {
		if s.TopRules[i].Count != s.TopRules[j].Count {
			return s.TopRules[i].Count > s.TopRules[j].Count
		}
		return s.TopRules[i].Action+s.TopRules[i].Rule < s.TopRules[j].Action+s.TopRules[j].Rule
	})
	if len(s.TopRules) > 10 {
		s.TopRules = s.TopRules[:10]
	}

	for u, c := range users {
		s.TopUsers = append(s.TopUsers, UserCount{UserIDHash: u, Count: c})
	}
	sort.Slice(s.TopUsers, func(i, j int) bool {
		if s.TopUsers[i].Count != s.TopUsers[j].Count {
			return s.TopUsers[i].Count > s.TopUsers[j].Count
		}
		return s.TopUsers[i].UserIDHash < s.TopUsers[j].UserIDHash
	})
	if len(s.TopUsers) > 10 {
		s.TopUsers = s.TopUsers[:10]
	}

	s.EnsureSlices()
	return s, nil
}
