// Package session holds per-session decision state: the monotonic call
// counter, per-rule sliding rate windows, a bounded ring of recent events
// and the set of PII types tainting the session. Sessions are created
// lazily on first reference and evicted after an idle TTL.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// DefaultRingCapacity bounds the per-session event ring buffer.
const DefaultRingCapacity = 128

// Event is one finished check decision, appended to the session ring.
// The verdict recorded here is the pre-downgrade verdict, so chain
// conditions in audit mode see what enforce mode would have decided.
type Event struct {
	Tool    string
	Verdict rule.Verdict
	RuleID  string
	At      time.Time
}

// State is the mutable record for one session. Every accessor takes the
// session's own mutex; callers never reach the fields directly, so there
// is nothing to deep-copy.
type State struct {
	mu       sync.Mutex
	id       string
	counter  int64
	windows  map[string][]time.Time
	ring     []Event
	head     int
	count    int
	taints   map[string]struct{}
	lastSeen time.Time
}

// NewState creates session state with the given ring capacity.
// Capacity values below 1 fall back to DefaultRingCapacity.
func NewState(id string, ringCapacity int) *State {
	if ringCapacity < 1 {
		ringCapacity = DefaultRingCapacity
	}
	return &State{
		id:       id,
		windows:  make(map[string][]time.Time),
		ring:     make([]Event, ringCapacity),
		taints:   make(map[string]struct{}),
		lastSeen: time.Now().UTC(),
	}
}

// ID returns the session identifier.
func (s *State) ID() string {
	return s.id
}

// Counter returns the number of allowed calls so far.
func (s *State) Counter() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Increment bumps the allowed-call counter and returns the new value.
func (s *State) Increment() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.counter
}

// Touch records activity for idle-TTL accounting.
func (s *State) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

// LastSeen returns the time of the most recent activity.
func (s *State) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// AllowRate observes one call against the rule's sliding window and
// reports whether it fits. Timestamps older than the window are pruned on
// every observation; a rejected call does not consume window capacity.
func (s *State) AllowRate(ruleID string, maxCalls int, window time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	stamps := s.windows[ruleID]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= maxCalls {
		s.windows[ruleID] = kept
		return false
	}
	s.windows[ruleID] = append(kept, now)
	return true
}

// AppendEvent records a decision in the ring buffer. At capacity the
// oldest event is overwritten and is never observable again.
func (s *State) AppendEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := (s.head + s.count) % len(s.ring)
	s.ring[pos] = e
	if s.count < len(s.ring) {
		s.count++
	} else {
		s.head = (s.head + 1) % len(s.ring)
	}
}

// FindRecent counts ring events no older than within whose tool matches
// the pattern, optionally restricted to one verdict. A nil verdict counts
// every event.
func (s *State) FindRecent(toolPattern string, within time.Duration, verdict *rule.Verdict, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-within)
	matched := 0
	for i := 0; i < s.count; i++ {
		e := s.ring[(s.head+i)%len(s.ring)]
		if e.At.Before(cutoff) {
			continue
		}
		if !rule.MatchPattern(toolPattern, e.Tool) {
			continue
		}
		if verdict != nil && e.Verdict != *verdict {
			continue
		}
		matched++
	}
	return matched
}

// Events returns the ring contents oldest first. The returned slice is a
// copy.
func (s *State) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.ring[(s.head+i)%len(s.ring)])
	}
	return out
}

// AddTaints unions PII type names into the session taint set.
func (s *State) AddTaints(types []string) {
	if len(types) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		s.taints[t] = struct{}{}
	}
}

// HasAnyTaint reports whether the taint set intersects the given types.
func (s *State) HasAnyTaint(types []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range types {
		if _, ok := s.taints[t]; ok {
			return true
		}
	}
	return false
}

// Taints returns the taint set sorted for stable output.
func (s *State) Taints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.taints))
	for t := range s.taints {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ClearTaints empties the taint set and reports how many entries it held.
func (s *State) ClearTaints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.taints)
	s.taints = make(map[string]struct{})
	return n
}
