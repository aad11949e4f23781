package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

func TestState_CounterIncrement(t *testing.T) {
	s := NewState("sess-1", 0)

	if got := s.Counter(); got != 0 {
		t.Errorf("initial counter = %d, want 0", got)
	}
	for i := int64(1); i <= 3; i++ {
		if got := s.Increment(); got != i {
			t.Errorf("Increment() = %d, want %d", got, i)
		}
	}
	if got := s.Counter(); got != 3 {
		t.Errorf("counter = %d, want 3", got)
	}
}

func TestState_AllowRate(t *testing.T) {
	s := NewState("sess-1", 0)
	now := time.Now().UTC()

	// Two calls allowed per 10s window.
	if !s.AllowRate("r1", 2, 10*time.Second, now) {
		t.Fatal("first call rejected")
	}
	if !s.AllowRate("r1", 2, 10*time.Second, now.Add(time.Second)) {
		t.Fatal("second call rejected")
	}
	if s.AllowRate("r1", 2, 10*time.Second, now.Add(2*time.Second)) {
		t.Fatal("third call allowed inside window")
	}

	// Window slides: the first timestamp ages out.
	if !s.AllowRate("r1", 2, 10*time.Second, now.Add(11*time.Second)) {
		t.Fatal("call rejected after first timestamp aged out")
	}
}

func TestState_AllowRate_RejectedCallConsumesNothing(t *testing.T) {
	s := NewState("sess-1", 0)
	now := time.Now().UTC()

	if !s.AllowRate("r1", 1, 10*time.Second, now) {
		t.Fatal("first call rejected")
	}
	for i := 0; i < 5; i++ {
		if s.AllowRate("r1", 1, 10*time.Second, now.Add(time.Duration(i)*time.Second)) {
			t.Fatal("over-limit call allowed")
		}
	}
	// Only the single accepted timestamp must age out for the next accept.
	if !s.AllowRate("r1", 1, 10*time.Second, now.Add(11*time.Second)) {
		t.Fatal("rejected calls extended the window")
	}
}

func TestState_AllowRate_PerRuleIsolation(t *testing.T) {
	s := NewState("sess-1", 0)
	now := time.Now().UTC()

	if !s.AllowRate("r1", 1, time.Minute, now) {
		t.Fatal("r1 first call rejected")
	}
	if !s.AllowRate("r2", 1, time.Minute, now) {
		t.Fatal("r2 saw r1's window")
	}
}

func TestState_RingBufferEviction(t *testing.T) {
	s := NewState("sess-1", 3)
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		s.AppendEvent(Event{
			Tool:    fmt.Sprintf("tool_%d", i),
			Verdict: rule.VerdictAllow,
			At:      base.Add(time.Duration(i) * time.Second),
		})
	}

	events := s.Events()
	if len(events) != 3 {
		t.Fatalf("ring holds %d events, want 3", len(events))
	}
	for i, want := range []string{"tool_2", "tool_3", "tool_4"} {
		if events[i].Tool != want {
			t.Errorf("events[%d].Tool = %q, want %q", i, events[i].Tool, want)
		}
	}

	// Evicted events are gone for chain queries too.
	if got := s.FindRecent("tool_0", time.Hour, nil, base.Add(5*time.Second)); got != 0 {
		t.Errorf("FindRecent found evicted event, count = %d", got)
	}
}

func TestState_FindRecent(t *testing.T) {
	s := NewState("sess-1", 0)
	base := time.Now().UTC()
	blocked := rule.VerdictBlock

	s.AppendEvent(Event{Tool: "db_query", Verdict: rule.VerdictAllow, At: base})
	s.AppendEvent(Event{Tool: "db_query", Verdict: rule.VerdictBlock, At: base.Add(10 * time.Second)})
	s.AppendEvent(Event{Tool: "file_read", Verdict: rule.VerdictBlock, At: base.Add(20 * time.Second)})
	s.AppendEvent(Event{Tool: "db_query", Verdict: rule.VerdictBlock, At: base.Add(70 * time.Second)})

	now := base.Add(75 * time.Second)

	tests := []struct {
		name    string
		pattern string
		within  time.Duration
		verdict *rule.Verdict
		want    int
	}{
		{"all db_query in 2m", "db_query", 2 * time.Minute, nil, 3},
		{"blocked db_query in 2m", "db_query", 2 * time.Minute, &blocked, 2},
		{"short window", "db_query", 10 * time.Second, nil, 1},
		{"glob pattern", "db_*", 2 * time.Minute, nil, 3},
		{"star matches everything", "*", 2 * time.Minute, nil, 4},
		{"no matching tool", "net_fetch", 2 * time.Minute, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.FindRecent(tt.pattern, tt.within, tt.verdict, now)
			if got != tt.want {
				t.Errorf("FindRecent(%q, %v) = %d, want %d", tt.pattern, tt.within, got, tt.want)
			}
		})
	}
}

func TestState_Taints(t *testing.T) {
	s := NewState("sess-1", 0)

	if s.HasAnyTaint([]string{"EMAIL"}) {
		t.Error("fresh session reports taint")
	}

	s.AddTaints([]string{"EMAIL", "SSN"})
	s.AddTaints([]string{"EMAIL"}) // no duplicate

	if got := s.Taints(); len(got) != 2 || got[0] != "EMAIL" || got[1] != "SSN" {
		t.Errorf("Taints() = %v, want [EMAIL SSN]", got)
	}
	if !s.HasAnyTaint([]string{"SSN", "IBAN"}) {
		t.Error("intersection missed")
	}
	if s.HasAnyTaint([]string{"IBAN"}) {
		t.Error("false intersection")
	}

	if n := s.ClearTaints(); n != 2 {
		t.Errorf("ClearTaints() = %d, want 2", n)
	}
	if s.HasAnyTaint([]string{"EMAIL"}) {
		t.Error("taint survived clear")
	}
}

func TestState_ConcurrentAccess(t *testing.T) {
	s := NewState("sess-1", 64)
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Increment()
				s.AppendEvent(Event{Tool: "t", Verdict: rule.VerdictAllow, At: now})
				s.AllowRate("r", 1000000, time.Minute, now)
				s.AddTaints([]string{"EMAIL"})
				s.FindRecent("t", time.Minute, nil, now)
			}
		}()
	}
	wg.Wait()

	if got := s.Counter(); got != 800 {
		t.Errorf("counter = %d, want 800", got)
	}
}
