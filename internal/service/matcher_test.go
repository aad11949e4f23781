package service

import (
	"strings"
	"testing"
	"time"

	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/session"
)

const matcherRules = `
shield_name: matcher-test
version: 1
default_verdict: ALLOW
rules:
  - id: block-passwd
    when:
      tool: read_file
      args:
        path: {equals: "/etc/passwd"}
    then: block
  - id: read-anything
    when:
      tool: read_file
    then: allow
  - id: pii-body
    when:
      tool: send_message
      args:
        body: {has_pii: true}
    then: redact
  - id: exfil-chain
    when:
      tool: http_post
      chain: {tool: "db_*", within_seconds: 60, min_count: 2}
    then: block
  - id: tainted-send
    when:
      tool: send_email
      session: {has_taint: [EMAIL]}
    then: block
  - id: big-spend
    when:
      tool: send_payment
      expr: 'args["amount"] > 100.0'
    then: approve
  - id: broken-at-runtime
    when:
      tool: risky_op
      expr: 'arg(args, "missing").startsWith("x")'
    then: block
`

func newTestMatcher(t *testing.T) (*Matcher, *Snapshot) {
	t.Helper()
	svc := newTestRulesets(t, matcherRules)
	return NewMatcher(svc.eval), svc.Snapshot()
}

func matchID(t *testing.T, m *Matcher, snap *Snapshot, tool string, args map[string]any, sess *session.State) string {
	t.Helper()
	r, err := m.Match(snap, tool, args, sess, time.Now().UTC())
	if err != nil {
		t.Fatalf("Match(%s): %v", tool, err)
	}
	if r == nil {
		return ""
	}
	return r.ID
}

func TestMatcherFirstMatchWins(t *testing.T) {
	m, snap := newTestMatcher(t)
	sess := session.NewState("sess-1", 0)

	if got := matchID(t, m, snap, "read_file", map[string]any{"path": "/etc/passwd"}, sess); got != "block-passwd" {
		t.Errorf("matched %q, want block-passwd", got)
	}
	if got := matchID(t, m, snap, "read_file", map[string]any{"path": "/tmp/notes"}, sess); got != "read-anything" {
		t.Errorf("matched %q, want read-anything", got)
	}
}

func TestMatcherNoMatch(t *testing.T) {
	m, snap := newTestMatcher(t)
	sess := session.NewState("sess-1", 0)

	if got := matchID(t, m, snap, "unknown_tool", nil, sess); got != "" {
		t.Errorf("matched %q, want no match", got)
	}
}

func TestMatcherPIIPredicate(t *testing.T) {
	m, snap := newTestMatcher(t)
	sess := session.NewState("sess-1", 0)

	if got := matchID(t, m, snap, "send_message", map[string]any{"body": "write to bob@example.com"}, sess); got != "pii-body" {
		t.Errorf("matched %q, want pii-body", got)
	}
	if got := matchID(t, m, snap, "send_message", map[string]any{"body": "no personal data here"}, sess); got != "" {
		t.Errorf("matched %q, want no match", got)
	}
}

func TestMatcherChainCondition(t *testing.T) {
	m, snap := newTestMatcher(t)
	sess := session.NewState("sess-1", 0)
	now := time.Now().UTC()

	if got := matchID(t, m, snap, "http_post", nil, sess); got != "" {
		t.Errorf("matched %q before chain threshold, want no match", got)
	}

	sess.AppendEvent(session.Event{Tool: "db_query", Verdict: rule.VerdictAllow, At: now})
	if got := matchID(t, m, snap, "http_post", nil, sess); got != "" {
		t.Errorf("matched %q at 1 of 2 chain events, want no match", got)
	}

	sess.AppendEvent(session.Event{Tool: "db_export", Verdict: rule.VerdictAllow, At: now})
	if got := matchID(t, m, snap, "http_post", nil, sess); got != "exfil-chain" {
		t.Errorf("matched %q, want exfil-chain", got)
	}
}

func TestMatcherSessionTaint(t *testing.T) {
	m, snap := newTestMatcher(t)
	sess := session.NewState("sess-1", 0)

	if got := matchID(t, m, snap, "send_email", nil, sess); got != "" {
		t.Errorf("matched %q on untainted session, want no match", got)
	}

	sess.AddTaints([]string{"EMAIL"})
	if got := matchID(t, m, snap, "send_email", nil, sess); got != "tainted-send" {
		t.Errorf("matched %q, want tainted-send", got)
	}
}

func TestMatcherExpression(t *testing.T) {
	m, snap := newTestMatcher(t)
	sess := session.NewState("sess-1", 0)

	if got := matchID(t, m, snap, "send_payment", map[string]any{"amount": 250.0}, sess); got != "big-spend" {
		t.Errorf("matched %q, want big-spend", got)
	}
	if got := matchID(t, m, snap, "send_payment", map[string]any{"amount": 50.0}, sess); got != "" {
		t.Errorf("matched %q, want no match", got)
	}
}

func TestMatcherExpressionRuntimeError(t *testing.T) {
	m, snap := newTestMatcher(t)
	sess := session.NewState("sess-1", 0)

	_, err := m.Match(snap, "risky_op", map[string]any{}, sess, time.Now().UTC())
	if err == nil {
		t.Fatal("expected runtime evaluation error")
	}
	if !strings.Contains(err.Error(), "broken-at-runtime") {
		t.Errorf("error %q does not name the failing rule", err.Error())
	}
}
