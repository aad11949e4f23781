package service

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func newTestRulesets(t *testing.T, content string) *RulesetService {
	t.Helper()
	svc, err := NewRulesetService(writeRules(t, content), discardLogger())
	if err != nil {
		t.Fatalf("NewRulesetService: %v", err)
	}
	return svc
}

const orderedRules = `
shield_name: order-test
version: 1
default_verdict: ALLOW
rules:
  - id: first-read
    when:
      tool: read_file
    then: allow
  - id: any-db
    when:
      tool: "db_*"
    then: block
  - id: second-read
    when:
      tool: read_file
    then: block
  - id: catch-all
    when:
      tool: "*"
    then: allow
  - id: mixed
    when:
      tool: [send_email, "notify_*"]
    then: allow
`

func TestRulesetServiceLoadsAndCompiles(t *testing.T) {
	svc := newTestRulesets(t, `
shield_name: compile-test
version: 1
default_verdict: ALLOW
pii_patterns:
  EMPLOYEE_ID: "EMP-[0-9]{4}"
rules:
  - id: plain
    when:
      tool: read_file
    then: allow
  - id: with-expr
    when:
      tool: db_query
      expr: 'counter > 3'
    then: block
`)

	snap := svc.Snapshot()
	if snap.Rules.ShieldName != "compile-test" {
		t.Errorf("shield name = %q, want compile-test", snap.Rules.ShieldName)
	}
	if snap.Detector == nil {
		t.Fatal("snapshot has no detector")
	}
	if !snap.Detector.Probe("id EMP-0042") {
		t.Error("custom PII pattern not active in snapshot detector")
	}
	if snap.Sanitizer == nil {
		t.Error("sanitizer should default to enabled")
	}
	if len(snap.Compiled) != 2 {
		t.Fatalf("compiled %d rules, want 2", len(snap.Compiled))
	}
	if snap.Compiled[0].Program != nil {
		t.Error("rule without expr should have no program")
	}
	if snap.Compiled[1].Program == nil {
		t.Error("rule with expr should have a compiled program")
	}
	if snap.Rules.Hash == "" {
		t.Error("snapshot rule set has no hash")
	}
}

func TestRulesetServiceSanitizerOptOut(t *testing.T) {
	svc := newTestRulesets(t, `
shield_name: optout-test
version: 1
default_verdict: ALLOW
sanitizer:
  enabled: false
rules:
  - id: r1
    when:
      tool: read_file
    then: allow
`)
	if svc.Snapshot().Sanitizer != nil {
		t.Error("sanitizer disabled in file but present in snapshot")
	}
}

func TestRulesetServiceRejectsBadFile(t *testing.T) {
	_, err := NewRulesetService(writeRules(t, "rules: [\n"), discardLogger())
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestRulesetServiceRejectsBadExpression(t *testing.T) {
	_, err := NewRulesetService(writeRules(t, `
shield_name: bad-expr
version: 1
default_verdict: ALLOW
rules:
  - id: broken
    when:
      tool: read_file
      expr: 'tool_name =='
    then: block
`), discardLogger())
	if err == nil {
		t.Fatal("expected activation error for invalid expression")
	}
	var verr *rule.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *rule.ValidationError", err)
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error %q does not name the failing rule", err.Error())
	}
}

func TestRulesetServiceReloadKeepsOldSetOnFailure(t *testing.T) {
	path := writeRules(t, `
shield_name: reload-test
version: 1
default_verdict: ALLOW
rules:
  - id: r1
    when:
      tool: read_file
    then: allow
`)
	svc, err := NewRulesetService(path, discardLogger())
	if err != nil {
		t.Fatalf("NewRulesetService: %v", err)
	}
	oldHash := svc.Snapshot().Rules.Hash

	if err := os.WriteFile(path, []byte("not: [valid\n"), 0600); err != nil {
		t.Fatalf("overwrite rules: %v", err)
	}
	if err := svc.Reload(); err == nil {
		t.Fatal("expected reload error for malformed file")
	}
	if got := svc.Snapshot().Rules.Hash; got != oldHash {
		t.Errorf("failed reload replaced the active set: hash %q, want %q", got, oldHash)
	}

	if err := os.WriteFile(path, []byte(`
shield_name: reload-test
version: 1
default_verdict: BLOCK
rules:
  - id: r2
    when:
      tool: send_email
    then: block
`), 0600); err != nil {
		t.Fatalf("overwrite rules: %v", err)
	}
	if err := svc.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	snap := svc.Snapshot()
	if snap.Rules.Hash == oldHash {
		t.Error("successful reload kept the old hash")
	}
	if snap.Rules.DefaultVerdict != rule.VerdictBlock {
		t.Errorf("default verdict = %q, want BLOCK", snap.Rules.DefaultVerdict)
	}
}

func TestRuleIndexCandidatesOrder(t *testing.T) {
	snap := newTestRulesets(t, orderedRules).Snapshot()

	tests := []struct {
		tool string
		want []string
	}{
		{"read_file", []string{"first-read", "any-db", "second-read", "catch-all", "mixed"}},
		{"db_query", []string{"any-db", "catch-all", "mixed"}},
		{"send_email", []string{"any-db", "catch-all", "mixed"}},
		{"unknown_tool", []string{"any-db", "catch-all", "mixed"}},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			var got []string
			for _, cr := range snap.Index.Candidates(tt.tool) {
				got = append(got, cr.Rule.ID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("candidates = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("candidates = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestRuleIndexMixedPatternsIndexedOnce(t *testing.T) {
	snap := newTestRulesets(t, orderedRules).Snapshot()

	seen := 0
	for _, cr := range snap.Index.Candidates("send_email") {
		if cr.Rule.ID == "mixed" {
			seen++
		}
	}
	if seen != 1 {
		t.Errorf("mixed-pattern rule appears %d times in candidates, want 1", seen)
	}
}
