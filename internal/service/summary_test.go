package service

import (
	"strings"
	"testing"
)

const summaryRules = `
shield_name: digest
version: 1
default_verdict: BLOCK
honeypots:
  - tool: "secret_vault_*"
sanitizer:
  detectors: [shell_injection, sql_injection]
rules:
  - id: block-passwd
    when:
      tool: read_file
      args:
        path: {equals: /etc/passwd}
    then: block
    message: system files are off limits
  - id: redact-mail
    when:
      tool: [send_email, notify_*]
      args:
        body: {has_pii: true}
    then: redact
  - id: approve-pay
    when:
      tool: make_payment
      expr: 'args["amount"] > 100.0'
    then: approve
  - id: exfil-chain
    when:
      tool: http_post
      chain:
        tool: "db_*"
        within_seconds: 60
        min_count: 2
    then: block
  - id: limit-exec
    when:
      tool: exec_shell
      session:
        has_taint: [EMAIL]
    then: allow
    rate_limit:
      max_calls: 2
      window_seconds: 60
`

func TestSummaryContent(t *testing.T) {
	svc := newTestRulesets(t, summaryRules)
	got := svc.Snapshot().Summary()

	wantFragments := []string{
		`shield "digest"`,
		"Calls matching no rule are blocked.",
		"first match wins",
		"- BLOCK read_file when path equals /etc/passwd: system files are off limits",
		"- REDACT arguments of send_email, notify_* when body contains PII",
		"- REQUIRE APPROVAL for make_payment when `args[\"amount\"] > 100.0`",
		"- BLOCK http_post after 2+ calls to db_* within 60s",
		"- ALLOW exec_shell when the session is tainted with EMAIL (at most 2 calls per 60s per session)",
		"screened for: shell_injection, sql_injection.",
	}
	for _, frag := range wantFragments {
		if !strings.Contains(got, frag) {
			t.Errorf("summary missing %q\nfull summary:\n%s", frag, got)
		}
	}

	// Honeypots are decoys and must never leak into the digest.
	if strings.Contains(got, "secret_vault") {
		t.Errorf("summary discloses honeypot pattern:\n%s", got)
	}
}

func TestSummaryRuleOrderFollowsDeclaration(t *testing.T) {
	svc := newTestRulesets(t, summaryRules)
	got := svc.Snapshot().Summary()

	iBlock := strings.Index(got, "BLOCK read_file")
	iRedact := strings.Index(got, "REDACT arguments")
	iApprove := strings.Index(got, "REQUIRE APPROVAL")
	if iBlock == -1 || iRedact == -1 || iApprove == -1 {
		t.Fatalf("expected rule lines missing:\n%s", got)
	}
	if !(iBlock < iRedact && iRedact < iApprove) {
		t.Errorf("rules out of declaration order:\n%s", got)
	}
}

func TestSummarySanitizerOptOut(t *testing.T) {
	svc := newTestRulesets(t, `
shield_name: quiet
version: 1
default_verdict: ALLOW
sanitizer:
  enabled: false
rules:
  - id: anything
    when:
      tool: "*"
    then: allow
`)
	got := svc.Snapshot().Summary()
	if strings.Contains(got, "screened") {
		t.Errorf("summary mentions sanitizer while disabled:\n%s", got)
	}
	if !strings.Contains(got, "Calls matching no rule are allowed.") {
		t.Errorf("summary missing default verdict line:\n%s", got)
	}
}
