package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// Summary renders the active rule set as a human-readable digest, meant to
// be injected into an agent's system prompt so the agent knows the rules of
// the house before it calls a tool. Honeypot patterns are never disclosed:
// a decoy only works unannounced.
func (s *Snapshot) Summary() string {
	rs := s.Rules

	var b strings.Builder
	fmt.Fprintf(&b, "Tool calls are governed by shield %q.\n", rs.ShieldName)
	if rs.DefaultVerdict == rule.VerdictBlock {
		b.WriteString("Calls matching no rule are blocked.\n")
	} else {
		b.WriteString("Calls matching no rule are allowed.\n")
	}

	if len(rs.Rules) > 0 {
		b.WriteString("Rules, first match wins:\n")
		for i := range rs.Rules {
			b.WriteString(summarizeRule(&rs.Rules[i]))
			b.WriteByte('\n')
		}
	}

	if s.Sanitizer != nil {
		fmt.Fprintf(&b, "All arguments are screened for: %s.\n",
			strings.Join(s.Sanitizer.Names(), ", "))
	}

	return b.String()
}

func summarizeRule(r *rule.Rule) string {
	var b strings.Builder
	b.WriteString("- ")

	switch r.Then {
	case rule.ActionBlock:
		b.WriteString("BLOCK ")
	case rule.ActionRedact:
		b.WriteString("REDACT arguments of ")
	case rule.ActionApprove:
		b.WriteString("REQUIRE APPROVAL for ")
	default:
		b.WriteString("ALLOW ")
	}
	b.WriteString(strings.Join(r.When.Tool.Patterns, ", "))

	for _, cond := range summarizeConditions(&r.When) {
		b.WriteByte(' ')
		b.WriteString(cond)
	}

	if rl := r.RateLimit; rl != nil {
		fmt.Fprintf(&b, " (at most %d calls per %ds per session)",
			rl.MaxCalls, rl.WindowSeconds)
	}
	if r.Message != "" {
		b.WriteString(": ")
		b.WriteString(r.Message)
	}
	return b.String()
}

// summarizeConditions renders each `when` clause except the tool pattern.
// Argument fields come out sorted so the digest is stable across calls.
func summarizeConditions(w *rule.When) []string {
	var out []string

	if len(w.Args) > 0 {
		fields := make([]string, 0, len(w.Args))
		for f := range w.Args {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			out = append(out, fmt.Sprintf("when %s %s", f, w.Args[f].Describe()))
		}
	}

	if c := w.Chain; c != nil {
		cond := fmt.Sprintf("after %d+ calls to %s within %ds",
			c.MinCount, c.Tool, c.WithinSeconds)
		if c.Verdict != nil {
			cond += fmt.Sprintf(" with verdict %s", *c.Verdict)
		}
		out = append(out, cond)
	}

	if sc := w.Session; sc != nil && len(sc.HasTaint) > 0 {
		out = append(out, fmt.Sprintf("when the session is tainted with %s",
			strings.Join(sc.HasTaint, ", ")))
	}

	if w.Expr != "" {
		out = append(out, fmt.Sprintf("when `%s`", w.Expr))
	}

	return out
}
