// Package rule contains the PolicyShield rule model: rule sets, rules,
// argument predicates, chain conditions, and the verdicts they produce.
package rule

import (
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Verdict is the outcome of a shield decision as it appears on the wire.
type Verdict string

const (
	// VerdictAllow permits the tool call unchanged.
	VerdictAllow Verdict = "ALLOW"
	// VerdictBlock refuses the tool call.
	VerdictBlock Verdict = "BLOCK"
	// VerdictRedact permits the tool call with mutated arguments.
	VerdictRedact Verdict = "REDACT"
	// VerdictApprove suspends the tool call pending human approval.
	VerdictApprove Verdict = "APPROVE"
)

// Valid reports whether v is one of the four wire verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAllow, VerdictBlock, VerdictRedact, VerdictApprove:
		return true
	}
	return false
}

// Action is the `then:` clause of a rule.
type Action string

const (
	// ActionAllow permits matching calls.
	ActionAllow Action = "allow"
	// ActionBlock refuses matching calls.
	ActionBlock Action = "block"
	// ActionRedact permits matching calls after PII redaction of arguments.
	ActionRedact Action = "redact"
	// ActionApprove routes matching calls through human approval.
	ActionApprove Action = "approve"
)

// Valid reports whether a is a recognized rule action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionBlock, ActionRedact, ActionApprove:
		return true
	}
	return false
}

// Verdict maps a rule action to the verdict it produces when the rule fires.
func (a Action) Verdict() Verdict {
	switch a {
	case ActionBlock:
		return VerdictBlock
	case ActionRedact:
		return VerdictRedact
	case ActionApprove:
		return VerdictApprove
	default:
		return VerdictAllow
	}
}

// Severity classifies how serious a rule violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a recognized severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ApprovalStrategy controls how prior approvals are reused for a rule.
type ApprovalStrategy string

const (
	// StrategyOnce requires a fresh approval for every call.
	StrategyOnce ApprovalStrategy = "once"
	// StrategyPerSession reuses an approval for the same (rule, session).
	StrategyPerSession ApprovalStrategy = "per_session"
	// StrategyPerRule reuses an approval for the same rule across sessions.
	StrategyPerRule ApprovalStrategy = "per_rule"
	// StrategyPerTool reuses an approval for the same tool name.
	StrategyPerTool ApprovalStrategy = "per_tool"
)

// Valid reports whether s is a recognized approval strategy.
func (s ApprovalStrategy) Valid() bool {
	switch s {
	case StrategyOnce, StrategyPerSession, StrategyPerRule, StrategyPerTool:
		return true
	}
	return false
}

// Reserved rule ids surfaced in decisions produced by the engine itself
// rather than by a YAML-authored rule.
const (
	// RuleIDSanitizer marks decisions from the built-in injection detectors.
	RuleIDSanitizer = "__sanitizer__"
	// RuleIDHoneypot marks decisions from a honeypot tool match.
	RuleIDHoneypot = "__honeypot__"
	// RuleIDDefaultDeny marks a BLOCK produced by default_verdict.
	RuleIDDefaultDeny = "__default_deny__"
	// RuleIDKillSwitch marks a BLOCK produced by the engaged kill switch.
	RuleIDKillSwitch = "__kill_switch__"
	// RuleIDError marks a fail-open or fail-closed decision after an
	// unexpected evaluation error.
	RuleIDError = "__error__"
	// RuleIDDisabled marks an ALLOW produced while the shield is disabled.
	RuleIDDisabled = "__disabled__"
)

// MaxPatternLength caps every regex loaded from YAML. Longer patterns are
// rejected at load time to keep worst-case matching bounded.
const MaxPatternLength = 500

// MaxExprLength caps CEL expressions in `when.expr`.
const MaxExprLength = 1024

// ToolPattern matches tool names against one or more patterns. A pattern is
// an exact name or a glob; `tool: exec`, `tool: [exec, shell]` and
// `tool: "exec_*"` are all accepted.
type ToolPattern struct {
	// Patterns are the accepted name patterns in declaration order.
	Patterns []string
}

// UnmarshalYAML accepts either a scalar pattern or a sequence of patterns.
func (t *ToolPattern) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		t.Patterns = []string{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		t.Patterns = list
		return nil
	default:
		return &yaml.TypeError{Errors: []string{
			"tool must be a string or a list of strings",
		}}
	}
}

// MarshalYAML renders a single pattern as a scalar and several as a list.
func (t ToolPattern) MarshalYAML() (interface{}, error) {
	if len(t.Patterns) == 1 {
		return t.Patterns[0], nil
	}
	return t.Patterns, nil
}

// Matches reports whether name is accepted by any of the patterns.
func (t ToolPattern) Matches(name string) bool {
	for _, p := range t.Patterns {
		if MatchPattern(p, name) {
			return true
		}
	}
	return false
}

// MatchPattern matches a tool name against an exact name or glob pattern.
// A lone "*" matches everything.
func MatchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == name {
		return true
	}
	matched, err := filepath.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}

// ChainCondition is a temporal predicate over a session's recent events:
// at least MinCount events whose tool matches Tool occurred within
// WithinSeconds, optionally restricted to a single verdict.
type ChainCondition struct {
	// Tool is the name pattern the counted events must match.
	Tool string `yaml:"tool"`
	// WithinSeconds is the lookback window.
	WithinSeconds int `yaml:"within_seconds"`
	// MinCount is the number of matching events required.
	MinCount int `yaml:"min_count"`
	// Verdict optionally restricts counting to events with this verdict.
	// A nil filter counts all verdicts; the distinction is deliberate.
	Verdict *Verdict `yaml:"verdict,omitempty"`
}

// Within returns the lookback window as a duration.
func (c ChainCondition) Within() time.Duration {
	return time.Duration(c.WithinSeconds) * time.Second
}

// SessionCondition matches against accumulated session state.
type SessionCondition struct {
	// HasTaint matches when the session's tainted-PII set intersects
	// these type names.
	HasTaint []string `yaml:"has_taint"`
}

// TaintChain configures PII propagation tracking for a rule. After a
// post-check scan of a tool result detects PII, the detected types
// (restricted to Types when non-empty) are added to the session taint set.
// Later calls matching the same rule while the session carries that taint
// are escalated per On.
type TaintChain struct {
	// Types restricts which PII types are tracked; empty tracks all.
	Types []string `yaml:"types,omitempty"`
	// On is the escalation applied to tainted calls: block or redact.
	On Action `yaml:"on"`
}

// RateLimit bounds how often a rule may fire per session.
type RateLimit struct {
	// MaxCalls is the number of matched calls permitted per window.
	MaxCalls int `yaml:"max_calls"`
	// WindowSeconds is the sliding window length.
	WindowSeconds int `yaml:"window_seconds"`
}

// Window returns the sliding window as a duration.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// Honeypot declares a decoy tool pattern. Any call matching it is blocked
// unconditionally, even in audit mode.
type Honeypot struct {
	// Tool is the decoy tool name pattern (glob allowed).
	Tool string `yaml:"tool"`
}

// When is the predicate part of a rule. All present clauses must hold.
type When struct {
	// Tool matches the tool name (exact, list, or glob).
	Tool ToolPattern `yaml:"tool"`
	// Args maps argument fields to predicates.
	Args map[string]*ArgPredicate `yaml:"args,omitempty"`
	// Chain is an optional temporal condition over recent session events.
	Chain *ChainCondition `yaml:"chain,omitempty"`
	// Session is an optional predicate over accumulated session state.
	Session *SessionCondition `yaml:"session,omitempty"`
	// Expr is an optional CEL boolean expression, compiled when the rule
	// set is activated.
	Expr string `yaml:"expr,omitempty"`
}

// Rule is one YAML-authored policy rule. Rules are evaluated in declaration
// order and the first match wins.
type Rule struct {
	// ID uniquely identifies the rule within its set.
	ID string `yaml:"id"`
	// When is the match predicate.
	When When `yaml:"when"`
	// Then is the action taken when the rule matches.
	Then Action `yaml:"then"`
	// Severity classifies the rule; defaults to medium.
	Severity Severity `yaml:"severity,omitempty"`
	// Message is returned to the caller when the rule fires.
	Message string `yaml:"message,omitempty"`
	// RateLimit optionally bounds how often the rule may fire per session.
	RateLimit *RateLimit `yaml:"rate_limit,omitempty"`
	// ApprovalStrategy controls approval reuse for approve rules;
	// defaults to once.
	ApprovalStrategy ApprovalStrategy `yaml:"approval_strategy,omitempty"`
	// TaintChain optionally enables PII propagation tracking.
	TaintChain *TaintChain `yaml:"taint_chain,omitempty"`
}

// SanitizerConfig is the RuleSet-level opt-out for the built-in detectors.
type SanitizerConfig struct {
	// Enabled turns the sanitizer off entirely when false; nil means on.
	Enabled *bool `yaml:"enabled,omitempty"`
	// Detectors restricts which detectors run; empty runs all.
	Detectors []string `yaml:"detectors,omitempty"`
}

// On reports whether the sanitizer should run at all.
func (s SanitizerConfig) On() bool {
	return s.Enabled == nil || *s.Enabled
}

// RuleSet is a fully loaded, validated and compiled configuration.
// It is immutable once built; hot reload swaps the whole value atomically.
type RuleSet struct {
	// ShieldName identifies this shield in health output and traces.
	ShieldName string
	// Version is the rule format version (currently 1).
	Version int
	// DefaultVerdict applies when no rule, honeypot, sanitizer or kill
	// switch fires: ALLOW or BLOCK.
	DefaultVerdict Verdict
	// Rules in declaration order.
	Rules []Rule
	// Honeypots are decoy tool patterns.
	Honeypots []Honeypot
	// PIIPatterns are custom PII types (name -> regex source) extending
	// or overriding the built-in catalog.
	PIIPatterns map[string]string
	// RateLimits is the top-level rule-id-keyed limit table. The loader
	// merges it into Rules; it is retained for serialization round-trips.
	RateLimits map[string]RateLimit
	// Sanitizer is the built-in detector opt-out.
	Sanitizer SanitizerConfig
	// Hash is the stable hex digest of the canonicalized YAML.
	Hash string
	// Source is the path the set was loaded from, for diagnostics.
	Source string

	canonical []byte
}

// Canonical returns the canonicalized YAML the hash was computed over:
// the document after include splicing and environment expansion. Writing it
// back out and reloading yields the same hash.
func (rs *RuleSet) Canonical() []byte {
	out := make([]byte, len(rs.canonical))
	copy(out, rs.canonical)
	return out
}

// RuleByID returns the rule with the given id, or nil.
func (rs *RuleSet) RuleByID(id string) *Rule {
	for i := range rs.Rules {
		if rs.Rules[i].ID == id {
			return &rs.Rules[i]
		}
	}
	return nil
}

// IsHoneypot reports whether the tool name matches any honeypot pattern.
func (rs *RuleSet) IsHoneypot(tool string) bool {
	for _, h := range rs.Honeypots {
		if MatchPattern(h.Tool, tool) {
			return true
		}
	}
	return false
}
