// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/pii"
	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/session"
	"github.com/policyshield/policyshield/internal/domain/trace"
)

// Mode selects how verdicts are enforced.
type Mode string

const (
	// ModeEnforce applies verdicts as decided.
	ModeEnforce Mode = "enforce"
	// ModeAudit rewrites BLOCK and REDACT to ALLOW while tracing what
	// enforce mode would have decided. Kill switch and honeypots still
	// block.
	ModeAudit Mode = "audit"
	// ModeDisabled allows everything without evaluating rules. The kill
	// switch still wins.
	ModeDisabled Mode = "disabled"
)

// FailMode selects the verdict after an unexpected evaluation error.
type FailMode string

const (
	// FailOpen allows the call on evaluation errors.
	FailOpen FailMode = "open"
	// FailClosed blocks the call on evaluation errors.
	FailClosed FailMode = "closed"
)

// DefaultSessionID is the shared session used when a request names none.
const DefaultSessionID = "default"

// DefaultMaxResultBytes caps how much of a tool result PostCheck scans.
const DefaultMaxResultBytes = 10_000

// ShieldResult is the outcome of one Check.
type ShieldResult struct {
	Verdict      rule.Verdict
	RuleID       string
	Message      string
	ModifiedArgs map[string]any
	ApprovalID   string
	PIIMatches   []PIIMatch
	PIITypes     []string // distinct types from PIIMatches, first-seen order
}

// PIIMatch is one detected occurrence: the type, the argument path it was
// found under, and the marker that replaced the value.
type PIIMatch struct {
	Type     string
	Field    string
	Redacted string
}

// PostCheckResult is the outcome of one PostCheck.
type PostCheckResult struct {
	PIITypes       []string
	RedactedOutput string
}

// killState is the immutable kill-switch value swapped atomically.
type killState struct {
	engaged bool
	reason  string
}

type decisionCounters struct {
	allow   atomic.Int64
	block   atomic.Int64
	redact  atomic.Int64
	approve atomic.Int64
}

func (c *decisionCounters) bump(v rule.Verdict) {
	switch v {
	case rule.VerdictAllow:
		c.allow.Add(1)
	case rule.VerdictBlock:
		c.block.Add(1)
	case rule.VerdictRedact:
		c.redact.Add(1)
	case rule.VerdictApprove:
		c.approve.Add(1)
	}
}

// Engine decides verdicts for tool calls. Rule set reads go through the
// lock-free snapshot, session state carries its own locks and the kill
// switch is an atomic pointer, so checks never serialize on each other.
type Engine struct {
	rulesets  *RulesetService
	matcher   *Matcher
	sessions  session.Store
	approvals *approval.Manager
	recorder  trace.Recorder
	logger    *slog.Logger

	mode           Mode
	failMode       FailMode
	maxResultBytes int

	kill    atomic.Pointer[killState]
	decided decisionCounters
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMode sets the enforcement mode.
func WithMode(m Mode) EngineOption {
	return func(e *Engine) { e.mode = m }
}

// WithFailMode sets the verdict policy for evaluation errors.
func WithFailMode(f FailMode) EngineOption {
	return func(e *Engine) { e.failMode = f }
}

// WithMaxResultBytes caps the tool result size PostCheck scans.
func WithMaxResultBytes(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxResultBytes = n
		}
	}
}

// NewEngine wires a decision engine. Defaults: enforce mode, fail open,
// 10kB post-check cap.
func NewEngine(rulesets *RulesetService, sessions session.Store, approvals *approval.Manager, recorder trace.Recorder, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		rulesets:       rulesets,
		matcher:        NewMatcher(rulesets.eval),
		sessions:       sessions,
		approvals:      approvals,
		recorder:       recorder,
		logger:         logger,
		mode:           ModeEnforce,
		failMode:       FailOpen,
		maxResultBytes: DefaultMaxResultBytes,
	}
	e.kill.Store(&killState{})
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode returns the enforcement mode.
func (e *Engine) Mode() Mode { return e.mode }

// Kill engages the kill switch. Every subsequent check blocks until
// Resume, audit mode included.
func (e *Engine) Kill(reason string) {
	e.kill.Store(&killState{engaged: true, reason: reason})
	e.logger.Warn("kill switch engaged", "reason", reason)
}

// Resume releases the kill switch.
func (e *Engine) Resume() {
	e.kill.Store(&killState{})
	e.logger.Info("kill switch released")
}

// Killed reports the kill switch state and its reason.
func (e *Engine) Killed() (bool, string) {
	ks := e.kill.Load()
	return ks.engaged, ks.reason
}

// DecisionCounts returns the number of decisions per verdict since start.
func (e *Engine) DecisionCounts() map[string]int64 {
	return map[string]int64{
		string(rule.VerdictAllow):   e.decided.allow.Load(),
		string(rule.VerdictBlock):   e.decided.block.Load(),
		string(rule.VerdictRedact):  e.decided.redact.Load(),
		string(rule.VerdictApprove): e.decided.approve.Load(),
	}
}

// Check decides the verdict for one tool call.
func (e *Engine) Check(ctx context.Context, toolName string, args map[string]any, sessionID, sender string) ShieldResult {
	now := time.Now().UTC()
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	if args == nil {
		args = map[string]any{}
	}

	// The kill switch wins over everything, disabled mode included.
	if ks := e.kill.Load(); ks.engaged {
		msg := "kill switch engaged"
		if ks.reason != "" {
			msg += ": " + ks.reason
		}
		res := ShieldResult{
			Verdict: rule.VerdictBlock,
			RuleID:  rule.RuleIDKillSwitch,
			Message: msg,
		}
		return e.finish(now, toolName, args, sessionID, res, true)
	}

	if e.mode == ModeDisabled {
		res := ShieldResult{Verdict: rule.VerdictAllow, RuleID: rule.RuleIDDisabled}
		return e.finish(now, toolName, args, sessionID, res, false)
	}

	res, err := e.decide(e.rulesets.Snapshot(), now, toolName, args, sessionID)
	if err != nil {
		e.logger.Warn("check evaluation failed",
			"tool", toolName,
			"session_id", sessionID,
			"sender", sender,
			"error", err,
		)
		res = ShieldResult{RuleID: rule.RuleIDError, Message: "evaluation error"}
		res.Verdict = rule.VerdictAllow
		if e.failMode == FailClosed {
			res.Verdict = rule.VerdictBlock
		}
	}
	return e.finish(now, toolName, args, sessionID, res, true)
}

// decide runs honeypots, the sanitizer, the matcher and the verdict
// mapping. It returns the pre-audit result.
func (e *Engine) decide(snap *Snapshot, now time.Time, tool string, args map[string]any, sessionID string) (ShieldResult, error) {
	var res ShieldResult

	if snap.Rules.IsHoneypot(tool) {
		res.Verdict = rule.VerdictBlock
		res.RuleID = rule.RuleIDHoneypot
		res.Message = "honeypot triggered"
		return res, nil
	}

	if snap.Sanitizer != nil {
		if findings := snap.Sanitizer.Inspect(args); len(findings) > 0 {
			f := findings[0]
			res.Verdict = rule.VerdictBlock
			res.RuleID = rule.RuleIDSanitizer
			res.Message = fmt.Sprintf("%s in %s", f.Detector, f.Field)
			return res, nil
		}
	}

	sess := e.sessions.GetOrCreate(sessionID)

	r, err := e.matcher.Match(snap, tool, args, sess, now)
	if err != nil {
		return res, err
	}

	if r == nil {
		if snap.Rules.DefaultVerdict == rule.VerdictBlock {
			res.Verdict = rule.VerdictBlock
			res.RuleID = rule.RuleIDDefaultDeny
			res.Message = "no rule matched"
		} else {
			res.Verdict = rule.VerdictAllow
		}
		return res, nil
	}

	res.RuleID = r.ID
	res.Message = r.Message

	switch r.Then {
	case rule.ActionBlock:
		res.Verdict = rule.VerdictBlock
	case rule.ActionRedact:
		e.applyRedact(snap, &res, args)
	case rule.ActionApprove:
		rec, created := e.approvals.Create(r.ID, tool, args, sessionID, r.ApprovalStrategy)
		switch {
		case !created && rec.RuleID != r.ID && snap.Rules.RuleByID(rec.RuleID) == nil:
			// De-duplication can hand back a record parked under a rule
			// that a reload has since removed. A grant without an owning
			// rule never carries over to the rule matched now.
			res.Verdict = rule.VerdictBlock
			res.Message = "rule_removed"
		case created || rec.Status == approval.StatusPending:
			res.Verdict = rule.VerdictApprove
			res.ApprovalID = rec.ID
		case rec.Status == approval.StatusApproved:
			res.Verdict = rule.VerdictAllow
		default:
			res.Verdict = rule.VerdictBlock
			res.Message = "approval denied"
		}
	default:
		res.Verdict = rule.VerdictAllow
	}

	// Taint escalation only tightens a verdict, never loosens one.
	if tc := r.TaintChain; tc != nil {
		if hits := taintHits(sess, tc.Types); len(hits) > 0 {
			switch tc.On {
			case rule.ActionBlock:
				if res.Verdict != rule.VerdictBlock {
					res.Verdict = rule.VerdictBlock
					res.ApprovalID = ""
					res.ModifiedArgs = nil
					res.Message = "session tainted with " + strings.Join(hits, ", ")
				}
			case rule.ActionRedact:
				if res.Verdict == rule.VerdictAllow {
					e.applyRedact(snap, &res, args)
					res.Message = "session tainted with " + strings.Join(hits, ", ")
				}
			}
		}
	}

	if rl := r.RateLimit; rl != nil {
		if !sess.AllowRate(r.ID, rl.MaxCalls, rl.Window(), now) {
			res.Verdict = rule.VerdictBlock
			res.ApprovalID = ""
			res.ModifiedArgs = nil
			res.Message = fmt.Sprintf("rate limit exceeded: %d calls per %ds", rl.MaxCalls, rl.WindowSeconds)
		}
	}

	return res, nil
}

func (e *Engine) applyRedact(snap *Snapshot, res *ShieldResult, args map[string]any) {
	matches := snap.Detector.ScanValue(args)
	res.PIITypes = pii.Types(matches)
	if len(matches) > 0 {
		res.PIIMatches = make([]PIIMatch, len(matches))
		for i, m := range matches {
			res.PIIMatches[i] = PIIMatch{Type: m.Type, Field: m.Field, Redacted: pii.Marker(m.Type)}
		}
	}
	if red, ok := snap.Detector.RedactValue(args).(map[string]any); ok {
		res.ModifiedArgs = red
	}
	res.Verdict = rule.VerdictRedact
}

// finish applies the audit downgrade, mutates session state, traces the
// decision and bumps counters. The trace and the session event carry the
// pre-downgrade verdict; the counter follows the effective one, since
// that is the call that actually runs.
func (e *Engine) finish(now time.Time, tool string, args map[string]any, sessionID string, res ShieldResult, mutate bool) ShieldResult {
	original := res.Verdict

	if e.mode == ModeAudit &&
		res.RuleID != rule.RuleIDKillSwitch &&
		res.RuleID != rule.RuleIDHoneypot &&
		(res.Verdict == rule.VerdictBlock || res.Verdict == rule.VerdictRedact) {
		res.Verdict = rule.VerdictAllow
		res.ModifiedArgs = nil
	}

	if mutate {
		sess := e.sessions.GetOrCreate(sessionID)
		if res.Verdict == rule.VerdictAllow || res.Verdict == rule.VerdictRedact {
			sess.Increment()
		}
		sess.AppendEvent(session.Event{Tool: tool, Verdict: original, RuleID: res.RuleID, At: now})
		sess.Touch(now)
	}

	e.decided.bump(res.Verdict)

	e.recorder.Record(trace.Record{
		Timestamp: now,
		SessionID: sessionID,
		ToolName:  tool,
		Verdict:   original,
		RuleID:    res.RuleID,
		PIITypes:  res.PIITypes,
		Message:   res.Message,
		ArgsHash:  trace.ArgsHash(args),
	})

	return res
}

// PostCheck scans a tool result for PII and reports what it found along
// with a redacted copy. When the call's matched rule tracks taint, the
// detected types are unioned into the session taint set.
func (e *Engine) PostCheck(ctx context.Context, toolName string, args map[string]any, result string, sessionID string) PostCheckResult {
	now := time.Now().UTC()
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	if args == nil {
		args = map[string]any{}
	}
	if len(result) > e.maxResultBytes {
		result = result[:e.maxResultBytes]
	}

	snap := e.rulesets.Snapshot()

	matches := snap.Detector.Scan(result)
	types := pii.Types(matches)
	redacted := result
	if len(matches) > 0 {
		redacted = snap.Detector.Redact(result)
	}

	if len(types) > 0 {
		sess := e.sessions.GetOrCreate(sessionID)
		r, err := e.matcher.Match(snap, toolName, args, sess, now)
		if err != nil {
			e.logger.Warn("post-check match failed",
				"tool", toolName,
				"session_id", sessionID,
				"error", err,
			)
		} else if r != nil && r.TaintChain != nil {
			taints := intersectTypes(types, r.TaintChain.Types)
			if len(taints) > 0 {
				sess.AddTaints(taints)
				sess.Touch(now)
				e.logger.Info("session tainted",
					"session_id", sessionID,
					"tool", toolName,
					"rule_id", r.ID,
					"types", strings.Join(taints, ","),
				)
			}
		}
	}

	return PostCheckResult{PIITypes: types, RedactedOutput: redacted}
}

// taintHits returns the session taints a taint chain tracks. An empty
// filter tracks every taint.
func taintHits(sess *session.State, types []string) []string {
	all := sess.Taints()
	if len(types) == 0 {
		return all
	}
	tracked := make(map[string]struct{}, len(types))
	for _, t := range types {
		tracked[t] = struct{}{}
	}
	var hits []string
	for _, t := range all {
		if _, ok := tracked[t]; ok {
			hits = append(hits, t)
		}
	}
	return hits
}

// intersectTypes filters detected PII types to those a taint chain
// tracks. An empty filter keeps everything.
func intersectTypes(detected, tracked []string) []string {
	if len(tracked) == 0 {
		return detected
	}
	keep := make(map[string]struct{}, len(tracked))
	for _, t := range tracked {
		keep[t] = struct{}{}
	}
	var out []string
	for _, t := range detected {
		if _, ok := keep[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
