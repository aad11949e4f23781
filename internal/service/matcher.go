package service

import (
	"fmt"
	"time"

	celeval "github.com/policyshield/policyshield/internal/adapter/outbound/cel"
	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/session"
)

// Matcher walks a snapshot's candidate rules in declaration order and
// returns the first whose whole predicate holds. Tool and argument
// matching are pure; chain and session conditions read session state;
// expressions run on the shared evaluator.
type Matcher struct {
	eval *celeval.Evaluator
}

// NewMatcher builds a Matcher on the given evaluator.
func NewMatcher(eval *celeval.Evaluator) *Matcher {
	return &Matcher{eval: eval}
}

// Match returns the first matching rule, or nil when none matches. An
// error means an expression failed at runtime; the caller decides how
// that maps to a verdict.
func (m *Matcher) Match(snap *Snapshot, tool string, args map[string]any, sess *session.State, now time.Time) (*rule.Rule, error) {
	for _, cr := range snap.Index.Candidates(tool) {
		r := cr.Rule
		if !r.When.Tool.Matches(tool) {
			continue
		}
		if !argsMatch(r.When.Args, args, snap.Detector.Probe) {
			continue
		}
		if c := r.When.Chain; c != nil {
			if sess.FindRecent(c.Tool, c.Within(), c.Verdict, now) < c.MinCount {
				continue
			}
		}
		if sc := r.When.Session; sc != nil {
			if !sess.HasAnyTaint(sc.HasTaint) {
				continue
			}
		}
		if cr.Program != nil {
			ok, err := m.eval.Evaluate(cr.Program, celeval.Activation{
				ToolName:  tool,
				Args:      args,
				SessionID: sess.ID(),
				Counter:   sess.Counter(),
				Taint:     sess.Taints(),
			})
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", r.ID, err)
			}
			if !ok {
				continue
			}
		}
		return r, nil
	}
	return nil, nil
}

// argsMatch reports whether every argument predicate holds. A predicate
// on a missing argument sees a nil value.
func argsMatch(preds map[string]*rule.ArgPredicate, args map[string]any, probe rule.PIIProbe) bool {
	for field, p := range preds {
		if !p.Matches(args[field], probe) {
			return false
		}
	}
	return true
}
