package service

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"

	celeval "github.com/policyshield/policyshield/internal/adapter/outbound/cel"
	"github.com/policyshield/policyshield/internal/domain/pii"
	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/sanitize"
)

// CompiledRule pairs a loaded rule with its pre-compiled expression
// program and its declaration position. Position drives candidate
// ordering: the first declared rule that matches wins.
type CompiledRule struct {
	Rule    *rule.Rule
	Program cel.Program // nil when the rule has no when.expr
	Pos     int
}

// RuleIndex provides O(1) lookup for rules whose tool patterns are all
// exact names. Rules with any glob pattern land in Wildcard and are
// merged back by declaration position at query time.
type RuleIndex struct {
	Exact    map[string][]CompiledRule
	Wildcard []CompiledRule
}

// Candidates returns the rules that may match the tool name, ordered by
// declaration position.
func (idx *RuleIndex) Candidates(tool string) []CompiledRule {
	exact := idx.Exact[tool]
	if len(exact) == 0 {
		return idx.Wildcard
	}
	if len(idx.Wildcard) == 0 {
		return exact
	}

	merged := make([]CompiledRule, 0, len(exact)+len(idx.Wildcard))
	i, j := 0, 0
	for i < len(exact) && j < len(idx.Wildcard) {
		if exact[i].Pos < idx.Wildcard[j].Pos {
			merged = append(merged, exact[i])
			i++
		} else {
			merged = append(merged, idx.Wildcard[j])
			j++
		}
	}
	merged = append(merged, exact[i:]...)
	merged = append(merged, idx.Wildcard[j:]...)
	return merged
}

func buildIndex(rules []CompiledRule) *RuleIndex {
	idx := &RuleIndex{Exact: make(map[string][]CompiledRule)}
	for _, cr := range rules {
		if hasGlob(cr.Rule.When.Tool.Patterns) {
			idx.Wildcard = append(idx.Wildcard, cr)
			continue
		}
		for _, p := range cr.Rule.When.Tool.Patterns {
			idx.Exact[p] = append(idx.Exact[p], cr)
		}
	}
	return idx
}

// hasGlob reports whether any pattern needs glob matching. A rule mixing
// exact and glob patterns is indexed as wildcard so it appears only once
// in the candidate list.
func hasGlob(patterns []string) bool {
	for _, p := range patterns {
		if strings.ContainsAny(p, "*?[") {
			return true
		}
	}
	return false
}

// Snapshot is the immutable compiled form of one rule set: the loaded
// rules, the tool index, and the PII detector and sanitizer derived from
// the set's configuration. Hot reload swaps the whole value atomically,
// so a check sees one consistent set end to end.
type Snapshot struct {
	Rules     *rule.RuleSet
	Compiled  []CompiledRule
	Index     *RuleIndex
	Detector  *pii.Detector
	Sanitizer *sanitize.Sanitizer // nil when disabled
	LoadedAt  time.Time
}

// RulesetService owns the active rule set. Reads are lock-free via an
// atomic snapshot; reloads are serialized and build the full candidate
// snapshot before swapping, so a bad file never evicts a good one.
type RulesetService struct {
	path     string
	eval     *celeval.Evaluator
	logger   *slog.Logger
	mu       sync.Mutex   // serializes Reload
	snapshot atomic.Value // holds *Snapshot
}

// NewRulesetService compiles the rules file at path and activates it.
func NewRulesetService(path string, logger *slog.Logger) (*RulesetService, error) {
	eval, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("build expression environment: %w", err)
	}
	s := &RulesetService{path: path, eval: eval, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the active compiled rule set.
func (s *RulesetService) Snapshot() *Snapshot {
	return s.snapshot.Load().(*Snapshot)
}

// Path returns the rules file the service loads from.
func (s *RulesetService) Path() string {
	return s.path
}

// Reload loads, validates and compiles the rules file and swaps it in.
// On any failure the active set stays in place and the error is
// returned to the caller.
func (s *RulesetService) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.build()
	if err != nil {
		return err
	}

	s.snapshot.Store(snap)
	s.logger.Info("rule set active",
		"shield", snap.Rules.ShieldName,
		"version", snap.Rules.Version,
		"rules", len(snap.Rules.Rules),
		"honeypots", len(snap.Rules.Honeypots),
		"default_verdict", string(snap.Rules.DefaultVerdict),
		"hash", snap.Rules.Hash,
	)
	return nil
}

func (s *RulesetService) build() (*Snapshot, error) {
	rs, err := rule.Load(s.path)
	if err != nil {
		return nil, err
	}

	detector, err := pii.New(rs.PIIPatterns)
	if err != nil {
		return nil, &rule.PatternError{File: rs.Source, Err: err}
	}

	var san *sanitize.Sanitizer
	if rs.Sanitizer.On() {
		san = sanitize.New(rs.Sanitizer.Detectors)
	}

	compiled := make([]CompiledRule, 0, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		cr := CompiledRule{Rule: r, Pos: i}
		if r.When.Expr != "" {
			prg, err := s.eval.Compile(r.When.Expr)
			if err != nil {
				return nil, &rule.ValidationError{
					File: rs.Source,
					Err:  fmt.Errorf("rule %q: %w", r.ID, err),
				}
			}
			cr.Program = prg
		}
		compiled = append(compiled, cr)
	}

	return &Snapshot{
		Rules:     rs,
		Compiled:  compiled,
		Index:     buildIndex(compiled),
		Detector:  detector,
		Sanitizer: san,
		LoadedAt:  time.Now().UTC(),
	}, nil
}
