package rule

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/policyshield/policyshield/internal/domain/pii"
	"github.com/policyshield/policyshield/internal/domain/sanitize"
)

// maxIncludeDepth bounds nested !include chains.
const maxIncludeDepth = 10

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// document is the YAML shape of a rules file.
type document struct {
	ShieldName     string               `yaml:"shield_name"`
	Version        int                  `yaml:"version"`
	DefaultVerdict Verdict              `yaml:"default_verdict"`
	Honeypots      []Honeypot           `yaml:"honeypots"`
	Sanitizer      *SanitizerConfig     `yaml:"sanitizer"`
	PIIPatterns    map[string]string    `yaml:"pii_patterns"`
	RateLimits     map[string]RateLimit `yaml:"rate_limits"`
	Rules          []Rule               `yaml:"rules"`
}

// Load reads, validates and compiles a rules file.
//
// The pipeline: parse to a node tree, splice !include directives (paths
// relative to the including file), expand ${ENV_VAR} in scalars, re-marshal
// to the canonical form, hash it, then strictly decode (unknown keys are
// rejected everywhere) and validate. The returned RuleSet is immutable.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{File: path, Err: fmt.Errorf("read rules file: %w", err)}
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ParseError{File: path, Err: err}
	}
	if len(root.Content) == 0 {
		return nil, &ValidationError{File: path, Err: fmt.Errorf("rules file is empty")}
	}
	if root.Content[0].Kind != yaml.MappingNode {
		return nil, &ValidationError{File: path, Line: root.Content[0].Line,
			Err: fmt.Errorf("rules file must be a YAML mapping")}
	}

	dir := filepath.Dir(path)
	if err := spliceIncludes(root.Content[0], dir, path, 0); err != nil {
		return nil, err
	}
	if err := expandEnv(root.Content[0], path); err != nil {
		return nil, err
	}

	canonical, err := yaml.Marshal(&root)
	if err != nil {
		return nil, &ParseError{File: path, Err: fmt.Errorf("canonicalize: %w", err)}
	}
	hash := fmt.Sprintf("%016x", xxhash.Sum64(canonical))

	dec := yaml.NewDecoder(bytes.NewReader(canonical))
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{File: path, Err: err}
	}

	lines := collectLines(root.Content[0])
	if err := validateAndCompile(&doc, path, lines); err != nil {
		return nil, err
	}

	return &RuleSet{
		ShieldName:     doc.ShieldName,
		Version:        doc.Version,
		DefaultVerdict: doc.DefaultVerdict,
		Rules:          doc.Rules,
		Honeypots:      doc.Honeypots,
		PIIPatterns:    doc.PIIPatterns,
		RateLimits:     doc.RateLimits,
		Sanitizer:      sanitizerOrDefault(doc.Sanitizer),
		Hash:           hash,
		Source:         path,
		canonical:      canonical,
	}, nil
}

func sanitizerOrDefault(cfg *SanitizerConfig) SanitizerConfig {
	if cfg == nil {
		return SanitizerConfig{}
	}
	return *cfg
}

// spliceIncludes replaces every !include node with the parsed content of
// the referenced file. Nested includes resolve relative to their own file.
func spliceIncludes(node *yaml.Node, dir, file string, depth int) error {
	if node == nil {
		return nil
	}
	if node.Tag == "!include" {
		if depth >= maxIncludeDepth {
			return &IncludeError{File: file, Line: node.Line,
				Err: fmt.Errorf("include depth exceeds %d", maxIncludeDepth)}
		}
		if node.Kind != yaml.ScalarNode || node.Value == "" {
			return &IncludeError{File: file, Line: node.Line,
				Err: fmt.Errorf("!include expects a file name")}
		}
		name := node.Value
		if filepath.IsAbs(name) || hasDotDot(name) {
			return &IncludeError{File: file, Line: node.Line,
				Err: fmt.Errorf("include %q must be a relative sibling path", name)}
		}
		incPath := filepath.Join(dir, name)
		data, err := os.ReadFile(incPath)
		if err != nil {
			return &IncludeError{File: file, Line: node.Line,
				Err: fmt.Errorf("include %q: %w", name, err)}
		}
		var sub yaml.Node
		if err := yaml.Unmarshal(data, &sub); err != nil {
			return &ParseError{File: incPath, Err: err}
		}
		if len(sub.Content) == 0 {
			return &IncludeError{File: file, Line: node.Line,
				Err: fmt.Errorf("include %q: file is empty", name)}
		}
		content := sub.Content[0]
		if err := spliceIncludes(content, filepath.Dir(incPath), incPath, depth+1); err != nil {
			return err
		}
		*node = *content
		return nil
	}
	for _, child := range node.Content {
		if err := spliceIncludes(child, dir, file, depth); err != nil {
			return err
		}
	}
	return nil
}

func hasDotDot(name string) bool {
	for _, el := range strings.Split(filepath.ToSlash(name), "/") {
		if el == ".." {
			return true
		}
	}
	return false
}

// expandEnv substitutes ${ENV_VAR} in every scalar. An unset variable is an
// error: silently expanding to empty would weaken a policy file.
func expandEnv(node *yaml.Node, file string) error {
	if node == nil {
		return nil
	}
	if node.Kind == yaml.ScalarNode && strings.Contains(node.Value, "${") {
		var missing string
		expanded := envPattern.ReplaceAllStringFunc(node.Value, func(m string) string {
			name := envPattern.FindStringSubmatch(m)[1]
			val, ok := os.LookupEnv(name)
			if !ok && missing == "" {
				missing = name
			}
			return val
		})
		if missing != "" {
			return &ValidationError{File: file, Line: node.Line,
				Err: fmt.Errorf("environment variable %s is not set", missing)}
		}
		node.Value = expanded
	}
	for _, child := range node.Content {
		if err := expandEnv(child, file); err != nil {
			return err
		}
	}
	return nil
}

// docLines maps rule and honeypot indexes back to source lines for
// validation errors.
type docLines struct {
	rules     []int
	honeypots []int
}

func collectLines(mapping *yaml.Node) docLines {
	var lines docLines
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key, val := mapping.Content[i], mapping.Content[i+1]
		if val.Kind != yaml.SequenceNode {
			continue
		}
		switch key.Value {
		case "rules":
			for _, item := range val.Content {
				lines.rules = append(lines.rules, item.Line)
			}
		case "honeypots":
			for _, item := range val.Content {
				lines.honeypots = append(lines.honeypots, item.Line)
			}
		}
	}
	return lines
}

func (l docLines) rule(i int) int {
	if i < len(l.rules) {
		return l.rules[i]
	}
	return 0
}

func (l docLines) honeypot(i int) int {
	if i < len(l.honeypots) {
		return l.honeypots[i]
	}
	return 0
}

// validateAndCompile enforces the schema's semantic constraints, applies
// defaults, compiles predicate regexes and merges the top-level rate-limit
// table into the rules.
func validateAndCompile(doc *document, path string, lines docLines) error {
	fail := func(line int, format string, args ...any) error {
		return &ValidationError{File: path, Line: line, Err: fmt.Errorf(format, args...)}
	}

	if doc.Version != 1 {
		return fail(0, "unsupported version %d (want 1)", doc.Version)
	}
	if strings.TrimSpace(doc.ShieldName) == "" {
		return fail(0, "shield_name is required")
	}
	switch doc.DefaultVerdict {
	case "":
		doc.DefaultVerdict = VerdictAllow
	case VerdictAllow, VerdictBlock:
	default:
		return fail(0, "default_verdict must be ALLOW or BLOCK, got %q", doc.DefaultVerdict)
	}

	for i, h := range doc.Honeypots {
		if strings.TrimSpace(h.Tool) == "" {
			return fail(lines.honeypot(i), "honeypot %d: tool pattern is required", i)
		}
		if _, err := filepath.Match(h.Tool, "probe"); err != nil {
			return fail(lines.honeypot(i), "honeypot %d: invalid pattern %q", i, h.Tool)
		}
	}

	if doc.Sanitizer != nil {
		for _, d := range doc.Sanitizer.Detectors {
			if !sanitize.ValidDetector(d) {
				return fail(0, "sanitizer: unknown detector %q (want one of %s)",
					d, strings.Join(sanitize.DetectorNames(), ", "))
			}
		}
	}

	for name, pattern := range doc.PIIPatterns {
		if strings.TrimSpace(name) == "" {
			return fail(0, "pii_patterns: type name must not be empty")
		}
		if len(pattern) > MaxPatternLength {
			return &PatternError{File: path, Err: fmt.Errorf(
				"pii_patterns %s: pattern is %d chars, max %d", name, len(pattern), MaxPatternLength)}
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return &PatternError{File: path, Err: fmt.Errorf("pii_patterns %s: %w", name, err)}
		}
	}

	knownPII := func(name string) bool {
		if _, ok := doc.PIIPatterns[name]; ok {
			return true
		}
		return pii.BuiltinType(name)
	}

	seen := make(map[string]int, len(doc.Rules))
	for i := range doc.Rules {
		r := &doc.Rules[i]
		line := lines.rule(i)

		if strings.TrimSpace(r.ID) == "" {
			return fail(line, "rule %d: id is required", i)
		}
		if prev, dup := seen[r.ID]; dup {
			return fail(line, "rule %q: duplicate id (first declared as rule %d)", r.ID, prev)
		}
		seen[r.ID] = i

		if len(r.When.Tool.Patterns) == 0 {
			return fail(line, "rule %q: when.tool is required", r.ID)
		}
		for _, p := range r.When.Tool.Patterns {
			if strings.TrimSpace(p) == "" {
				return fail(line, "rule %q: empty tool pattern", r.ID)
			}
			if _, err := filepath.Match(p, "probe"); err != nil {
				return fail(line, "rule %q: invalid tool pattern %q", r.ID, p)
			}
		}

		for field, pred := range r.When.Args {
			if pred == nil {
				return fail(line, "rule %q: arg %q: predicate is required", r.ID, field)
			}
			if err := pred.compile(); err != nil {
				if perr, ok := err.(*PatternError); ok {
					perr.File = path
					if perr.Line == 0 {
						perr.Line = line
					}
					return perr
				}
				predLine := pred.line
				if predLine == 0 {
					predLine = line
				}
				return fail(predLine, "rule %q: arg %q: %v", r.ID, field, err)
			}
		}

		if c := r.When.Chain; c != nil {
			if strings.TrimSpace(c.Tool) == "" {
				return fail(line, "rule %q: chain.tool is required", r.ID)
			}
			if _, err := filepath.Match(c.Tool, "probe"); err != nil {
				return fail(line, "rule %q: invalid chain tool pattern %q", r.ID, c.Tool)
			}
			if c.WithinSeconds < 1 {
				return fail(line, "rule %q: chain.within_seconds must be >= 1", r.ID)
			}
			if c.MinCount < 1 {
				return fail(line, "rule %q: chain.min_count must be >= 1", r.ID)
			}
			if c.Verdict != nil && !c.Verdict.Valid() {
				return fail(line, "rule %q: chain.verdict %q is not a verdict", r.ID, *c.Verdict)
			}
		}

		if s := r.When.Session; s != nil {
			if len(s.HasTaint) == 0 {
				return fail(line, "rule %q: session.has_taint must name at least one PII type", r.ID)
			}
			for _, t := range s.HasTaint {
				if !knownPII(t) {
					return fail(line, "rule %q: session.has_taint: unknown PII type %q", r.ID, t)
				}
			}
		}

		if len(r.When.Expr) > MaxExprLength {
			return fail(line, "rule %q: expr is %d chars, max %d", r.ID, len(r.When.Expr), MaxExprLength)
		}

		if !r.Then.Valid() {
			return fail(line, "rule %q: then must be allow, block, redact or approve, got %q", r.ID, r.Then)
		}

		switch {
		case r.Severity == "":
			r.Severity = SeverityMedium
		case !r.Severity.Valid():
			return fail(line, "rule %q: severity %q is not low, medium, high or critical", r.ID, r.Severity)
		}

		switch {
		case r.ApprovalStrategy == "" && r.Then == ActionApprove:
			r.ApprovalStrategy = StrategyOnce
		case r.ApprovalStrategy != "" && r.Then != ActionApprove:
			return fail(line, "rule %q: approval_strategy requires then: approve", r.ID)
		case r.ApprovalStrategy != "" && !r.ApprovalStrategy.Valid():
			return fail(line, "rule %q: approval_strategy %q is not once, per_session, per_rule or per_tool",
				r.ID, r.ApprovalStrategy)
		}

		if rl := r.RateLimit; rl != nil {
			if rl.MaxCalls < 1 {
				return fail(line, "rule %q: rate_limit.max_calls must be >= 1", r.ID)
			}
			if rl.WindowSeconds < 1 {
				return fail(line, "rule %q: rate_limit.window_seconds must be >= 1", r.ID)
			}
		}

		if tc := r.TaintChain; tc != nil {
			if tc.On != ActionBlock && tc.On != ActionRedact {
				return fail(line, "rule %q: taint_chain.on must be block or redact, got %q", r.ID, tc.On)
			}
			for _, t := range tc.Types {
				if !knownPII(t) {
					return fail(line, "rule %q: taint_chain: unknown PII type %q", r.ID, t)
				}
			}
		}
	}

	for id, rl := range doc.RateLimits {
		idx, ok := seen[id]
		if !ok {
			return fail(0, "rate_limits references unknown rule %q", id)
		}
		if rl.MaxCalls < 1 {
			return fail(0, "rate_limits %s: max_calls must be >= 1", id)
		}
		if rl.WindowSeconds < 1 {
			return fail(0, "rate_limits %s: window_seconds must be >= 1", id)
		}
		if doc.Rules[idx].RateLimit == nil {
			limit := rl
			doc.Rules[idx].RateLimit = &limit
		}
	}

	return nil
}
