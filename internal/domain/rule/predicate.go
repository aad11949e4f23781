package rule

import (
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// PIIProbe reports whether a string contains detectable PII. The matcher
// supplies one backed by the active detector; predicate evaluation itself
// stays free of detector state.
type PIIProbe func(s string) bool

// ArgPredicate matches a single argument value. Exactly one variant is set;
// the loader rejects predicates with zero or several variants.
type ArgPredicate struct {
	// Equals requires deep equality with this value. Numbers compare
	// numerically regardless of YAML/JSON representation.
	Equals any
	// Contains requires a string value containing this substring.
	Contains *string
	// Regex requires a string value matching this pattern (<= 500 chars).
	Regex *string
	// Glob requires a string value matching this glob pattern.
	Glob *string
	// HasPII requires (true) or forbids (false) detectable PII anywhere
	// in the value, including nested structures.
	HasPII *bool
	// Any applies a sub-predicate that must hold for at least one element
	// of a mapping or sequence value.
	Any *ArgPredicate
	// All applies a sub-predicate that must hold for every element of a
	// mapping or sequence value.
	All *ArgPredicate

	hasEquals bool
	re        *regexp.Regexp
	line      int
}

// UnmarshalYAML decodes a predicate mapping, rejecting unknown keys with
// their source line.
func (p *ArgPredicate) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: predicate must be a mapping", node.Line)
	}
	p.line = node.Line
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "equals":
			if err := val.Decode(&p.Equals); err != nil {
				return err
			}
			p.hasEquals = true
		case "contains":
			p.Contains = new(string)
			if err := val.Decode(p.Contains); err != nil {
				return err
			}
		case "regex":
			p.Regex = new(string)
			if err := val.Decode(p.Regex); err != nil {
				return err
			}
		case "glob":
			p.Glob = new(string)
			if err := val.Decode(p.Glob); err != nil {
				return err
			}
		case "has_pii":
			p.HasPII = new(bool)
			if err := val.Decode(p.HasPII); err != nil {
				return err
			}
		case "_any":
			p.Any = new(ArgPredicate)
			if err := val.Decode(p.Any); err != nil {
				return err
			}
		case "_all":
			p.All = new(ArgPredicate)
			if err := val.Decode(p.All); err != nil {
				return err
			}
		default:
			return fmt.Errorf("line %d: unknown predicate key %q (want equals, contains, regex, glob, has_pii, _any or _all)",
				key.Line, key.Value)
		}
	}
	return nil
}

// MarshalYAML renders the single set variant back to its YAML shape.
func (p *ArgPredicate) MarshalYAML() (interface{}, error) {
	switch {
	case p.hasEquals:
		return map[string]any{"equals": p.Equals}, nil
	case p.Contains != nil:
		return map[string]any{"contains": *p.Contains}, nil
	case p.Regex != nil:
		return map[string]any{"regex": *p.Regex}, nil
	case p.Glob != nil:
		return map[string]any{"glob": *p.Glob}, nil
	case p.HasPII != nil:
		return map[string]any{"has_pii": *p.HasPII}, nil
	case p.Any != nil:
		return map[string]any{"_any": p.Any}, nil
	case p.All != nil:
		return map[string]any{"_all": p.All}, nil
	}
	return map[string]any{}, nil
}

// Describe renders the predicate as a short human-readable phrase for the
// constraints digest.
func (p *ArgPredicate) Describe() string {
	switch {
	case p.hasEquals:
		return fmt.Sprintf("equals %v", p.Equals)
	case p.Contains != nil:
		return fmt.Sprintf("contains %q", *p.Contains)
	case p.Regex != nil:
		return fmt.Sprintf("matches /%s/", *p.Regex)
	case p.Glob != nil:
		return fmt.Sprintf("matches glob %q", *p.Glob)
	case p.HasPII != nil:
		if *p.HasPII {
			return "contains PII"
		}
		return "is free of PII"
	case p.Any != nil:
		return "has any element that " + p.Any.Describe()
	case p.All != nil:
		return "has every element " + p.All.Describe()
	}
	return "matches"
}

// compile validates variant arity, enforces the pattern length cap and
// pre-compiles the regex variant. Regex problems come back as *PatternError
// (line set, file filled in by the loader).
func (p *ArgPredicate) compile() error {
	n := 0
	if p.hasEquals {
		n++
	}
	for _, set := range []bool{
		p.Contains != nil, p.Regex != nil, p.Glob != nil,
		p.HasPII != nil, p.Any != nil, p.All != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one predicate variant required, got %d", n)
	}

	if p.Regex != nil {
		if len(*p.Regex) > MaxPatternLength {
			return &PatternError{Line: p.line, Err: fmt.Errorf(
				"pattern is %d chars, max %d", len(*p.Regex), MaxPatternLength)}
		}
		re, err := regexp.Compile(*p.Regex)
		if err != nil {
			return &PatternError{Line: p.line, Err: err}
		}
		p.re = re
	}
	if p.Glob != nil {
		if _, err := filepath.Match(*p.Glob, "probe"); err != nil {
			return fmt.Errorf("invalid glob %q: %v", *p.Glob, err)
		}
	}
	if p.Any != nil {
		return p.Any.compile()
	}
	if p.All != nil {
		return p.All.compile()
	}
	return nil
}

// Matches evaluates the predicate against an argument value. probe answers
// has_pii variants and may be nil (has_pii then never matches true).
func (p *ArgPredicate) Matches(v any, probe PIIProbe) bool {
	switch {
	case p.hasEquals:
		return valuesEqual(p.Equals, v)
	case p.Contains != nil:
		s, ok := v.(string)
		return ok && strings.Contains(s, *p.Contains)
	case p.Regex != nil:
		s, ok := v.(string)
		return ok && p.re != nil && p.re.MatchString(s)
	case p.Glob != nil:
		s, ok := v.(string)
		return ok && MatchPattern(*p.Glob, s)
	case p.HasPII != nil:
		found := false
		if probe != nil {
			walkStrings(v, func(s string) bool {
				if probe(s) {
					found = true
					return false
				}
				return true
			})
		}
		return found == *p.HasPII
	case p.Any != nil:
		for _, e := range elementsOf(v) {
			if p.Any.Matches(e, probe) {
				return true
			}
		}
		return false
	case p.All != nil:
		for _, e := range elementsOf(v) {
			if !p.All.Matches(e, probe) {
				return false
			}
		}
		return true
	}
	return false
}

// elementsOf returns the values of a mapping, the elements of a sequence,
// or the value itself as a single element for scalars.
func elementsOf(v any) []any {
	switch x := v.(type) {
	case map[string]any:
		out := make([]any, 0, len(x))
		for _, e := range x {
			out = append(out, e)
		}
		return out
	case []any:
		return x
	default:
		return []any{v}
	}
}

// walkStrings visits every string inside v, recursing through maps and
// slices. fn returns false to stop the walk.
func walkStrings(v any, fn func(string) bool) bool {
	switch x := v.(type) {
	case string:
		return fn(x)
	case map[string]any:
		for _, e := range x {
			if !walkStrings(e, fn) {
				return false
			}
		}
	case []any:
		for _, e := range x {
			if !walkStrings(e, fn) {
				return false
			}
		}
	}
	return true
}

// valuesEqual compares two dynamic values with numeric normalization, so a
// YAML `equals: 5` matches a JSON 5 even though one decodes as int and the
// other as float64.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}
