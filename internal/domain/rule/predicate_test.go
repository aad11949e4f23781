package rule

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func mustPredicate(t *testing.T, src string) *ArgPredicate {
	t.Helper()
	var p ArgPredicate
	if err := yaml.Unmarshal([]byte(src), &p); err != nil {
		t.Fatalf("unmarshal predicate %q: %v", src, err)
	}
	if err := p.compile(); err != nil {
		t.Fatalf("compile predicate %q: %v", src, err)
	}
	return &p
}

// containsSecret stands in for the PII detector in predicate tests.
func containsSecret(s string) bool {
	return strings.Contains(s, "secret")
}

func TestPredicate_Equals(t *testing.T) {
	tests := []struct {
		name string
		src  string
		v    any
		want bool
	}{
		{"string match", "equals: hello", "hello", true},
		{"string mismatch", "equals: hello", "world", false},
		{"yaml int vs json float", "equals: 5", float64(5), true},
		{"numeric mismatch", "equals: 5", float64(6), false},
		{"bool", "equals: true", true, true},
		{"list normalized", "equals: [1, 2]", []any{float64(1), float64(2)}, true},
		{"map normalized", "equals: {n: 1}", map[string]any{"n": float64(1)}, true},
		{"type mismatch", "equals: 5", "5", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustPredicate(t, tt.src)
			if got := p.Matches(tt.v, nil); got != tt.want {
				t.Errorf("Matches(%v) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
}

func TestPredicate_Contains(t *testing.T) {
	p := mustPredicate(t, "contains: rm -rf")
	if !p.Matches("sudo rm -rf /", nil) {
		t.Error("substring not matched")
	}
	if p.Matches("ls -la", nil) {
		t.Error("unrelated string matched")
	}
	if p.Matches(42, nil) {
		t.Error("non-string value matched")
	}
}

func TestPredicate_Regex(t *testing.T) {
	p := mustPredicate(t, `regex: "^/etc/(passwd|shadow)$"`)
	if !p.Matches("/etc/passwd", nil) {
		t.Error("regex did not match")
	}
	if p.Matches("/etc/passwd.bak", nil) {
		t.Error("anchored regex matched a longer string")
	}
	if p.Matches(nil, nil) {
		t.Error("nil value matched")
	}
}

func TestPredicate_Glob(t *testing.T) {
	p := mustPredicate(t, `glob: "/etc/*"`)
	if !p.Matches("/etc/passwd", nil) {
		t.Error("glob did not match")
	}
	if p.Matches("/var/log/syslog", nil) {
		t.Error("glob matched outside its prefix")
	}
}

func TestPredicate_HasPII(t *testing.T) {
	requires := mustPredicate(t, "has_pii: true")
	forbids := mustPredicate(t, "has_pii: false")

	if !requires.Matches("the secret text", containsSecret) {
		t.Error("has_pii: true missed a flagged string")
	}
	if requires.Matches("clean text", containsSecret) {
		t.Error("has_pii: true matched a clean string")
	}
	if !forbids.Matches("clean text", containsSecret) {
		t.Error("has_pii: false rejected a clean string")
	}
	if forbids.Matches("the secret text", containsSecret) {
		t.Error("has_pii: false accepted a flagged string")
	}
}

func TestPredicate_HasPIIWalksNestedValues(t *testing.T) {
	p := mustPredicate(t, "has_pii: true")
	v := map[string]any{
		"to":   "ops",
		"body": []any{"fine", map[string]any{"note": "a secret inside"}},
	}
	if !p.Matches(v, containsSecret) {
		t.Error("nested flagged string not found")
	}
}

func TestPredicate_HasPIINilProbe(t *testing.T) {
	requires := mustPredicate(t, "has_pii: true")
	forbids := mustPredicate(t, "has_pii: false")

	// Without a probe nothing can be detected.
	if requires.Matches("the secret text", nil) {
		t.Error("has_pii: true matched without a probe")
	}
	if !forbids.Matches("the secret text", nil) {
		t.Error("has_pii: false failed without a probe")
	}
}

func TestPredicate_AnyAll(t *testing.T) {
	anyPred := mustPredicate(t, `_any: {contains: "/etc"}`)
	allPred := mustPredicate(t, `_all: {contains: "/etc"}`)

	tests := []struct {
		name string
		p    *ArgPredicate
		v    any
		want bool
	}{
		{"any over list hit", anyPred, []any{"/home/x", "/etc/passwd"}, true},
		{"any over list miss", anyPred, []any{"/home/x", "/var/y"}, false},
		{"any over map values", anyPred, map[string]any{"path": "/etc/hosts"}, true},
		{"any over scalar", anyPred, "/etc/hosts", true},
		{"all over list hit", allPred, []any{"/etc/a", "/etc/b"}, true},
		{"all over list miss", allPred, []any{"/etc/a", "/tmp/b"}, false},
		{"all over empty list", allPred, []any{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Matches(tt.v, nil); got != tt.want {
				t.Errorf("Matches(%v) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
}

func TestPredicate_CompileArity(t *testing.T) {
	err := (&ArgPredicate{}).compile()
	if err == nil || !strings.Contains(err.Error(), "got 0") {
		t.Errorf("empty predicate compile err = %v, want arity error", err)
	}
}

func TestPredicate_Describe(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"equals: 5", "equals 5"},
		{"contains: rm", `contains "rm"`},
		{`regex: "^x$"`, "matches /^x$/"},
		{`glob: "*.txt"`, `matches glob "*.txt"`},
		{"has_pii: true", "contains PII"},
		{"has_pii: false", "is free of PII"},
		{`_any: {contains: x}`, `has any element that contains "x"`},
		{`_all: {contains: x}`, `has every element contains "x"`},
	}

	for _, tt := range tests {
		p := mustPredicate(t, tt.src)
		if got := p.Describe(); got != tt.want {
			t.Errorf("Describe(%s) = %q, want %q", tt.src, got, tt.want)
		}
	}
}

func TestValuesEqualNormalization(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"int and float64", 5, float64(5), true},
		{"int64 and int", int64(7), 7, true},
		{"uint and float", uint(3), float64(3), true},
		{"string unaffected", "5", 5, false},
		{"nested slices", []any{1, "x"}, []any{float64(1), "x"}, true},
		{"nested maps", map[string]any{"a": 1}, map[string]any{"a": float64(1)}, true},
		{"different keys", map[string]any{"a": 1}, map[string]any{"b": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := valuesEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("valuesEqual(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
