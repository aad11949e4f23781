// Package sanitize runs built-in injection detectors over tool call
// arguments before any rule matching happens. Detectors are keyed on
// argument names: a path traversal probe in an argument called "path"
// trips, the same bytes in a free-text "comment" argument do not.
package sanitize

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Detector names accepted by the sanitizer block of a rule file.
const (
	DetectorPathTraversal  = "path_traversal"
	DetectorShellInjection = "shell_injection"
	DetectorSQLInjection   = "sql_injection"
	DetectorSSRF           = "ssrf"
	DetectorURLScheme      = "url_scheme"
)

// Argument name hints, matched as case-insensitive substrings of the key.
var (
	pathKeys    = []string{"path", "file", "dir", "filename", "dest", "src", "target", "location"}
	commandKeys = []string{"cmd", "command", "script", "shell", "exec", "run"}
	queryKeys   = []string{"query", "sql", "statement", "filter", "where"}
	urlKeys     = []string{"url", "uri", "endpoint", "host", "address", "server", "webhook"}
)

// privateNetworks contains CIDR ranges the ssrf detector treats as
// internal targets.
var privateNetworks []*net.IPNet

var metadataHosts = []string{"metadata.google.internal"}

func init() {
	cidrs := []string{
		"10.0.0.0/8",     // RFC 1918 private
		"127.0.0.0/8",    // IPv4 loopback
		"169.254.0.0/16", // Link-local (cloud metadata at 169.254.169.254)
		"192.168.0.0/16", // RFC 1918 private
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR in privateNetworks: " + cidr)
		}
		privateNetworks = append(privateNetworks, network)
	}
}

// detectors is the catalog in fixed order; findings come back in this
// order for each value, so output is deterministic.
var detectors = []struct {
	name  string
	check func(key, value string) (string, bool)
}{
	{DetectorPathTraversal, checkPathTraversal},
	{DetectorShellInjection, checkShellInjection},
	{DetectorSQLInjection, checkSQLInjection},
	{DetectorSSRF, checkSSRF},
	{DetectorURLScheme, checkURLScheme},
}

// ValidDetector reports whether name is a known detector.
func ValidDetector(name string) bool {
	for _, d := range detectors {
		if d.name == name {
			return true
		}
	}
	return false
}

// DetectorNames returns all detector names in catalog order.
func DetectorNames() []string {
	out := make([]string, len(detectors))
	for i, d := range detectors {
		out[i] = d.name
	}
	return out
}

// Finding describes a tripped detector.
type Finding struct {
	// Detector is the catalog name, e.g. "shell_injection".
	Detector string
	// Field is the argument path the value was found under.
	Field string
	// Detail is a short human-readable reason.
	Detail string
}

// Sanitizer inspects tool call arguments with an enabled subset of the
// detector catalog. It is immutable and safe for concurrent use.
type Sanitizer struct {
	enabled map[string]struct{}
}

// New builds a Sanitizer running the named detectors. An empty list
// enables the whole catalog.
func New(names []string) *Sanitizer {
	if len(names) == 0 {
		return &Sanitizer{}
	}
	enabled := make(map[string]struct{}, len(names))
	for _, n := range names {
		enabled[n] = struct{}{}
	}
	return &Sanitizer{enabled: enabled}
}

func (s *Sanitizer) on(name string) bool {
	if s.enabled == nil {
		return true
	}
	_, ok := s.enabled[name]
	return ok
}

// Names returns the enabled detector names in catalog order.
func (s *Sanitizer) Names() []string {
	out := make([]string, 0, len(detectors))
	for _, d := range detectors {
		if s.on(d.name) {
			out = append(out, d.name)
		}
	}
	return out
}

// Inspect walks args and returns every finding in deterministic order:
// map keys sorted, detectors in catalog order per value. Slice elements
// inherit the hint key of the argument that holds them.
func (s *Sanitizer) Inspect(args map[string]any) []Finding {
	var out []Finding
	s.walk("", "", args, &out)
	return out
}

func (s *Sanitizer) walk(path, key string, v any, out *[]Finding) {
	switch t := v.(type) {
	case string:
		for _, d := range detectors {
			if !s.on(d.name) {
				continue
			}
			if detail, tripped := d.check(key, t); tripped {
				*out = append(*out, Finding{Detector: d.name, Field: path, Detail: detail})
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.walk(joinPath(path, k), k, t[k], out)
		}
	case []any:
		for i, el := range t {
			s.walk(fmt.Sprintf("%s[%d]", path, i), key, el, out)
		}
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func keyHasHint(key string, hints []string) bool {
	lower := strings.ToLower(key)
	for _, h := range hints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// checkPathTraversal trips on a ".." path segment in a path-hinted
// argument. Dots inside a segment ("file..txt") are fine.
func checkPathTraversal(key, v string) (string, bool) {
	if !keyHasHint(key, pathKeys) {
		return "", false
	}
	segments := strings.FieldsFunc(v, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	for _, seg := range segments {
		if seg == ".." {
			return "path traversal segment", true
		}
	}
	return "", false
}

var shellTokens = []string{";", "&&", "||", "`", "$("}

// checkShellInjection trips on an unescaped shell metacharacter in a
// command-hinted argument. A token directly preceded by a backslash
// counts as escaped.
func checkShellInjection(key, v string) (string, bool) {
	if !keyHasHint(key, commandKeys) {
		return "", false
	}
	for _, tok := range shellTokens {
		if indexUnescaped(v, tok) >= 0 {
			return fmt.Sprintf("unescaped %q", tok), true
		}
	}
	return "", false
}

func indexUnescaped(s, tok string) int {
	from := 0
	for {
		i := strings.Index(s[from:], tok)
		if i < 0 {
			return -1
		}
		i += from
		if i == 0 || s[i-1] != '\\' {
			return i
		}
		from = i + len(tok)
	}
}

var sqlKeywordRe = regexp.MustCompile(`(?i)\bUNION\s+SELECT\b|\bDROP\s+TABLE\b`)

var sqlCommentTokens = []string{"--", "/*"}

// checkSQLInjection trips on UNION SELECT / DROP TABLE in any string
// argument; comment introducers only count in query-hinted arguments,
// where "--" is not an ordinary flag prefix.
func checkSQLInjection(key, v string) (string, bool) {
	if m := sqlKeywordRe.FindString(v); m != "" {
		return fmt.Sprintf("sql keyword %q", m), true
	}
	if keyHasHint(key, queryKeys) {
		for _, tok := range sqlCommentTokens {
			if strings.Contains(v, tok) {
				return fmt.Sprintf("sql comment %q", tok), true
			}
		}
	}
	return "", false
}

// checkSSRF trips on private or metadata targets in URL-hinted
// arguments. Only literal addresses are checked; hostname resolution is
// out of scope here.
func checkSSRF(key, v string) (string, bool) {
	if !keyHasHint(key, urlKeys) {
		return "", false
	}
	host := hostOf(v)
	if host == "" {
		return "", false
	}
	for _, mh := range metadataHosts {
		if strings.EqualFold(host, mh) {
			return "metadata endpoint " + host, true
		}
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return "private address " + host, true
	}
	return "", false
}

// hostOf extracts the host from a URL, a host:port pair or a bare host.
func hostOf(v string) string {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "://") {
		u, err := url.Parse(v)
		if err != nil {
			return ""
		}
		return u.Hostname()
	}
	if h, _, err := net.SplitHostPort(v); err == nil {
		return h
	}
	return v
}

// isPrivateIP checks whether an IP address falls within a private or
// reserved range.
func isPrivateIP(ip net.IP) bool {
	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

var forbiddenSchemes = []string{"file://", "gopher://", "dict://", "ftp://"}

// checkURLScheme trips on forbidden URL schemes in URL-hinted arguments.
func checkURLScheme(key, v string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(v))
	if !keyHasHint(key, urlKeys) {
		return "", false
	}
	for _, scheme := range forbiddenSchemes {
		if strings.HasPrefix(lower, scheme) {
			return "forbidden scheme " + strings.TrimSuffix(scheme, "://"), true
		}
	}
	return "", false
}
