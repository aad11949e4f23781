// Package pii detects and redacts personally identifiable information in
// tool call arguments and results. Detection is pure pattern matching plus
// per-type checksum validation; no state is kept between scans.
package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Built-in PII type names as they appear in rule files, traces and
// check responses.
const (
	TypeEmail      = "EMAIL"
	TypePhone      = "PHONE"
	TypeCreditCard = "CREDIT_CARD"
	TypeSSN        = "SSN"
	TypeIBAN       = "IBAN"
	TypeIP         = "IP"
	TypePassport   = "PASSPORT"
	TypeDOB        = "DOB"
	TypeINN        = "INN"
	TypeSNILS      = "SNILS"
)

// Match is a single PII occurrence found during a scan.
type Match struct {
	// Type is the PII type name (e.g. "EMAIL").
	Type string
	// Value is the matched text.
	Value string
	// Field is the argument path the value was found under, filled in by
	// ScanValue when walking structured arguments ("user.email",
	// "recipients[2]"). Empty for flat text scans.
	Field string
}

// typePattern is one compiled catalog entry. A nil validate means the
// regex alone decides.
type typePattern struct {
	name     string
	re       *regexp.Regexp
	validate func(string) bool
}

// builtins is the catalog in fixed order. Order matters twice: scan output
// is deterministic, and redaction applies types front to back, so an
// earlier type wins overlapping spans.
var builtins = []typePattern{
	{
		name: TypeEmail,
		re:   regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	},
	{
		name: TypePhone,
		re:   regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
	},
	{
		name: TypeCreditCard,
		// Contiguous Visa/Mastercard/Amex/Diners/Discover forms, or four
		// separator-grouped quads. Luhn and network prefix checked below.
		re: regexp.MustCompile(`\b(?:4\d{12}(?:\d{3})?|5[1-5]\d{14}|3[47]\d{13}|6(?:011|5\d{2})\d{12}|3(?:0[0-5]|[68]\d)\d{11}|\d{4}(?:[ -]\d{4}){3})\b`),
		validate: cardOK,
	},
	{
		name: TypeSSN,
		re:   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		name:     TypeIBAN,
		re:       regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
		validate: ibanOK,
	},
	{
		name:     TypeIP,
		re:       regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		validate: ipv4OK,
	},
	{
		name: TypePassport,
		re:   regexp.MustCompile(`\b\d{7,9}\b`),
	},
	{
		name:     TypeDOB,
		re:       regexp.MustCompile(`\b(?:\d{4}-\d{2}-\d{2}|\d{2}\.\d{2}\.\d{4}|\d{2}/\d{2}/\d{4})\b`),
		validate: dateOK,
	},
	{
		name:     TypeINN,
		re:       regexp.MustCompile(`\b(?:\d{12}|\d{10})\b`),
		validate: innOK,
	},
	{
		name:     TypeSNILS,
		re:       regexp.MustCompile(`\b(?:\d{3}-\d{3}-\d{3}[ -]?\d{2}|\d{11})\b`),
		validate: snilsOK,
	},
}

// BuiltinType reports whether name is a built-in PII type.
func BuiltinType(name string) bool {
	for _, p := range builtins {
		if p.name == name {
			return true
		}
	}
	return false
}

// Detector scans strings and nested argument structures for PII.
// A Detector is immutable after construction and safe for concurrent use.
type Detector struct {
	patterns []typePattern
}

// New builds a Detector from the built-in catalog extended by custom
// type patterns. A custom entry whose name collides with a built-in type
// replaces it in place, dropping the built-in checksum validator; new
// names are appended in sorted order.
func New(custom map[string]string) (*Detector, error) {
	patterns := make([]typePattern, len(builtins))
	copy(patterns, builtins)

	compiled := make(map[string]*regexp.Regexp, len(custom))
	for name, src := range custom {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("pii pattern %s: %w", name, err)
		}
		compiled[name] = re
	}

	extra := make([]string, 0, len(compiled))
	for name, re := range compiled {
		replaced := false
		for i := range patterns {
			if patterns[i].name == name {
				patterns[i] = typePattern{name: name, re: re}
				replaced = true
				break
			}
		}
		if !replaced {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		patterns = append(patterns, typePattern{name: name, re: compiled[name]})
	}
	return &Detector{patterns: patterns}, nil
}

// Scan returns every PII match in text, in catalog order. Validator-gated
// types only count when the checksum passes.
func (d *Detector) Scan(text string) []Match {
	var out []Match
	for _, p := range d.patterns {
		for _, m := range p.re.FindAllString(text, -1) {
			if p.validate != nil && !p.validate(m) {
				continue
			}
			out = append(out, Match{Type: p.name, Value: m})
		}
	}
	return out
}

// Probe reports whether text contains any PII. It satisfies the predicate
// probe contract used by has_pii argument matching.
func (d *Detector) Probe(text string) bool {
	for _, p := range d.patterns {
		if p.validate == nil {
			if p.re.MatchString(text) {
				return true
			}
			continue
		}
		for _, m := range p.re.FindAllString(text, -1) {
			if p.validate(m) {
				return true
			}
		}
	}
	return false
}

// ScanValue recurses into nested maps and slices, scanning every string
// leaf. Map keys are visited in sorted order so output is deterministic.
func (d *Detector) ScanValue(v any) []Match {
	var out []Match
	d.scanWalk("", v, &out)
	return out
}

func (d *Detector) scanWalk(path string, v any, out *[]Match) {
	switch t := v.(type) {
	case string:
		for _, m := range d.Scan(t) {
			m.Field = path
			*out = append(*out, m)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.scanWalk(joinPath(path, k), t[k], out)
		}
	case []any:
		for i, el := range t {
			d.scanWalk(fmt.Sprintf("%s[%d]", path, i), el, out)
		}
	}
}

// Marker returns the replacement written over a detected value, e.g.
// "[EMAIL REDACTED]".
func Marker(typ string) string {
	return "[" + typ + " REDACTED]"
}

// Redact replaces every validated match in text with its marker.
// Non-matching bytes are preserved exactly.
func (d *Detector) Redact(text string) string {
	for _, p := range d.patterns {
		marker := Marker(p.name)
		text = p.re.ReplaceAllStringFunc(text, func(m string) string {
			if p.validate != nil && !p.validate(m) {
				return m
			}
			return marker
		})
	}
	return text
}

// RedactValue returns a deep copy of v with every sensitive substring
// replaced by its redaction marker. Structure, key order and non-string
// leaves are preserved; the input is never mutated.
func (d *Detector) RedactValue(v any) any {
	switch t := v.(type) {
	case string:
		return d.Redact(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[k] = d.RedactValue(el)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = d.RedactValue(el)
		}
		return out
	default:
		return v
	}
}

// Types returns the distinct match types in first-seen order.
func Types(matches []Match) []string {
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, dup := seen[m.Type]; dup {
			continue
		}
		seen[m.Type] = struct{}{}
		out = append(out, m.Type)
	}
	return out
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func keepDigits(r rune) rune {
	if r >= '0' && r <= '9' {
		return r
	}
	return -1
}

// luhnOK checks the Luhn mod-10 checksum over a digit string.
func luhnOK(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// cardOK strips separators, then requires a recognized network prefix and
// a passing Luhn checksum.
func cardOK(s string) bool {
	digits := strings.Map(keepDigits, s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	return cardNetwork(digits) && luhnOK(digits)
}

func cardNetwork(digits string) bool {
	two, _ := strconv.Atoi(digits[:2])
	three, _ := strconv.Atoi(digits[:3])
	four, _ := strconv.Atoi(digits[:4])
	switch {
	case digits[0] == '4': // Visa
		return true
	case two >= 51 && two <= 55: // Mastercard
		return true
	case two == 34 || two == 37: // Amex
		return true
	case three >= 300 && three <= 305, two == 36, two == 38: // Diners
		return true
	case four == 6011, two == 65: // Discover
		return true
	}
	return false
}

// ibanOK computes the ISO 7064 mod-97 remainder. The country code and
// check digits move to the end, letters expand to two-digit values, and
// the remainder over the whole number must be 1.
func ibanOK(s string) bool {
	rearranged := s[4:] + s[:4]
	rem := 0
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			rem = (rem*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			rem = (rem*100 + int(r-'A') + 10) % 97
		default:
			return false
		}
	}
	return rem == 1
}

func ipv4OK(s string) bool {
	for _, part := range strings.Split(s, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

var dobLayouts = []string{"2006-01-02", "02.01.2006", "01/02/2006"}

// dateOK accepts a match only when one of the supported layouts parses it
// as a real calendar date (time.Parse rejects month 13, February 30 and
// the like).
func dateOK(s string) bool {
	for _, layout := range dobLayouts {
		if len(s) != len(layout) {
			continue
		}
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// innOK validates the Russian tax number control digits: one mod-11
// weighted digit for the 10-digit form, two for the 12-digit form.
func innOK(s string) bool {
	switch len(s) {
	case 10:
		return innDigit(s, []int{2, 4, 10, 3, 5, 9, 4, 6, 8}) == int(s[9]-'0')
	case 12:
		w11 := []int{7, 2, 4, 10, 3, 5, 9, 4, 6, 8}
		w12 := []int{3, 7, 2, 4, 10, 3, 5, 9, 4, 6, 8}
		return innDigit(s, w11) == int(s[10]-'0') && innDigit(s, w12) == int(s[11]-'0')
	}
	return false
}

func innDigit(s string, weights []int) int {
	sum := 0
	for i, w := range weights {
		sum += w * int(s[i]-'0')
	}
	return sum % 11 % 10
}

// snilsOK validates the insurance number control: the first nine digits
// weighted 9..1 are summed mod 101 (100 counts as 0) and must equal the
// two-digit control.
func snilsOK(s string) bool {
	digits := strings.Map(keepDigits, s)
	if len(digits) != 11 {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(digits[i]-'0') * (9 - i)
	}
	check := sum % 101
	if check == 100 {
		check = 0
	}
	control, err := strconv.Atoi(digits[9:])
	if err != nil {
		return false
	}
	return check == control
}
