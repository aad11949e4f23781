package auth

import (
	"testing"

	"github.com/alexedwards/argon2id"
)

func TestVerifierOpenWhenUnconfigured(t *testing.T) {
	v, err := NewVerifier("", "")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if v.Enabled() {
		t.Fatal("Enabled() = true, want false with no credential")
	}
	if !v.Verify("") {
		t.Error("Verify(\"\") = false, want true when auth is open")
	}
	if !v.Verify("anything") {
		t.Error("Verify(anything) = false, want true when auth is open")
	}
}

func TestVerifierPlaintextToken(t *testing.T) {
	v, err := NewVerifier("s3cret-token", "")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if !v.Enabled() {
		t.Fatal("Enabled() = false, want true")
	}

	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"exact match", "s3cret-token", true},
		{"wrong token", "other-token", false},
		{"empty", "", false},
		{"prefix only", "s3cret", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.Verify(tt.raw); got != tt.want {
				t.Errorf("Verify(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestVerifierSha256Hash(t *testing.T) {
	// HashToken("letmein") is stable, so the stored form can come from
	// the CLI or any external sha256 tool.
	stored := HashToken("letmein")

	for _, form := range []struct {
		name string
		hash string
	}{
		{"prefixed", stored},
		{"bare hex", stored[len("sha256:"):]},
	} {
		t.Run(form.name, func(t *testing.T) {
			v, err := NewVerifier("", form.hash)
			if err != nil {
				t.Fatalf("NewVerifier: %v", err)
			}
			if !v.Verify("letmein") {
				t.Error("Verify(correct) = false, want true")
			}
			if v.Verify("wrong") {
				t.Error("Verify(wrong) = true, want false")
			}
			if v.Verify("") {
				t.Error("Verify(\"\") = true, want false")
			}
		})
	}
}

func TestVerifierArgon2idHash(t *testing.T) {
	hash, err := argon2id.CreateHash("hunter2", argon2id.DefaultParams)
	if err != nil {
		t.Fatalf("CreateHash: %v", err)
	}

	v, err := NewVerifier("", hash)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if !v.Verify("hunter2") {
		t.Error("Verify(correct) = false, want true")
	}
	if v.Verify("hunter3") {
		t.Error("Verify(wrong) = true, want false")
	}
}

func TestVerifierTokenAndHashBothAccepted(t *testing.T) {
	v, err := NewVerifier("env-token", HashToken("file-token"))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if !v.Verify("env-token") {
		t.Error("Verify(env token) = false, want true")
	}
	if !v.Verify("file-token") {
		t.Error("Verify(hashed token) = false, want true")
	}
	if v.Verify("neither") {
		t.Error("Verify(neither) = true, want false")
	}
}

func TestNewVerifierRejectsMalformedHash(t *testing.T) {
	if _, err := NewVerifier("", "md5:abcdef"); err == nil {
		t.Fatal("NewVerifier with unknown hash format succeeded, want error")
	}
}

func TestSafeArgon2idCompareCorruptHash(t *testing.T) {
	// Truncated PHC string must fail cleanly, not panic.
	ok, err := safeArgon2idCompare("token", "$argon2id$v=19$m=65536")
	if ok {
		t.Error("corrupt hash compared as match")
	}
	if err == nil {
		t.Error("corrupt hash returned nil error")
	}
}

func TestDetectHashType(t *testing.T) {
	tests := []struct {
		name string
		hash string
		want string
	}{
		{"argon2id", "$argon2id$v=19$m=47104,t=1,p=1$c2FsdA$aGFzaA", "argon2id"},
		{"sha256 prefixed", HashToken("x"), "sha256"},
		{"bare hex", "ab54d286f745c1b8f77eff4f050f2e184a463dcb2466fe5d7f3a5ff5334574a4", "sha256"},
		{"short hex", "abcdef", "unknown"},
		{"garbage", "not-a-hash", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectHashType(tt.hash); got != tt.want {
				t.Errorf("DetectHashType(%q) = %q, want %q", tt.hash, got, tt.want)
			}
		})
	}
}
