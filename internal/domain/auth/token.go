// Package auth verifies API bearer tokens.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrUnknownHashFormat is returned when a configured token hash is not in
// any recognized format.
var ErrUnknownHashFormat = errors.New("unrecognized token hash format")

// Verifier checks incoming bearer tokens against a single configured
// credential. The credential is either a plaintext token (typically from
// the environment) or a stored hash of it (from the config file). When
// neither is configured the API is open and Verify accepts everything.
type Verifier struct {
	token     string
	tokenHash string
}

// Open returns a Verifier with no credential configured. It accepts every
// request.
func Open() *Verifier {
	return &Verifier{}
}

// NewVerifier builds a Verifier from the configured plaintext token and
// token hash. A malformed hash fails here rather than on first request.
func NewVerifier(token, tokenHash string) (*Verifier, error) {
	if tokenHash != "" && DetectHashType(tokenHash) == "unknown" {
		return nil, fmt.Errorf("token_hash: %w (want argon2id, sha256:<hex>, or bare hex)", ErrUnknownHashFormat)
	}
	return &Verifier{token: token, tokenHash: tokenHash}, nil
}

// Enabled reports whether requests must present a token.
func (v *Verifier) Enabled() bool {
	return v.token != "" || v.tokenHash != ""
}

// Verify reports whether raw matches the configured credential. All
// comparisons are constant-time.
func (v *Verifier) Verify(raw string) bool {
	if !v.Enabled() {
		return true
	}
	if raw == "" {
		return false
	}
	if v.token != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(v.token)) == 1 {
		return true
	}
	if v.tokenHash != "" {
		ok, err := verifyTokenHash(raw, v.tokenHash)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// HashToken returns the sha256 form of a token, suitable for the
// auth.token_hash config field.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// verifyTokenHash compares a plaintext token against a stored hash.
// Supported formats: argon2id PHC strings, "sha256:" prefixed hex, and
// bare sha256 hex for hashes produced by external tooling.
func verifyTokenHash(token, storedHash string) (bool, error) {
	switch {
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return safeArgon2idCompare(token, storedHash)

	case strings.HasPrefix(storedHash, "sha256:"):
		want, err := hex.DecodeString(strings.TrimPrefix(storedHash, "sha256:"))
		if err != nil {
			return false, fmt.Errorf("decode sha256 hash: %w", err)
		}
		sum := sha256.Sum256([]byte(token))
		return subtle.ConstantTimeCompare(sum[:], want) == 1, nil

	case len(storedHash) == 64 && isHexString(storedHash):
		want, err := hex.DecodeString(storedHash)
		if err != nil {
			return false, fmt.Errorf("decode hex hash: %w", err)
		}
		sum := sha256.Sum256([]byte(token))
		return subtle.ConstantTimeCompare(sum[:], want) == 1, nil

	default:
		return false, ErrUnknownHashFormat
	}
}

// safeArgon2idCompare wraps the argon2id comparison so a corrupt PHC
// string cannot panic the request path.
func safeArgon2idCompare(token, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("argon2id comparison panic: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(token, storedHash)
}

// DetectHashType classifies a stored hash: "argon2id", "sha256", or
// "unknown".
func DetectHashType(storedHash string) string {
	switch {
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return "argon2id"
	case strings.HasPrefix(storedHash, "sha256:"):
		return "sha256"
	case len(storedHash) == 64 && isHexString(storedHash):
		return "sha256"
	default:
		return "unknown"
	}
}

func isHexString(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return len(s) > 0
}
