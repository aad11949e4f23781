// Package ctxkey defines shared context key types used across packages.
// It must not depend on other internal packages, so that any of them can
// read the keys without import cycles.
package ctxkey

// LoggerKey is the context key type for the request-scoped logger carrying
// the request_id field.
type LoggerKey struct{}
