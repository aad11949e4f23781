// Package http serves the PolicyShield API over HTTP/1.1.
//
// The server is the only way in: agents POST tool calls to /api/v1/check
// before executing them and to /api/v1/post-check after, humans resolve
// approvals and operate the kill switch, and operators scrape /metrics.
// Request and response bodies are the JSON types from pkg/wire.
//
// When a bearer token is configured every endpoint except GET /api/v1/health
// requires it. Errors share one envelope, {"error": ..., "kind": ...}, where
// kind is one of request, config, auth, not_found, conflict or internal.
package http
