// Package wire defines the JSON types exchanged on the PolicyShield HTTP
// API. External clients embed this package to talk to the sidecar without
// depending on internal packages.
package wire

// Verdict literals as they appear on the wire.
const (
	VerdictAllow   = "ALLOW"
	VerdictBlock   = "BLOCK"
	VerdictRedact  = "REDACT"
	VerdictApprove = "APPROVE"
)

// Approval status literals as they appear on the wire.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
)

// CheckRequest is the body of POST /api/v1/check.
type CheckRequest struct {
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	SessionID string         `json:"session_id,omitempty"`
	Sender    string         `json:"sender,omitempty"`
}

// CheckResponse is the decision returned by POST /api/v1/check.
type CheckResponse struct {
	Verdict      string         `json:"verdict"`
	RuleID       string         `json:"rule_id,omitempty"`
	Message      string         `json:"message,omitempty"`
	ModifiedArgs map[string]any `json:"modified_args,omitempty"`
	ApprovalID   string         `json:"approval_id,omitempty"`
	PIITypes     []string       `json:"pii_types"`
}

// PostCheckRequest is the body of POST /api/v1/post-check.
type PostCheckRequest struct {
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	Result    string         `json:"result"`
	SessionID string         `json:"session_id,omitempty"`
}

// PostCheckResponse reports PII found in a tool result.
type PostCheckResponse struct {
	PIITypes       []string `json:"pii_types"`
	RedactedOutput string   `json:"redacted_output"`
}

// ConstraintsResponse carries the human-readable rule digest served by
// GET /api/v1/constraints, intended for injection into an agent prompt.
type ConstraintsResponse struct {
	Summary string `json:"summary"`
}

// ReloadResponse is returned by a successful POST /api/v1/reload.
type ReloadResponse struct {
	Status     string `json:"status"`
	RulesCount int    `json:"rules_count"`
	RulesHash  string `json:"rules_hash"`
}

// RespondApprovalRequest is the body of POST /api/v1/respond-approval.
type RespondApprovalRequest struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Responder  string `json:"responder,omitempty"`
}

// StatusOKResponse is the generic `{"status":"ok"}` acknowledgement.
type StatusOKResponse struct {
	Status string `json:"status"`
}

// CheckApprovalRequest is the body of POST /api/v1/check-approval.
type CheckApprovalRequest struct {
	ApprovalID string `json:"approval_id"`
}

// CheckApprovalResponse reports the current state of one approval.
type CheckApprovalResponse struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	Responder  string `json:"responder,omitempty"`
}

// ApprovalSummary is one entry of GET /api/v1/pending-approvals.
type ApprovalSummary struct {
	ApprovalID string         `json:"approval_id"`
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args"`
	SessionID  string         `json:"session_id"`
	RuleID     string         `json:"rule_id"`
	CreatedAt  string         `json:"created_at"`
}

// PendingApprovalsResponse lists approvals awaiting a responder.
type PendingApprovalsResponse struct {
	Approvals []ApprovalSummary `json:"approvals"`
}

// ClearTaintRequest is the body of POST /api/v1/clear-taint.
type ClearTaintRequest struct {
	SessionID string `json:"session_id"`
}

// KillRequest is the body of POST /admin/kill. Shutdown additionally stops
// the whole process (exit code 2) after the response is written.
type KillRequest struct {
	Reason   string `json:"reason"`
	Shutdown bool   `json:"shutdown,omitempty"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status     string `json:"status"`
	ShieldName string `json:"shield_name"`
	RulesCount int    `json:"rules_count"`
	RulesHash  string `json:"rules_hash"`
	Mode       string `json:"mode"`
	Killed     bool   `json:"killed"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Status           string           `json:"status"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
	Mode             string           `json:"mode"`
	Killed           bool             `json:"killed"`
	RulesCount       int              `json:"rules_count"`
	RulesHash        string           `json:"rules_hash"`
	SessionsActive   int              `json:"sessions_active"`
	ApprovalsPending int              `json:"approvals_pending"`
	Decisions        map[string]int64 `json:"decisions"`
}

// ErrorResponse is the uniform error envelope: HTTP 400 kinds "request" and
// "config", 401 "auth", 404 "not_found", 409 "conflict", 500 "internal".
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
