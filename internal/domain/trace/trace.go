// Package trace contains domain types for decision tracing. Every check
// produces one Record; recorders persist them without ever failing the
// request path.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// Record is one traced decision, serialized as a JSONL line.
type Record struct {
	// Timestamp is when the decision was made, UTC.
	Timestamp time.Time `json:"ts"`
	// SessionID is the caller-provided session, empty for stateless checks.
	SessionID string `json:"session_id,omitempty"`
	// ToolName is the tool the agent asked to call.
	ToolName string `json:"tool_name"`
	// Verdict is the pre-downgrade verdict; audit mode traces what
	// enforce mode would have decided.
	Verdict rule.Verdict `json:"verdict"`
	// RuleID identifies the deciding rule, or a reserved id.
	RuleID string `json:"rule_id,omitempty"`
	// PIITypes lists PII type names detected during the check.
	PIITypes []string `json:"pii_types,omitempty"`
	// Message is the rule message or decision detail.
	Message string `json:"message,omitempty"`
	// ArgsHash fingerprints the arguments without storing them.
	ArgsHash string `json:"args_hash"`
}

// Recorder persists decision records.
// Record must be non-blocking from the caller's perspective; persistence
// failures are the recorder's problem, never the decision path's.
type Recorder interface {
	Record(rec Record)

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close flushes and releases resources.
	Close() error
}

// ArgsHash returns the xxhash64 hex digest of the canonical JSON encoding
// of args. encoding/json writes map keys sorted, so equal argument maps
// hash equally regardless of construction order.
func ArgsHash(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}
