package trace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/trace"
)

func TestSQLiteRecorder_ArchiveAndQuery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "trace.db")

	r, err := NewSQLiteRecorder(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteRecorder: %v", err)
	}
	defer func() { _ = r.Close() }()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.Record(trace.Record{
		Timestamp: base,
		SessionID: "sess-a",
		ToolName:  "db_query",
		Verdict:   rule.VerdictAllow,
		RuleID:    "allow-db",
		PIITypes:  []string{"EMAIL", "PHONE"},
		ArgsHash:  "00000000deadbeef",
	})
	r.Record(trace.Record{
		Timestamp: base.Add(time.Minute),
		SessionID: "sess-a",
		ToolName:  "send_email",
		Verdict:   rule.VerdictRedact,
		RuleID:    "redact-mail",
	})
	r.Record(trace.Record{
		Timestamp: base.Add(2 * time.Minute),
		SessionID: "sess-b",
		ToolName:  "read_file",
		Verdict:   rule.VerdictBlock,
		RuleID:    "block-files",
	})

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := r.RecentDecisions("sess-a", 10)
	if err != nil {
		t.Fatalf("RecentDecisions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("decisions for sess-a = %d, want 2", len(got))
	}
	if got[0].ToolName != "send_email" {
		t.Errorf("newest first: got[0].ToolName = %q, want send_email", got[0].ToolName)
	}
	if got[1].Verdict != rule.VerdictAllow {
		t.Errorf("got[1].Verdict = %q, want ALLOW", got[1].Verdict)
	}
	if len(got[1].PIITypes) != 2 || got[1].PIITypes[0] != "EMAIL" {
		t.Errorf("got[1].PIITypes = %v, want [EMAIL PHONE]", got[1].PIITypes)
	}
	if !got[1].Timestamp.Equal(base) {
		t.Errorf("timestamp round trip: got %v, want %v", got[1].Timestamp, base)
	}
	if got[1].ArgsHash != "00000000deadbeef" {
		t.Errorf("got[1].ArgsHash = %q", got[1].ArgsHash)
	}

	all, err := r.RecentDecisions("", 10)
	if err != nil {
		t.Fatalf("RecentDecisions all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all decisions = %d, want 3", len(all))
	}
}

func TestSQLiteRecorder_CloseFlushesPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	dbPath := filepath.Join(t.TempDir(), "trace.db")

	r, err := NewSQLiteRecorder(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteRecorder: %v", err)
	}

	r.Record(trace.Record{
		Timestamp: time.Now().UTC(),
		SessionID: "sess-1",
		ToolName:  "db_query",
		Verdict:   rule.VerdictAllow,
	})

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteRecorder(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.RecentDecisions("", 10)
	if err != nil {
		t.Fatalf("RecentDecisions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("decisions after reopen = %d, want 1", len(got))
	}
	if got[0].ToolName != "db_query" {
		t.Errorf("ToolName = %q, want db_query", got[0].ToolName)
	}
}
