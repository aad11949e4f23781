package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNoopProviderIsSafe(t *testing.T) {
	p := Noop()

	if p.Enabled() {
		t.Error("noop provider reports enabled")
	}

	ctx, span := p.StartToolSpan(context.Background(), SpanCheck, "read_file", "s-1")
	if ctx == nil || span == nil {
		t.Fatal("noop span is nil")
	}
	p.EndToolSpan(span, "ALLOW", "", nil)
	p.RecordDecision(ctx, SpanCheck, "ALLOW")
	p.RecordPIIDetections(ctx, []string{"EMAIL"})

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	for _, cfg := range []Config{
		{Enabled: false, Exporter: "stdout"},
		{Enabled: true, Exporter: "none"},
		{Enabled: true, Exporter: ""},
	} {
		p, err := New(cfg, discardLogger())
		if err != nil {
			t.Fatalf("New(%+v): %v", cfg, err)
		}
		if p.Enabled() {
			t.Errorf("New(%+v) produced an exporting provider", cfg)
		}
	}
}

func TestNewRejectsUnknownExporter(t *testing.T) {
	if _, err := New(Config{Enabled: true, Exporter: "otlp"}, discardLogger()); err == nil {
		t.Fatal("unknown exporter accepted")
	}
}

func TestSpanExport(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(
		Config{Enabled: true, Exporter: "stdout", ServiceName: "policyshield-test"},
		discardLogger(),
		WithWriter(&buf),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	if !p.Enabled() {
		t.Fatal("stdout provider reports disabled")
	}

	_, span := p.StartToolSpan(context.Background(), SpanCheck, "read_file", "sess-1")
	p.EndToolSpan(span, "BLOCK", "block-passwd", []string{"EMAIL"})

	out := buf.String()
	for _, want := range []string{
		SpanCheck,
		AttrToolName, "read_file",
		AttrSessionID, "sess-1",
		AttrVerdict, "BLOCK",
		AttrRuleID, "block-passwd",
		"policyshield-test",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("span export missing %q:\n%s", want, out)
		}
	}
}

func TestMetricExport(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(
		Config{Enabled: true, Exporter: "stdout", Metrics: true},
		discardLogger(),
		WithWriter(&buf),
		// Keep the periodic reader quiet; shutdown forces the final export.
		WithMetricInterval(time.Hour),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	p.RecordDecision(ctx, SpanCheck, "ALLOW")
	p.RecordDecision(ctx, SpanCheck, "ALLOW")
	p.RecordPIIDetections(ctx, []string{"EMAIL", "PHONE"})

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"policyshield.decisions",
		"policyshield.pii.detections",
		"ALLOW",
		"EMAIL",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metric export missing %q:\n%s", want, out)
		}
	}
}
