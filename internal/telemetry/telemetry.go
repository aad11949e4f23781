// Package telemetry manages the OpenTelemetry trace and metric providers.
//
// PolicyShield emits one span per mediated tool call plus counters for
// decisions and PII detections. The only supported exporter is stdout,
// which suits the sidecar deployment model: the host harness owns log
// collection, so telemetry rides the same pipe.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys.
const (
	AttrToolName  = "policyshield.tool.name"
	AttrSessionID = "policyshield.session.id"
	AttrVerdict   = "policyshield.verdict"
	AttrRuleID    = "policyshield.rule.id"
	AttrPIITypes  = "policyshield.pii.types"
)

// Span names for the two decision paths.
const (
	SpanCheck     = "shield.check"
	SpanPostCheck = "shield.post_check"
)

const defaultMetricInterval = 30 * time.Second

// Config selects which telemetry signals to emit.
type Config struct {
	Enabled     bool
	Exporter    string // "stdout" or "none"
	Metrics     bool
	ServiceName string
}

// Provider owns the OpenTelemetry trace and metric pipelines.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	decisionCounter metric.Int64Counter
	piiCounter      metric.Int64Counter
}

// Option adjusts provider construction.
type Option func(*options)

type options struct {
	writer         io.Writer
	metricInterval time.Duration
}

// WithWriter redirects exporter output, primarily for tests.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.writer = w
		}
	}
}

// WithMetricInterval overrides the periodic metric export interval.
func WithMetricInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.metricInterval = d
		}
	}
}

// New builds a provider for the given config. With telemetry disabled or the
// exporter set to "none" it returns a provider whose spans and counters are
// no-ops, so callers never need to branch.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telemetry")

	if !cfg.Enabled || cfg.Exporter == "none" || cfg.Exporter == "" {
		return Noop(), nil
	}
	if cfg.Exporter != "stdout" {
		return nil, fmt.Errorf("unsupported telemetry exporter %q", cfg.Exporter)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "policyshield"
	}

	o := options{writer: os.Stdout, metricInterval: defaultMetricInterval}
	for _, opt := range opts {
		opt(&o)
	}

	// Schemaless keeps the resource free of semconv schema version pinning.
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	traceExporter, err := stdouttrace.New(
		stdouttrace.WithWriter(o.writer),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	// Syncer exports each span as it ends. The volume is one span per tool
	// call, low enough that batching buys nothing.
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	p := &Provider{
		tracerProvider: tp,
		tracer:         tp.Tracer("policyshield"),
		logger:         logger,
	}

	if cfg.Metrics {
		metricExporter, err := stdoutmetric.New(
			stdoutmetric.WithEncoder(json.NewEncoder(o.writer)),
		)
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
				metricExporter,
				sdkmetric.WithInterval(o.metricInterval),
			)),
		)
		otel.SetMeterProvider(mp)
		p.meterProvider = mp

		meter := mp.Meter("policyshield")
		if err := p.initInstruments(meter); err != nil {
			return nil, err
		}
	}

	logger.Info("telemetry initialized", "exporter", cfg.Exporter, "metrics", cfg.Metrics)
	return p, nil
}

// Noop returns a provider that records nothing. Used when telemetry is
// disabled and as the default in tests.
func Noop() *Provider {
	return &Provider{tracer: tracenoop.NewTracerProvider().Tracer("policyshield")}
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error
	p.decisionCounter, err = meter.Int64Counter(
		"policyshield.decisions",
		metric.WithDescription("Tool call decisions by operation and verdict"),
	)
	if err != nil {
		return fmt.Errorf("create decision counter: %w", err)
	}
	p.piiCounter, err = meter.Int64Counter(
		"policyshield.pii.detections",
		metric.WithDescription("PII entities detected in tool call arguments and results"),
	)
	if err != nil {
		return fmt.Errorf("create pii counter: %w", err)
	}
	return nil
}

// Enabled reports whether spans are exported anywhere.
func (p *Provider) Enabled() bool {
	return p != nil && p.tracerProvider != nil
}

// Tracer returns the tracer for manual span creation.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// StartToolSpan opens a span for a mediated tool call. op is SpanCheck or
// SpanPostCheck.
func (p *Provider) StartToolSpan(ctx context.Context, op, tool, sessionID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrToolName, tool),
			attribute.String(AttrSessionID, sessionID),
		),
	)
}

// EndToolSpan closes a decision span with its outcome. Empty attributes are
// dropped; post-check spans carry PII types but no verdict.
func (p *Provider) EndToolSpan(span trace.Span, verdict, ruleID string, piiTypes []string) {
	if verdict != "" {
		span.SetAttributes(attribute.String(AttrVerdict, verdict))
	}
	if ruleID != "" {
		span.SetAttributes(attribute.String(AttrRuleID, ruleID))
	}
	if len(piiTypes) > 0 {
		span.SetAttributes(attribute.StringSlice(AttrPIITypes, piiTypes))
	}
	span.End()
}

// RecordDecision counts one decision for the given operation and verdict.
func (p *Provider) RecordDecision(ctx context.Context, op, verdict string) {
	if p == nil || p.decisionCounter == nil {
		return
	}
	p.decisionCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("verdict", verdict),
		),
	)
}

// RecordPIIDetections counts detected PII entities by type.
func (p *Provider) RecordPIIDetections(ctx context.Context, piiTypes []string) {
	if p == nil || p.piiCounter == nil {
		return
	}
	for _, t := range piiTypes {
		p.piiCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("pii_type", t)))
	}
}

// Shutdown flushes and stops both pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
