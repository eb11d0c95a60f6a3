package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration. Non-goal §1 excludes a metrics
// backend, but tracing the broker's operation pipeline is an ambient
// concern the teacher carries regardless, so it's kept here generalized
// to AgenShield's own operations instead of elida's proxy sessions.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing for the broker.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider. Disabled or misconfigured
// telemetry never blocks broker startup -- it degrades to a no-op tracer.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("agenshield")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "agenshield-broker"
	}

	slog.Info("creating telemetry exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("otlp exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("agenshield")}, nil
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("agenshield"),
		provider: tp,
	}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Operation span attributes, namespaced to the broker's own domain.
const (
	AttrOperationID     = "agenshield.operation.id"
	AttrOperationType   = "agenshield.operation.type"
	AttrAgentPID        = "agenshield.agent.pid"
	AttrPolicyDecision  = "agenshield.policy.decision"
	AttrPolicyRuleID    = "agenshield.policy.rule_id"
	AttrSkillSlug       = "agenshield.skill.slug"
	AttrDurationMs      = "agenshield.duration.ms"
	AttrRequestMethod   = "http.request.method"
	AttrRequestPath     = "url.path"
	AttrResponseCode    = "http.response.status_code"
)

// StartOperationSpan starts a span for one broker operation (http_request,
// exec, file_read, skill_install, ...).
func (p *Provider) StartOperationSpan(ctx context.Context, operationID, operationType string, agentPID int) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "broker.operation",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrOperationID, operationID),
			attribute.String(AttrOperationType, operationType),
			attribute.Int(AttrAgentPID, agentPID),
		),
	)
	return ctx, span
}

// EndOperationSpan ends an operation span, recording the final error if any.
func (p *Provider) EndOperationSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordPolicyDecision annotates the current span with the policy engine's
// verdict for this operation.
func (p *Provider) RecordPolicyDecision(ctx context.Context, decision, ruleID string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("policy.decision",
		trace.WithAttributes(
			attribute.String(AttrPolicyDecision, decision),
			attribute.String(AttrPolicyRuleID, ruleID),
		),
	)
}

// RecordSkillEvent annotates the current span with a skill install/update/
// remove transition.
func (p *Provider) RecordSkillEvent(ctx context.Context, eventType, slug string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(eventType,
		trace.WithAttributes(attribute.String(AttrSkillSlug, slug)),
	)
}

// DefaultConfig returns a default telemetry configuration: disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "agenshield-broker",
	}
}

// ConfigFromEnv builds a Config from OTEL_* and AGENSHIELD_TELEMETRY_*
// environment variables, matching the env-var surface internal/config
// documents for the broker's telemetry knobs.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}

	if os.Getenv("AGENSHIELD_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if v := os.Getenv("AGENSHIELD_TELEMETRY_EXPORTER"); v != "" {
		cfg.Exporter = v
	}

	return cfg
}

// NoopProvider returns a provider that does nothing, for tests that need a
// Provider without a live exporter.
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("agenshield-noop"),
	}
}

// SpanFromContext extracts a span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout, used for provider
// shutdown during the broker's graceful-stop sequence.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
