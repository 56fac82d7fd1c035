package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/run-bigpig/chatstream/pkg/config"
	"github.com/run-bigpig/chatstream/pkg/interfaces"
	"github.com/run-bigpig/chatstream/pkg/llm"
	"github.com/run-bigpig/chatstream/pkg/logging"
)

// OTelTracer implements tracing using OpenTelemetry
type OTelTracer struct {
	tracer      trace.Tracer
	provider    *sdktrace.TracerProvider
	enabled     bool
	serviceName string
}

// OTelConfig contains configuration for OpenTelemetry
type OTelConfig struct {
	// Enabled determines whether OpenTelemetry tracing is enabled
	Enabled bool

	// ServiceName is the name of the service
	ServiceName string

	// CollectorEndpoint is the endpoint of the OpenTelemetry collector
	CollectorEndpoint string

	// SamplingRate is the fraction of invocations traced, 1 traces everything
	SamplingRate float64
}

// OTelConfigFrom converts the tracing section of a config
func OTelConfigFrom(cfg config.OpenTelemetryConfig) OTelConfig {
	return OTelConfig{
		Enabled:           cfg.Enabled,
		ServiceName:       cfg.ServiceName,
		CollectorEndpoint: cfg.CollectorEndpoint,
		SamplingRate:      cfg.SamplingRate,
	}
}

// NewOTelTracer creates a new OpenTelemetry tracer exporting over OTLP/gRPC
func NewOTelTracer(cfg OTelConfig) (*OTelTracer, error) {
	if !cfg.Enabled {
		return &OTelTracer{
			enabled: false,
		}, nil
	}

	ctx := context.Background()
	exporter, err := otlptrace.New(
		ctx,
		otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cfg.CollectorEndpoint),
			otlptracegrpc.WithInsecure(),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SamplingRate > 0 && cfg.SamplingRate < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	return NewOTelTracerWithProvider(tp, cfg.ServiceName), nil
}

// NewOTelTracerWithProvider creates an enabled tracer on an existing provider
func NewOTelTracerWithProvider(tp *sdktrace.TracerProvider, serviceName string) *OTelTracer {
	return &OTelTracer{
		tracer:      tp.Tracer(serviceName),
		provider:    tp,
		enabled:     true,
		serviceName: serviceName,
	}
}

// StartSpan starts a new span
func (t *OTelTracer) StartSpan(ctx context.Context, name string, attributes map[string]string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, trace.SpanFromContext(ctx)
	}

	attrs := make([]attribute.KeyValue, 0, len(attributes)+2)
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	if id, ok := logging.InvocationID(ctx); ok {
		attrs = append(attrs, attribute.String("invocation_id", id))
	}
	if id, ok := logging.ConversationID(ctx); ok {
		attrs = append(attrs, attribute.String("conversation_id", id))
	}

	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan ends a span
func (t *OTelTracer) EndSpan(span trace.Span, err error) {
	if !t.enabled {
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Shutdown flushes pending spans and stops the exporter
func (t *OTelTracer) Shutdown(ctx context.Context) error {
	if !t.enabled || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// MemoryOTelMiddleware implements middleware for memory operations with OpenTelemetry tracing
type MemoryOTelMiddleware struct {
	memory interfaces.Memory
	tracer *OTelTracer
}

// NewMemoryOTelMiddleware creates a new memory middleware with OpenTelemetry tracing
func NewMemoryOTelMiddleware(memory interfaces.Memory, tracer *OTelTracer) *MemoryOTelMiddleware {
	return &MemoryOTelMiddleware{
		memory: memory,
		tracer: tracer,
	}
}

// Record records a turn with OpenTelemetry tracing
func (m *MemoryOTelMiddleware) Record(ctx context.Context, turn llm.Turn) error {
	attributes := map[string]string{
		"turn.user":      fmt.Sprintf("%d bytes", len(turn.User)),
		"turn.assistant": fmt.Sprintf("%d bytes", len(turn.Assistant)),
	}

	ctx, span := m.tracer.StartSpan(ctx, "memory.record", attributes)
	err := m.memory.Record(ctx, turn)
	m.tracer.EndSpan(span, err)

	return err
}

// History gets turns from memory with OpenTelemetry tracing
func (m *MemoryOTelMiddleware) History(ctx context.Context, options ...interfaces.HistoryOption) (llm.History, error) {
	ctx, span := m.tracer.StartSpan(ctx, "memory.history", nil)

	history, err := m.memory.History(ctx, options...)
	if err == nil {
		span.SetAttributes(attribute.Int("turns.count", len(history)))
	}
	m.tracer.EndSpan(span, err)

	return history, err
}

// Clear clears memory with OpenTelemetry tracing
func (m *MemoryOTelMiddleware) Clear(ctx context.Context) error {
	ctx, span := m.tracer.StartSpan(ctx, "memory.clear", nil)
	err := m.memory.Clear(ctx)
	m.tracer.EndSpan(span, err)

	return err
}

var _ interfaces.Memory = (*MemoryOTelMiddleware)(nil)
