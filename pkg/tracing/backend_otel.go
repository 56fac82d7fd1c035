package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/run-bigpig/chatstream/pkg/interfaces"
	"github.com/run-bigpig/chatstream/pkg/llm"
)

// BackendOTelMiddleware wraps a backend with OpenTelemetry tracing
type BackendOTelMiddleware struct {
	backend interfaces.Backend
	tracer  *OTelTracer
}

// NewBackendOTelMiddleware creates a new BackendOTelMiddleware
func NewBackendOTelMiddleware(backend interfaces.Backend, tracer *OTelTracer) *BackendOTelMiddleware {
	return &BackendOTelMiddleware{
		backend: backend,
		tracer:  tracer,
	}
}

func requestAttributes(backend string, prompt string, params llm.GenerateParams) map[string]string {
	return map[string]string{
		"backend":        backend,
		"prompt.length":  fmt.Sprintf("%d", len(prompt)),
		"temperature":    fmt.Sprintf("%g", params.Temperature),
		"max_new_tokens": fmt.Sprintf("%d", params.MaxNewTokens),
	}
}

// StreamGenerate implements interfaces.Backend.StreamGenerate.
// The span stays open until the stream is closed.
func (m *BackendOTelMiddleware) StreamGenerate(ctx context.Context, prompt string, params llm.GenerateParams) (interfaces.TokenStream, error) {
	ctx, span := m.tracer.StartSpan(ctx, "backend.stream", requestAttributes(m.backend.Name(), prompt, params))

	stream, err := m.backend.StreamGenerate(ctx, prompt, params)
	if err != nil {
		m.tracer.EndSpan(span, err)
		return nil, err
	}

	return &otelStream{stream: stream, tracer: m.tracer, span: span}, nil
}

// Generate implements interfaces.Backend.Generate
func (m *BackendOTelMiddleware) Generate(ctx context.Context, prompt string, params llm.GenerateParams) (string, error) {
	ctx, span := m.tracer.StartSpan(ctx, "backend.generate", requestAttributes(m.backend.Name(), prompt, params))

	response, err := m.backend.Generate(ctx, prompt, params)
	if err == nil {
		span.SetAttributes(attribute.Int("response.length", len(response)))
	}
	m.tracer.EndSpan(span, err)

	return response, err
}

// Name implements interfaces.Backend.Name
func (m *BackendOTelMiddleware) Name() string {
	return m.backend.Name()
}

type otelStream struct {
	stream interfaces.TokenStream
	tracer *OTelTracer
	span   trace.Span
	tokens int
	length int
	err    error
	ended  bool
}

func (s *otelStream) Recv() (llm.Token, error) {
	tok, err := s.stream.Recv()
	switch {
	case err == nil:
		s.tokens++
		s.length += len(tok.Text)
	case !errors.Is(err, io.EOF):
		s.err = err
	}
	return tok, err
}

func (s *otelStream) Close() error {
	err := s.stream.Close()
	if !s.ended {
		s.ended = true
		s.span.SetAttributes(
			attribute.Int("stream.tokens", s.tokens),
			attribute.Int("response.length", s.length),
		)
		s.tracer.EndSpan(s.span, s.err)
	}
	return err
}

var _ interfaces.Backend = (*BackendOTelMiddleware)(nil)
