package tracing

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/run-bigpig/chatstream/pkg/llm"
	"github.com/run-bigpig/chatstream/pkg/logging"
	"github.com/run-bigpig/chatstream/pkg/memory"
	"github.com/run-bigpig/chatstream/pkg/testhelpers"
)

func newRecordingTracer(t *testing.T) (*OTelTracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelTracerWithProvider(tp, "chatstream-test"), recorder
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestBackendOTelMiddlewareStreamSpan(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{Tokens: []string{"Hel", "lo."}})
	m := NewBackendOTelMiddleware(backend, tracer)

	ctx := logging.WithInvocationID(context.Background(), "inv-1")
	stream, err := m.StreamGenerate(ctx, "prompt", llm.DefaultGenerateParams())
	require.NoError(t, err)

	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	assert.Empty(t, recorder.Ended(), "span stays open until Close")

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "backend.stream", spans[0].Name())

	a := attrs(spans[0])
	assert.Equal(t, int64(2), a["stream.tokens"].AsInt64())
	assert.Equal(t, int64(len("Hello.")), a["response.length"].AsInt64())
	assert.Equal(t, "inv-1", a["invocation_id"].AsString())
	assert.Equal(t, "scripted", a["backend"].AsString())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Zero(t, backend.OpenStreams())
}

func TestBackendOTelMiddlewareStreamFault(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{Err: errors.New("reset")})
	m := NewBackendOTelMiddleware(backend, tracer)

	stream, err := m.StreamGenerate(context.Background(), "prompt", llm.DefaultGenerateParams())
	require.NoError(t, err)
	_, err = stream.Recv()
	require.Error(t, err)
	require.NoError(t, stream.Close())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestBackendOTelMiddlewareGenerate(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	backend := testhelpers.NewScriptedBackend()
	backend.Fallback = "answer."
	m := NewBackendOTelMiddleware(backend, tracer)

	resp, err := m.Generate(context.Background(), "prompt", llm.DefaultGenerateParams())
	require.NoError(t, err)
	assert.Equal(t, "answer.", resp)
	assert.Equal(t, "scripted", m.Name())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "backend.generate", spans[0].Name())
	assert.Equal(t, int64(len("answer.")), attrs(spans[0])["response.length"].AsInt64())
}

func TestBackendOTelMiddlewareOpenError(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{OpenErr: errors.New("refused")})
	m := NewBackendOTelMiddleware(backend, tracer)

	_, err := m.StreamGenerate(context.Background(), "prompt", llm.DefaultGenerateParams())
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestDisabledOTelTracer(t *testing.T) {
	tracer, err := NewOTelTracer(OTelConfig{Enabled: false})
	require.NoError(t, err)

	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{Tokens: []string{"a"}})
	m := NewBackendOTelMiddleware(backend, tracer)

	stream, err := m.StreamGenerate(context.Background(), "p", llm.DefaultGenerateParams())
	require.NoError(t, err)
	tok, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", tok.Text)
	require.NoError(t, stream.Close())
	require.NoError(t, tracer.Shutdown(context.Background()))
}

func TestMemoryOTelMiddleware(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	m := NewMemoryOTelMiddleware(memory.NewTurnBuffer(), tracer)
	ctx := logging.WithConversationID(context.Background(), "conv")

	require.NoError(t, m.Record(ctx, llm.Turn{User: "hi", Assistant: "hello."}))
	history, err := m.History(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	require.NoError(t, m.Clear(ctx))

	// Missing conversation ID surfaces as a span error
	assert.Error(t, m.Record(context.Background(), llm.Turn{}))

	spans := recorder.Ended()
	require.Len(t, spans, 4)
	assert.Equal(t, "memory.record", spans[0].Name())
	assert.Equal(t, "conv", attrs(spans[0])["conversation_id"].AsString())
	assert.Equal(t, int64(1), attrs(spans[1])["turns.count"].AsInt64())
	assert.Equal(t, codes.Error, spans[3].Status().Code)
}

func TestDisabledLangfuseMiddlewarePassesThrough(t *testing.T) {
	tracer, err := NewLangfuseTracer(LangfuseConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, tracer.Enabled())
	assert.NoError(t, tracer.Flush())

	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{Tokens: []string{"x", "y"}})
	backend.Fallback = "z."
	m := NewBackendMiddleware(backend, tracer, logging.NewNop())

	stream, err := m.StreamGenerate(context.Background(), "p", llm.DefaultGenerateParams())
	require.NoError(t, err)
	var text string
	for {
		tok, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text += tok.Text
	}
	require.NoError(t, stream.Close())
	assert.Equal(t, "xy", text)

	resp, err := m.Generate(context.Background(), "p", llm.DefaultGenerateParams())
	require.NoError(t, err)
	assert.Equal(t, "z.", resp)
	assert.Zero(t, backend.OpenStreams())
}

func TestLangfuseRequiresKeys(t *testing.T) {
	_, err := NewLangfuseTracer(LangfuseConfig{Enabled: true, PublicKey: "pk"})
	assert.Error(t, err)
}
