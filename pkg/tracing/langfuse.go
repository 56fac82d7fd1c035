package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/henomis/langfuse-go"
	"github.com/henomis/langfuse-go/model"

	"github.com/run-bigpig/chatstream/pkg/config"
	"github.com/run-bigpig/chatstream/pkg/interfaces"
	"github.com/run-bigpig/chatstream/pkg/llm"
	"github.com/run-bigpig/chatstream/pkg/logging"
)

// LangfuseTracer implements tracing using Langfuse
type LangfuseTracer struct {
	client      *langfuse.Langfuse
	enabled     bool
	environment string
}

// LangfuseConfig contains configuration for Langfuse
type LangfuseConfig struct {
	// Enabled determines whether Langfuse tracing is enabled
	Enabled bool

	// SecretKey is the Langfuse secret key
	SecretKey string

	// PublicKey is the Langfuse public key
	PublicKey string

	// Host is the Langfuse host (optional)
	Host string

	// Environment is the environment name (e.g., "production", "staging")
	Environment string
}

// NewLangfuseTracer creates a new Langfuse tracer from customConfig or the global configuration
func NewLangfuseTracer(customConfig ...LangfuseConfig) (*LangfuseTracer, error) {
	var tracerConfig LangfuseConfig
	if len(customConfig) > 0 {
		tracerConfig = customConfig[0]
	} else {
		cfg := config.Get()
		tracerConfig = LangfuseConfig{
			Enabled:     cfg.Tracing.Langfuse.Enabled,
			SecretKey:   cfg.Tracing.Langfuse.SecretKey,
			PublicKey:   cfg.Tracing.Langfuse.PublicKey,
			Host:        cfg.Tracing.Langfuse.Host,
			Environment: cfg.Tracing.Langfuse.Environment,
		}
	}

	if !tracerConfig.Enabled {
		return &LangfuseTracer{
			enabled: false,
		}, nil
	}
	if tracerConfig.SecretKey == "" || tracerConfig.PublicKey == "" {
		return nil, fmt.Errorf("langfuse tracing requires both a public and a secret key")
	}

	// The client reads its credentials from the environment
	for key, value := range map[string]string{
		"LANGFUSE_PUBLIC_KEY": tracerConfig.PublicKey,
		"LANGFUSE_SECRET_KEY": tracerConfig.SecretKey,
		"LANGFUSE_HOST":       tracerConfig.Host,
	} {
		if value != "" && os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return nil, fmt.Errorf("failed to set %s: %w", key, err)
			}
		}
	}
	client := langfuse.New(context.Background())

	return &LangfuseTracer{
		client:      client,
		enabled:     true,
		environment: tracerConfig.Environment,
	}, nil
}

func (t *LangfuseTracer) metadata(ctx context.Context, metadata map[string]interface{}) model.M {
	m := make(model.M, len(metadata)+3)
	for k, v := range metadata {
		m[k] = v
	}
	m["environment"] = t.environment
	if id, ok := logging.InvocationID(ctx); ok {
		m["invocation_id"] = id
	}
	if id, ok := logging.ConversationID(ctx); ok {
		m["conversation_id"] = id
	}
	return m
}

// TraceGeneration traces a backend generation
func (t *LangfuseTracer) TraceGeneration(ctx context.Context, modelName string, prompt string, response string, startTime time.Time, endTime time.Time, metadata map[string]interface{}) (string, error) {
	if !t.enabled {
		return "", nil
	}

	generation := &model.Generation{
		Name:      fmt.Sprintf("generation-%d", time.Now().UnixNano()),
		StartTime: &startTime,
		EndTime:   &endTime,
		Model:     modelName,
		Input: []model.M{
			{
				"prompt": prompt,
			},
		},
		Output: model.M{
			"completion": response,
		},
		Metadata: t.metadata(ctx, metadata),
	}

	var id string
	generationID, err := t.client.Generation(generation, &id)
	if err != nil {
		return "", fmt.Errorf("failed to create Langfuse generation: %w", err)
	}

	return generationID.ID, nil
}

// TraceEvent traces an event
func (t *LangfuseTracer) TraceEvent(ctx context.Context, name string, input interface{}, output interface{}, level string, metadata map[string]interface{}, parentID string) (string, error) {
	if !t.enabled {
		return "", nil
	}

	event := &model.Event{
		Name:     name,
		Input:    input,
		Output:   output,
		Level:    model.ObservationLevel(level),
		Metadata: t.metadata(ctx, metadata),
	}
	if parentID != "" {
		event.ParentObservationID = parentID
	}

	var id string
	eventID, err := t.client.Event(event, &id)
	if err != nil {
		return "", fmt.Errorf("failed to create Langfuse event: %w", err)
	}

	return eventID.ID, nil
}

// Flush flushes the Langfuse client
func (t *LangfuseTracer) Flush() error {
	if !t.enabled {
		return nil
	}

	t.client.Flush(context.Background())
	return nil
}

// Enabled reports whether events are sent
func (t *LangfuseTracer) Enabled() bool {
	return t.enabled
}

// BackendMiddleware implements middleware for backend calls with Langfuse tracing
type BackendMiddleware struct {
	backend interfaces.Backend
	tracer  *LangfuseTracer
	logger  logging.Logger
}

// NewBackendMiddleware creates a new backend middleware with Langfuse tracing
func NewBackendMiddleware(backend interfaces.Backend, tracer *LangfuseTracer, logger logging.Logger) *BackendMiddleware {
	if logger == nil {
		logger = logging.New()
	}
	return &BackendMiddleware{
		backend: backend,
		tracer:  tracer,
		logger:  logger,
	}
}

func paramsMetadata(params llm.GenerateParams) map[string]interface{} {
	return map[string]interface{}{
		"temperature":        params.Temperature,
		"top_p":              params.TopP,
		"max_new_tokens":     params.MaxNewTokens,
		"repetition_penalty": params.RepetitionPenalty,
		"seed":               params.Seed,
	}
}

func (m *BackendMiddleware) record(ctx context.Context, op string, prompt string, response string, startTime time.Time, params llm.GenerateParams, err error) {
	endTime := time.Now()
	metadata := paramsMetadata(params)
	metadata["op"] = op

	if err == nil {
		if _, traceErr := m.tracer.TraceGeneration(ctx, m.backend.Name(), prompt, response, startTime, endTime, metadata); traceErr != nil {
			m.logger.Warn(ctx, "Failed to trace generation", map[string]interface{}{"error": traceErr.Error()})
		}
		return
	}

	metadata["error"] = err.Error()
	if _, traceErr := m.tracer.TraceEvent(ctx, "backend_error", prompt, response, "ERROR", metadata, ""); traceErr != nil {
		m.logger.Warn(ctx, "Failed to trace error", map[string]interface{}{"error": traceErr.Error()})
	}
}

// StreamGenerate implements interfaces.Backend.StreamGenerate.
// The generation is recorded when the stream is closed.
func (m *BackendMiddleware) StreamGenerate(ctx context.Context, prompt string, params llm.GenerateParams) (interfaces.TokenStream, error) {
	startTime := time.Now()
	stream, err := m.backend.StreamGenerate(ctx, prompt, params)
	if err != nil {
		m.record(ctx, "stream", prompt, "", startTime, params, err)
		return nil, err
	}

	return &langfuseStream{
		stream:    stream,
		ctx:       ctx,
		m:         m,
		prompt:    prompt,
		params:    params,
		startTime: startTime,
	}, nil
}

// Generate implements interfaces.Backend.Generate
func (m *BackendMiddleware) Generate(ctx context.Context, prompt string, params llm.GenerateParams) (string, error) {
	startTime := time.Now()
	response, err := m.backend.Generate(ctx, prompt, params)
	m.record(ctx, "generate", prompt, response, startTime, params, err)
	return response, err
}

// Name implements interfaces.Backend.Name
func (m *BackendMiddleware) Name() string {
	return m.backend.Name()
}

type langfuseStream struct {
	stream    interfaces.TokenStream
	ctx       context.Context
	m         *BackendMiddleware
	prompt    string
	params    llm.GenerateParams
	startTime time.Time

	text strings.Builder
	err  error
	once sync.Once
}

func (s *langfuseStream) Recv() (llm.Token, error) {
	tok, err := s.stream.Recv()
	switch {
	case err == nil:
		s.text.WriteString(tok.Text)
	case !errors.Is(err, io.EOF):
		s.err = err
	}
	return tok, err
}

func (s *langfuseStream) Close() error {
	err := s.stream.Close()
	s.once.Do(func() {
		s.m.record(s.ctx, "stream", s.prompt, s.text.String(), s.startTime, s.params, s.err)
	})
	return err
}

var _ interfaces.Backend = (*BackendMiddleware)(nil)
