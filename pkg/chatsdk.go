package chatsdk

import (
	"context"
	"errors"
	"fmt"

	"github.com/run-bigpig/chatstream/pkg/config"
	"github.com/run-bigpig/chatstream/pkg/generation"
	"github.com/run-bigpig/chatstream/pkg/interfaces"
	"github.com/run-bigpig/chatstream/pkg/llm/openai"
	"github.com/run-bigpig/chatstream/pkg/llm/tgi"
	"github.com/run-bigpig/chatstream/pkg/llm/vertex"
	"github.com/run-bigpig/chatstream/pkg/logging"
	"github.com/run-bigpig/chatstream/pkg/memory"
	"github.com/run-bigpig/chatstream/pkg/tracing"
)

// NewLogger creates the logger described by cfg
func NewLogger(cfg *config.Config) logging.Logger {
	return logging.New(cfg.LoggerOptions()...)
}

// NewBackend creates the backend selected by cfg.Backend.Provider
func NewBackend(ctx context.Context, cfg *config.Config, logger logging.Logger) (interfaces.Backend, error) {
	b := cfg.Backend
	switch b.Provider {
	case config.ProviderTGI:
		options := []tgi.Option{
			tgi.WithToken(b.Token),
			tgi.WithTimeout(b.Timeout),
			tgi.WithLogger(logger),
			tgi.WithRetry(cfg.RetryOptions()...),
		}
		if b.BaseURL != "" {
			// A self-hosted server serves one model and takes no model path
			options = append(options, tgi.WithBaseURL(b.BaseURL), tgi.WithModel(b.Model))
		} else if b.Model != "" {
			options = append(options, tgi.WithModel(b.Model))
		}
		return tgi.NewClient(options...), nil

	case config.ProviderOpenAI:
		options := []openai.Option{
			openai.WithLogger(logger),
			openai.WithRetry(cfg.RetryOptions()...),
		}
		if b.BaseURL != "" {
			options = append(options, openai.WithBaseURL(b.BaseURL))
		}
		if b.Model != "" {
			options = append(options, openai.WithModel(b.Model))
		}
		return openai.NewClient(b.Token, options...), nil

	case config.ProviderVertex:
		options := []vertex.ClientOption{
			vertex.WithLogger(logger),
			vertex.WithMaxRetries(int(cfg.Retry.MaximumAttempts) - 1),
			vertex.WithRetryDelay(cfg.Retry.InitialInterval),
		}
		if b.Location != "" {
			options = append(options, vertex.WithLocation(b.Location))
		}
		if b.Model != "" {
			options = append(options, vertex.WithModel(b.Model))
		}
		if b.CredentialsFile != "" {
			options = append(options, vertex.WithCredentialsFile(b.CredentialsFile))
		}
		return vertex.NewClient(ctx, b.Project, options...)

	default:
		return nil, fmt.Errorf("unknown backend provider %q", b.Provider)
	}
}

// Instrument wraps backend with the tracers enabled in cfg.
// The returned function flushes and stops them.
func Instrument(backend interfaces.Backend, cfg *config.Config, logger logging.Logger) (interfaces.Backend, func(context.Context) error, error) {
	otelTracer, err := tracing.NewOTelTracer(tracing.OTelConfigFrom(cfg.Tracing.OpenTelemetry))
	if err != nil {
		return nil, nil, err
	}
	if cfg.Tracing.OpenTelemetry.Enabled {
		backend = tracing.NewBackendOTelMiddleware(backend, otelTracer)
	}

	lf := cfg.Tracing.Langfuse
	langfuseTracer, err := tracing.NewLangfuseTracer(tracing.LangfuseConfig{
		Enabled:     lf.Enabled,
		SecretKey:   lf.SecretKey,
		PublicKey:   lf.PublicKey,
		Host:        lf.Host,
		Environment: lf.Environment,
	})
	if err != nil {
		_ = otelTracer.Shutdown(context.Background())
		return nil, nil, err
	}
	if langfuseTracer.Enabled() {
		backend = tracing.NewBackendMiddleware(backend, langfuseTracer, logger)
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(langfuseTracer.Flush(), otelTracer.Shutdown(ctx))
	}
	return backend, shutdown, nil
}

// NewController creates a generation controller with the limits in cfg.
// Options are applied after the configured ones.
func NewController(backend interfaces.Backend, cfg *config.Config, logger logging.Logger, options ...generation.Option) *generation.Controller {
	g := cfg.Generation
	opts := []generation.Option{
		generation.WithMaxAttempts(g.MaxAttempts),
		generation.WithLogger(logger),
	}
	if len(g.StopPatterns) > 0 {
		opts = append(opts, generation.WithStopPatterns(g.StopPatterns...))
	}
	if g.CompletionMarker != "" {
		opts = append(opts, generation.WithCompletionMarker(g.CompletionMarker))
	}
	return generation.New(backend, append(opts, options...)...)
}

// NewMemory creates an in-memory turn store
func NewMemory(options ...memory.Option) interfaces.Memory {
	return memory.NewTurnBuffer(options...)
}
