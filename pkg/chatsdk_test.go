package chatsdk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/chatstream/pkg/config"
	"github.com/run-bigpig/chatstream/pkg/generation"
	"github.com/run-bigpig/chatstream/pkg/llm/tgi"
	"github.com/run-bigpig/chatstream/pkg/logging"
	"github.com/run-bigpig/chatstream/pkg/testhelpers"
)

func TestNewBackend(t *testing.T) {
	logger := logging.NewNop()

	cfg := config.Default()
	backend, err := NewBackend(context.Background(), cfg, logger)
	require.NoError(t, err)
	assert.Equal(t, "tgi", backend.Name())

	cfg.Backend.BaseURL = "http://localhost:8080"
	backend, err = NewBackend(context.Background(), cfg, logger)
	require.NoError(t, err)
	client, ok := backend.(*tgi.Client)
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8080", client.BaseURL)
	assert.Empty(t, client.Model)

	cfg.Backend.Provider = config.ProviderOpenAI
	backend, err = NewBackend(context.Background(), cfg, logger)
	require.NoError(t, err)
	assert.Equal(t, "openai", backend.Name())

	cfg.Backend.Provider = "unknown"
	_, err = NewBackend(context.Background(), cfg, logger)
	assert.Error(t, err)
}

func TestInstrumentWithTracingDisabled(t *testing.T) {
	backend := testhelpers.NewScriptedBackend()
	wrapped, shutdown, err := Instrument(backend, config.Default(), logging.NewNop())
	require.NoError(t, err)
	assert.Same(t, backend, wrapped)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewControllerUsesConfiguredLimits(t *testing.T) {
	cfg := config.Default()
	cfg.Generation.MaxAttempts = 1
	cfg.Generation.StopPatterns = []string{"END"}
	cfg.Generation.CompletionMarker = " (cut)"

	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{Tokens: []string{"Done."}})
	backend.Fallback = "partial."
	c := NewController(backend, cfg, logging.NewNop())

	final, _, err := generation.Collect(c.Generate(context.Background(), "hi", nil, cfg.GenerateParams()))
	require.NoError(t, err)
	assert.Equal(t, "partial. (cut)", final)
	assert.Len(t, backend.StreamCalls(), 1)
}
