package generation_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/run-bigpig/chatstream/pkg/generation"
	"github.com/run-bigpig/chatstream/pkg/llm"
	"github.com/run-bigpig/chatstream/pkg/logging"
	"github.com/run-bigpig/chatstream/pkg/prompts"
	"github.com/run-bigpig/chatstream/pkg/testhelpers"
)

func newController(backend *testhelpers.ScriptedBackend, options ...generation.Option) *generation.Controller {
	options = append([]generation.Option{generation.WithLogger(logging.NewNop())}, options...)
	return generation.New(backend, options...)
}

func collectValues(t *testing.T, c *generation.Controller, message string, history llm.History, params llm.GenerateParams) ([]string, error) {
	t.Helper()
	var values []string
	var err error
	for value, e := range c.Generate(context.Background(), message, history, params) {
		if e != nil {
			require.Nil(t, err, "at most one error may be yielded")
			err = e
			continue
		}
		require.Nil(t, err, "no value may follow an error")
		values = append(values, value)
	}
	return values, err
}

func TestStopsAtFirstMatch(t *testing.T) {
	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{
		Tokens: testhelpers.Tokenize("Hello world.\n\n"),
	})
	c := newController(backend)

	values, err := collectValues(t, c, "Say hello", nil, llm.DefaultGenerateParams())
	require.NoError(t, err)

	require.Len(t, values, len("Hello world."))
	assert.Equal(t, "Hello world.", values[len(values)-1])
	for i := 1; i < len(values); i++ {
		assert.True(t, strings.HasPrefix(values[i], values[i-1]), "values must grow monotonically")
	}

	assert.Len(t, backend.StreamCalls(), 1)
	assert.Empty(t, backend.GenerateCalls())
	assert.Zero(t, backend.OpenStreams())
}

func TestFallbackAfterExhaustedAttempts(t *testing.T) {
	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{Tokens: []string{"no ", "terminator"}})
	backend.Fallback = "partial answer"

	var transitions []generation.Transition
	c := newController(backend,
		generation.WithMaxAttempts(3),
		generation.WithObserver(func(tr generation.Transition) { transitions = append(transitions, tr) }),
	)

	values, err := collectValues(t, c, "question", nil, llm.DefaultGenerateParams())
	require.NoError(t, err)

	assert.Len(t, backend.StreamCalls(), 3)
	assert.Len(t, backend.GenerateCalls(), 1)
	assert.Equal(t, "partial answer [Additional text required to complete the response.]", values[len(values)-1])

	fallbacks := 0
	for _, tr := range transitions {
		if tr.To == generation.StateFallback {
			fallbacks++
			assert.Equal(t, 3, tr.Attempt)
		}
	}
	assert.Equal(t, 1, fallbacks)
	assert.Equal(t, generation.StateDone, transitions[len(transitions)-1].To)
	assert.Zero(t, backend.OpenStreams())
}

func TestAccumulatorIsNotResetBetweenAttempts(t *testing.T) {
	backend := testhelpers.NewScriptedBackend(
		testhelpers.StreamScript{Tokens: []string{"one"}},
		testhelpers.StreamScript{Tokens: []string{" two"}},
		testhelpers.StreamScript{Tokens: []string{" three."}},
	)
	c := newController(backend)

	values, err := collectValues(t, c, "count", nil, llm.DefaultGenerateParams())
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "one two", "one two three."}, values)
	assert.Len(t, backend.StreamCalls(), 3)
	assert.Empty(t, backend.GenerateCalls())
}

func TestContinuationPromptUsesLastLine(t *testing.T) {
	history := llm.History{{User: "hi", Assistant: "hello"}}
	backend := testhelpers.NewScriptedBackend(
		testhelpers.StreamScript{Tokens: []string{"first line\n", "second line"}},
		testhelpers.StreamScript{Tokens: []string{" continued\n", "tail"}},
	)
	backend.Fallback = "Done."
	c := newController(backend, generation.WithMaxAttempts(2))

	values, err := collectValues(t, c, "go on", history, llm.DefaultGenerateParams())
	require.NoError(t, err)

	calls := backend.StreamCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, prompts.Format("go on", history), calls[0].Prompt)
	assert.Equal(t, prompts.Format("second line", history), calls[1].Prompt)

	generateCalls := backend.GenerateCalls()
	require.Len(t, generateCalls, 1)
	assert.Equal(t, prompts.Format("tail", history), generateCalls[0].Prompt)

	// A fallback response that already terminates gets no marker
	assert.Equal(t, "Done.", values[len(values)-1])
}

func TestAllCallsFaultYieldsNoValues(t *testing.T) {
	transport := errors.New("connection refused")
	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{OpenErr: transport})
	backend.FallbackErr = transport
	c := newController(backend)

	final, count, err := generation.Collect(c.Generate(context.Background(), "hi", nil, llm.DefaultGenerateParams()))

	assert.Zero(t, count)
	assert.Empty(t, final)
	require.Error(t, err)
	assert.ErrorIs(t, err, generation.ErrFallbackFailed)
	assert.ErrorIs(t, err, transport)

	var fault *generation.Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, generation.StateFallback, fault.Phase)
	assert.Equal(t, 0, fault.Attempt)

	// The fault skipped the remaining streaming attempts
	assert.Len(t, backend.StreamCalls(), 1)
	assert.Len(t, backend.GenerateCalls(), 1)
}

func TestMidStreamFaultFallsBack(t *testing.T) {
	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{
		Tokens: []string{"Hel", "lo"},
		Err:    &llm.BackendError{Backend: "scripted", Op: "stream", Err: errors.New("reset by peer")},
	})
	backend.Fallback = "Hello there."
	c := newController(backend)

	values, err := collectValues(t, c, "greet", nil, llm.DefaultGenerateParams())
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "Hello", "Hello there."}, values)
	assert.Len(t, backend.StreamCalls(), 1)
	assert.Len(t, backend.GenerateCalls(), 1)
	assert.Zero(t, backend.OpenStreams())
}

func TestTemperatureIsClamped(t *testing.T) {
	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{Tokens: []string{"x"}})
	backend.Fallback = "y"
	c := newController(backend, generation.WithMaxAttempts(1))

	params := llm.DefaultGenerateParams()
	params.Temperature = 0
	_, _, err := generation.Collect(c.Generate(context.Background(), "m", nil, params))
	require.NoError(t, err)

	require.Len(t, backend.StreamCalls(), 1)
	assert.Equal(t, llm.MinTemperature, backend.StreamCalls()[0].Params.Temperature)
	assert.True(t, backend.StreamCalls()[0].Params.DoSample)
	require.Len(t, backend.GenerateCalls(), 1)
	assert.Equal(t, llm.MinTemperature, backend.GenerateCalls()[0].Params.Temperature)
}

func TestEarlyAbandonmentReleasesStream(t *testing.T) {
	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{Tokens: testhelpers.Tokenize("abcdefgh")})

	var last generation.Transition
	c := newController(backend, generation.WithObserver(func(tr generation.Transition) { last = tr }))

	seen := 0
	for _, err := range c.Generate(context.Background(), "m", nil, llm.DefaultGenerateParams()) {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}

	assert.Equal(t, 2, seen)
	assert.Zero(t, backend.OpenStreams())
	assert.Empty(t, backend.GenerateCalls())
	assert.Equal(t, generation.StateDone, last.To)
}

func TestZeroAttemptsGoesStraightToFallback(t *testing.T) {
	backend := testhelpers.NewScriptedBackend()
	backend.Fallback = "only answer"
	c := newController(backend, generation.WithMaxAttempts(0))

	final, count, err := generation.Collect(c.Generate(context.Background(), "m", nil, llm.DefaultGenerateParams()))
	require.NoError(t, err)

	assert.Equal(t, 1, count)
	assert.Equal(t, "only answer"+generation.DefaultCompletionMarker, final)
	assert.Empty(t, backend.StreamCalls())
}

func TestCancelledContextDoesNotFallBack(t *testing.T) {
	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{Tokens: []string{"a"}})
	backend.Fallback = "unused"
	c := newController(backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, count, err := generation.Collect(c.Generate(ctx, "m", nil, llm.DefaultGenerateParams()))

	assert.Zero(t, count)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, generation.ErrFallbackFailed)
	assert.Empty(t, backend.GenerateCalls())
}

func TestCustomStopPatternsAndMarker(t *testing.T) {
	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{Tokens: []string{"a.", "b", "END"}})
	backend.Fallback = "still going."
	c := newController(backend,
		generation.WithStopPatterns("END"),
		generation.WithCompletionMarker(" …"),
		generation.WithMaxAttempts(1),
	)

	values, err := collectValues(t, c, "m", nil, llm.DefaultGenerateParams())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.", "a.b", "a.bEND"}, values)

	backend = testhelpers.NewScriptedBackend(testhelpers.StreamScript{Tokens: []string{"x"}})
	backend.Fallback = "still going."
	c = newController(backend,
		generation.WithStopPatterns("END"),
		generation.WithCompletionMarker(" …"),
		generation.WithMaxAttempts(1),
	)
	final, _, err := generation.Collect(c.Generate(context.Background(), "m", nil, llm.DefaultGenerateParams()))
	require.NoError(t, err)
	assert.Equal(t, "still going. …", final)
}

func TestConcurrentInvocationsAreIndependent(t *testing.T) {
	backend := testhelpers.NewScriptedBackend(testhelpers.StreamScript{Tokens: testhelpers.Tokenize("Hi there.")})
	c := newController(backend)

	const workers = 8
	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			final, _, err := generation.Collect(c.Generate(context.Background(), "m", nil, llm.DefaultGenerateParams()))
			assert.NoError(t, err)
			results[i] = final
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "Hi there.", r)
	}
	assert.Zero(t, backend.OpenStreams())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", generation.StateStreaming.String())
	assert.Equal(t, "fallback", generation.StateFallback.String())
	assert.Equal(t, "done", generation.StateDone.String())
	assert.Equal(t, "failed", generation.StateFailed.String())
}
