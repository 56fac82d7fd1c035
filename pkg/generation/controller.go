// Package generation drives a streaming completion against a backend until the
// output matches a stop pattern, re-prompting a bounded number of times and falling
// back to a single blocking request when streaming does not finish the response.
package generation

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"

	"github.com/google/uuid"

	"github.com/run-bigpig/chatstream/pkg/interfaces"
	"github.com/run-bigpig/chatstream/pkg/llm"
	"github.com/run-bigpig/chatstream/pkg/logging"
	"github.com/run-bigpig/chatstream/pkg/prompts"
	"github.com/run-bigpig/chatstream/pkg/stop"
)

// DefaultMaxAttempts is the number of streaming attempts before falling back
const DefaultMaxAttempts = 5

// DefaultCompletionMarker is appended to a fallback response that matches no stop pattern
const DefaultCompletionMarker = " [Additional text required to complete the response.]"

// Controller runs Generate invocations against one backend.
// It holds no per-invocation state and is safe for concurrent use.
type Controller struct {
	backend     interfaces.Backend
	maxAttempts int
	matcher     *stop.Matcher
	template    prompts.ChatTemplate
	marker      string
	logger      logging.Logger
	observer    func(Transition)
	newID       func() string
}

// Option represents an option for configuring the controller
type Option func(*Controller)

// WithMaxAttempts sets the number of streaming attempts. Zero goes straight to the fallback.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n < 0 {
			n = 0
		}
		c.maxAttempts = n
	}
}

// WithStopPatterns sets the stop patterns; no patterns means the defaults
func WithStopPatterns(patterns ...string) Option {
	return func(c *Controller) {
		c.matcher = stop.NewMatcher(patterns...)
	}
}

// WithTemplate sets the chat template used to build prompts
func WithTemplate(template prompts.ChatTemplate) Option {
	return func(c *Controller) {
		c.template = template
	}
}

// WithCompletionMarker sets the text appended to an unterminated fallback response
func WithCompletionMarker(marker string) Option {
	return func(c *Controller) {
		c.marker = marker
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithObserver registers a callback for every state transition
func WithObserver(fn func(Transition)) Option {
	return func(c *Controller) {
		c.observer = fn
	}
}

// New creates a controller for backend
func New(backend interfaces.Backend, options ...Option) *Controller {
	c := &Controller{
		backend:     backend,
		maxAttempts: DefaultMaxAttempts,
		matcher:     stop.NewMatcher(),
		template:    prompts.MixtralTemplate,
		marker:      DefaultCompletionMarker,
		logger:      logging.New(),
		newID:       uuid.NewString,
	}

	for _, option := range options {
		option(c)
	}

	return c
}

// Generate answers message in the context of history.
//
// Each successful value is the full response text so far, and later values extend or
// replace earlier ones. If no response can be produced the sequence ends with a single
// ("", *Fault) pair. Breaking out of the loop early releases the open stream.
func (c *Controller) Generate(ctx context.Context, message string, history llm.History, params llm.GenerateParams) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		id := c.newID()
		inv := &invocation{
			c:       c,
			ctx:     logging.WithInvocationID(ctx, id),
			history: history,
			params:  params.Normalize(),
		}
		inv.run(message, yield)
	}
}

// Collect drains seq and returns the last successful value, the number of
// successful values and the terminal error, if any.
func Collect(seq iter.Seq2[string, error]) (final string, values int, err error) {
	for value, e := range seq {
		if e != nil {
			err = e
			continue
		}
		final = value
		values++
	}
	return final, values, err
}

type invocation struct {
	c       *Controller
	ctx     context.Context
	history llm.History
	params  llm.GenerateParams

	state   State
	loop    loopState
	output  strings.Builder
	lastErr error
}

func (inv *invocation) run(message string, yield func(string, error) bool) {
	c := inv.c
	inv.state = StateStreaming
	inv.loop = loopState{prompt: c.template.Format(message, inv.history)}

	c.logger.Debug(inv.ctx, "Starting generation", map[string]interface{}{
		"backend":      c.backend.Name(),
		"history":      len(inv.history),
		"segments":     c.template.CountSegments(inv.loop.prompt),
		"max_attempts": c.maxAttempts,
		"temperature":  inv.params.Temperature,
	})

	if c.maxAttempts <= 0 {
		inv.transition(StateFallback, "no streaming attempts configured")
	}

	for inv.state == StateStreaming {
		switch inv.streamAttempt(yield) {
		case attemptMatched:
			inv.transition(StateDone, "stop pattern matched")
			c.logger.Info(inv.ctx, "Generation completed while streaming", map[string]interface{}{
				"attempts": inv.loop.attempt + 1,
				"length":   inv.output.Len(),
			})
			return
		case attemptAbandoned:
			inv.transition(StateDone, "consumer stopped reading")
			return
		case attemptCancelled:
			inv.fail(yield)
			return
		case attemptFault:
			c.logger.Warn(inv.ctx, "Streaming attempt failed, falling back", map[string]interface{}{
				"attempt": inv.loop.attempt + 1,
				"error":   inv.lastErr.Error(),
			})
			inv.transition(StateFallback, "stream fault")
		case attemptExhausted:
			inv.loop.attempt++
			// Only the last line of the output seeds the continuation
			inv.loop.prompt = c.template.Format(lastLine(inv.output.String()), inv.history)
			if inv.loop.attempt >= c.maxAttempts {
				inv.transition(StateFallback, "streaming attempts exhausted")
			} else {
				inv.transition(StateStreaming, "stream ended without stop pattern")
			}
		}
	}

	inv.fallback(yield)
}

func (inv *invocation) streamAttempt(yield func(string, error) bool) attemptResult {
	c := inv.c
	c.logger.Debug(inv.ctx, "Opening stream", map[string]interface{}{
		"attempt":       inv.loop.attempt + 1,
		"prompt_length": len(inv.loop.prompt),
	})

	stream, err := c.backend.StreamGenerate(inv.ctx, inv.loop.prompt, inv.params)
	if err != nil {
		return inv.faultResult(err)
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			c.logger.Warn(inv.ctx, "Failed to close stream", map[string]interface{}{
				"error": closeErr.Error(),
			})
		}
	}()

	for {
		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return attemptExhausted
		}
		if err != nil {
			return inv.faultResult(err)
		}

		inv.output.WriteString(token.Text)
		output := inv.output.String()
		if !yield(output, nil) {
			return attemptAbandoned
		}
		if c.matcher.Matches(output) {
			return attemptMatched
		}
	}
}

func (inv *invocation) faultResult(err error) attemptResult {
	inv.lastErr = err
	if inv.ctx.Err() != nil {
		return attemptCancelled
	}
	return attemptFault
}

func (inv *invocation) fallback(yield func(string, error) bool) {
	c := inv.c
	c.logger.Debug(inv.ctx, "Issuing non-streaming request", map[string]interface{}{
		"attempts":      inv.loop.attempt,
		"prompt_length": len(inv.loop.prompt),
	})

	text, err := c.backend.Generate(inv.ctx, inv.loop.prompt, inv.params)
	if err != nil {
		inv.lastErr = err
		inv.fail(yield)
		return
	}

	if !c.matcher.Matches(text) {
		text += c.marker
	}
	inv.output.Reset()
	inv.output.WriteString(text)

	inv.transition(StateDone, "fallback response received")
	c.logger.Info(inv.ctx, "Generation completed by fallback", map[string]interface{}{
		"attempts": inv.loop.attempt,
		"length":   len(text),
	})
	yield(text, nil)
}

func (inv *invocation) fail(yield func(string, error) bool) {
	err := inv.lastErr
	if ctxErr := inv.ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = ctxErr
	}
	fault := &Fault{Phase: inv.state, Attempt: inv.loop.attempt, Err: err}

	inv.c.logger.Error(inv.ctx, "Generation failed", map[string]interface{}{
		"phase":    inv.state.String(),
		"attempts": inv.loop.attempt,
		"error":    err.Error(),
	})
	inv.transition(StateFailed, err.Error())
	yield("", fault)
}

func (inv *invocation) transition(to State, reason string) {
	t := Transition{From: inv.state, To: to, Attempt: inv.loop.attempt, Reason: reason}
	inv.state = to
	if inv.c.observer != nil {
		inv.c.observer(t)
	}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
