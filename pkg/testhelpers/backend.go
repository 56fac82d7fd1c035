// Package testhelpers provides test doubles for the backend contract.
package testhelpers

import (
	"context"
	"io"
	"sync"

	"github.com/run-bigpig/chatstream/pkg/interfaces"
	"github.com/run-bigpig/chatstream/pkg/llm"
)

// StreamScript describes what one StreamGenerate call does
type StreamScript struct {
	OpenErr error    // Returned by StreamGenerate instead of a stream
	Tokens  []string // Fragments delivered in order
	Err     error    // Returned by Recv after all tokens instead of io.EOF
}

// Call records one request made against the backend
type Call struct {
	Prompt string
	Params llm.GenerateParams
}

// ScriptedBackend is a Backend that replays scripted streams and responses.
// Stream scripts are consumed one per StreamGenerate call; the last script
// is repeated once the list runs out.
type ScriptedBackend struct {
	Streams     []StreamScript
	Fallback    string
	FallbackErr error

	mu            sync.Mutex
	streamCalls   []Call
	generateCalls []Call
	opened        int
	closed        int
}

// NewScriptedBackend creates a backend that plays streams in order
func NewScriptedBackend(streams ...StreamScript) *ScriptedBackend {
	return &ScriptedBackend{Streams: streams}
}

// StreamGenerate implements interfaces.Backend
func (b *ScriptedBackend) StreamGenerate(ctx context.Context, prompt string, params llm.GenerateParams) (interfaces.TokenStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	index := len(b.streamCalls)
	b.streamCalls = append(b.streamCalls, Call{Prompt: prompt, Params: params})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var script StreamScript
	switch {
	case len(b.Streams) == 0:
	case index < len(b.Streams):
		script = b.Streams[index]
	default:
		script = b.Streams[len(b.Streams)-1]
	}

	if script.OpenErr != nil {
		return nil, script.OpenErr
	}

	b.opened++
	return &scriptedStream{ctx: ctx, backend: b, tokens: script.Tokens, err: script.Err}, nil
}

// Generate implements interfaces.Backend
func (b *ScriptedBackend) Generate(ctx context.Context, prompt string, params llm.GenerateParams) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.generateCalls = append(b.generateCalls, Call{Prompt: prompt, Params: params})
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.FallbackErr != nil {
		return "", b.FallbackErr
	}
	return b.Fallback, nil
}

// Name implements interfaces.Backend
func (b *ScriptedBackend) Name() string {
	return "scripted"
}

// StreamCalls returns the recorded StreamGenerate calls
func (b *ScriptedBackend) StreamCalls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.streamCalls...)
}

// GenerateCalls returns the recorded Generate calls
func (b *ScriptedBackend) GenerateCalls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.generateCalls...)
}

// OpenStreams returns the number of streams opened but not yet closed
func (b *ScriptedBackend) OpenStreams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened - b.closed
}

type scriptedStream struct {
	ctx     context.Context
	backend *ScriptedBackend
	tokens  []string
	err     error
	pos     int
	closed  bool
}

func (s *scriptedStream) Recv() (llm.Token, error) {
	if err := s.ctx.Err(); err != nil {
		return llm.Token{}, err
	}
	if s.pos < len(s.tokens) {
		tok := llm.Token{ID: s.pos, Text: s.tokens[s.pos]}
		s.pos++
		return tok, nil
	}
	if s.err != nil {
		return llm.Token{}, s.err
	}
	return llm.Token{}, io.EOF
}

func (s *scriptedStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.backend.mu.Lock()
	s.backend.closed++
	s.backend.mu.Unlock()
	return nil
}

// Tokenize splits text into single-character fragments
func Tokenize(text string) []string {
	tokens := make([]string, 0, len(text))
	for _, r := range text {
		tokens = append(tokens, string(r))
	}
	return tokens
}

var _ interfaces.Backend = (*ScriptedBackend)(nil)
