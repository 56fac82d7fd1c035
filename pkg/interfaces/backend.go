package interfaces

import (
	"context"

	"github.com/run-bigpig/chatstream/pkg/llm"
)

// TokenStream is an open streaming generation.
// Recv returns io.EOF once the backend signals the end of the stream; any other
// error is a fault. A stream cannot be restarted and must always be closed.
type TokenStream interface {
	Recv() (llm.Token, error)
	Close() error
}

// Backend represents a remote text-generation endpoint
type Backend interface {
	// StreamGenerate opens a streaming request for prompt
	StreamGenerate(ctx context.Context, prompt string, params llm.GenerateParams) (TokenStream, error)

	// Generate performs a single blocking request and returns the complete text
	Generate(ctx context.Context, prompt string, params llm.GenerateParams) (string, error)

	// Name returns the name of the backend
	Name() string
}
