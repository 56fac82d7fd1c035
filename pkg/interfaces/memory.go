package interfaces

import (
	"context"

	"github.com/run-bigpig/chatstream/pkg/llm"
)

// Memory stores completed turns per conversation
type Memory interface {
	// Record appends a completed turn to the conversation in ctx
	Record(ctx context.Context, turn llm.Turn) error

	// History returns the turns recorded for the conversation in ctx, oldest first
	History(ctx context.Context, options ...HistoryOption) (llm.History, error)

	// Clear forgets the conversation in ctx
	Clear(ctx context.Context) error
}

// HistoryOptions contains options for retrieving history
type HistoryOptions struct {
	// Limit keeps only the most recent turns
	Limit int
}

// HistoryOption represents an option for retrieving history
type HistoryOption func(*HistoryOptions)

// WithLimit sets the maximum number of turns to retrieve
func WithLimit(limit int) HistoryOption {
	return func(o *HistoryOptions) {
		o.Limit = limit
	}
}
