// Package memory keeps chat history in process for front ends.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/run-bigpig/chatstream/pkg/interfaces"
	"github.com/run-bigpig/chatstream/pkg/llm"
	"github.com/run-bigpig/chatstream/pkg/logging"
)

// DefaultMaxSize is the number of turns kept per conversation
const DefaultMaxSize = 100

// TurnBuffer implements interfaces.Memory in memory
type TurnBuffer struct {
	turns   map[string]llm.History
	maxSize int
	mu      sync.RWMutex
}

// Option represents an option for configuring the turn buffer
type Option func(*TurnBuffer)

// WithMaxSize sets the maximum number of turns to store; zero keeps everything
func WithMaxSize(size int) Option {
	return func(b *TurnBuffer) {
		b.maxSize = size
	}
}

// NewTurnBuffer creates a new turn buffer
func NewTurnBuffer(options ...Option) *TurnBuffer {
	buffer := &TurnBuffer{
		turns:   make(map[string]llm.History),
		maxSize: DefaultMaxSize,
	}

	for _, option := range options {
		option(buffer)
	}

	return buffer
}

// Record adds a completed turn to the buffer
func (b *TurnBuffer) Record(ctx context.Context, turn llm.Turn) error {
	conversationID, err := getConversationID(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	turns := b.turns[conversationID].Append(turn)
	if b.maxSize > 0 && len(turns) > b.maxSize {
		turns = turns[len(turns)-b.maxSize:]
	}
	b.turns[conversationID] = turns

	return nil
}

// History returns a copy of the conversation's turns
func (b *TurnBuffer) History(ctx context.Context, options ...interfaces.HistoryOption) (llm.History, error) {
	conversationID, err := getConversationID(ctx)
	if err != nil {
		return nil, err
	}

	opts := &interfaces.HistoryOptions{}
	for _, option := range options {
		option(opts)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	turns := b.turns[conversationID]
	if opts.Limit > 0 && opts.Limit < len(turns) {
		turns = turns[len(turns)-opts.Limit:]
	}

	history := make(llm.History, len(turns))
	copy(history, turns)
	return history, nil
}

// Clear clears the buffer for a conversation
func (b *TurnBuffer) Clear(ctx context.Context) error {
	conversationID, err := getConversationID(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.turns, conversationID)

	return nil
}

func getConversationID(ctx context.Context) (string, error) {
	conversationID, ok := logging.ConversationID(ctx)
	if !ok || conversationID == "" {
		return "", fmt.Errorf("conversation ID not found in context")
	}
	return conversationID, nil
}

var _ interfaces.Memory = (*TurnBuffer)(nil)
