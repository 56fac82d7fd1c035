package generation

import (
	"errors"
	"fmt"
)

// State is a phase of a single Generate invocation
type State int

const (
	// StateStreaming means a token stream is being consumed
	StateStreaming State = iota
	// StateFallback means streaming is over and one blocking request is issued
	StateFallback
	// StateDone is terminal: the response is complete or the caller stopped reading
	StateDone
	// StateFailed is terminal: nothing more can be produced
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateFallback:
		return "fallback"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition is reported to observers on every state change.
// Attempt is the number of completed streaming attempts at the time.
type Transition struct {
	From    State
	To      State
	Attempt int
	Reason  string
}

// ErrFallbackFailed matches a Fault raised by the non-streaming request
var ErrFallbackFailed = errors.New("non-streaming fallback failed")

// Fault is the terminal error of an invocation that produced no final response
type Fault struct {
	Phase   State
	Attempt int
	Err     error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("generation failed during %s after %d streaming attempt(s): %v", f.Phase, f.Attempt, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Is makes errors.Is(err, ErrFallbackFailed) true for fallback faults
func (f *Fault) Is(target error) bool {
	return target == ErrFallbackFailed && f.Phase == StateFallback
}

// loopState is the per-invocation retry data
type loopState struct {
	attempt int
	prompt  string
}

type attemptResult int

const (
	attemptMatched attemptResult = iota
	attemptExhausted
	attemptFault
	attemptAbandoned
	attemptCancelled
)
