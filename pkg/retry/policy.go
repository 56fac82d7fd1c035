package retry

import (
	"fmt"
	"time"
)

// Defaults applied by NewPolicy
const (
	DefaultInitialInterval    = 500 * time.Millisecond
	DefaultBackoffCoefficient = 2.0
	DefaultMaximumInterval    = 10 * time.Second
	DefaultMaximumAttempts    = 3
)

// Policy defines how a backend request is retried before it is reported as a fault.
// It only covers opening a request; a stream that already delivered data is never replayed.
type Policy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int32 // Total attempts including the first; 0 means unbounded
}

// Option represents a retry policy option
type Option func(*Policy)

// WithInitialInterval sets the initial interval for retries
func WithInitialInterval(interval time.Duration) Option {
	return func(p *Policy) {
		p.InitialInterval = interval
	}
}

// WithBackoffCoefficient sets the backoff coefficient
func WithBackoffCoefficient(coefficient float64) Option {
	return func(p *Policy) {
		p.BackoffCoefficient = coefficient
	}
}

// WithMaximumInterval sets the maximum interval between retries
func WithMaximumInterval(interval time.Duration) Option {
	return func(p *Policy) {
		p.MaximumInterval = interval
	}
}

// WithMaxAttempts sets the maximum number of attempts
func WithMaxAttempts(attempts int32) Option {
	return func(p *Policy) {
		p.MaximumAttempts = attempts
	}
}

// NewPolicy creates a new retry policy with default values
func NewPolicy(opts ...Option) *Policy {
	policy := &Policy{
		InitialInterval:    DefaultInitialInterval,
		BackoffCoefficient: DefaultBackoffCoefficient,
		MaximumInterval:    DefaultMaximumInterval,
		MaximumAttempts:    DefaultMaximumAttempts,
	}

	for _, opt := range opts {
		opt(policy)
	}

	return policy
}

// Validate checks the policy for values backoff cannot use
func (p *Policy) Validate() error {
	switch {
	case p.InitialInterval <= 0:
		return fmt.Errorf("retry: initial interval must be positive, got %s", p.InitialInterval)
	case p.BackoffCoefficient < 1:
		return fmt.Errorf("retry: backoff coefficient must be >= 1, got %v", p.BackoffCoefficient)
	case p.MaximumInterval < p.InitialInterval:
		return fmt.Errorf("retry: maximum interval %s is below initial interval %s", p.MaximumInterval, p.InitialInterval)
	case p.MaximumAttempts < 0:
		return fmt.Errorf("retry: maximum attempts must not be negative, got %d", p.MaximumAttempts)
	}
	return nil
}
