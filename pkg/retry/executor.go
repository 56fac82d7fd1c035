package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Executor runs operations under a retry policy
type Executor struct {
	policy *Policy
	notify func(err error, next time.Duration)
}

// NewExecutor creates a new executor for policy
func NewExecutor(policy *Policy) *Executor {
	if policy == nil {
		policy = NewPolicy()
	}
	return &Executor{policy: policy}
}

// OnRetry registers a callback invoked before each retry
func (e *Executor) OnRetry(fn func(err error, next time.Duration)) *Executor {
	e.notify = fn
	return e
}

// Policy returns the executor's policy
func (e *Executor) Policy() *Policy {
	return e.policy
}

// Execute runs operation until it succeeds, returns a permanent error,
// the attempt budget is spent or ctx is done.
func (e *Executor) Execute(ctx context.Context, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.policy.InitialInterval
	b.Multiplier = e.policy.BackoffCoefficient
	b.MaxInterval = e.policy.MaximumInterval
	// Attempts bound the loop, not wall time
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if e.policy.MaximumAttempts > 0 {
		policy = backoff.WithMaxRetries(b, uint64(e.policy.MaximumAttempts-1))
	}

	return backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), e.notify)
}

// Permanent wraps err so Execute stops retrying immediately
func Permanent(err error) error {
	return backoff.Permanent(err)
}
