package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastPolicy(attempts int32) *Policy {
	return NewPolicy(
		WithInitialInterval(time.Millisecond),
		WithMaximumInterval(2*time.Millisecond),
		WithBackoffCoefficient(1.5),
		WithMaxAttempts(attempts),
	)
}

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy()
	assert.Equal(t, DefaultInitialInterval, p.InitialInterval)
	assert.Equal(t, 2.0, p.BackoffCoefficient)
	assert.Equal(t, int32(3), p.MaximumAttempts)
	assert.NoError(t, p.Validate())
}

func TestPolicyValidate(t *testing.T) {
	assert.Error(t, NewPolicy(WithInitialInterval(0)).Validate())
	assert.Error(t, NewPolicy(WithBackoffCoefficient(0.5)).Validate())
	assert.Error(t, NewPolicy(WithMaximumInterval(time.Millisecond)).Validate())
	assert.Error(t, NewPolicy(WithMaxAttempts(-1)).Validate())
}

func TestExecuteSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := NewExecutor(fastPolicy(3)).Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	retries := 0
	executor := NewExecutor(fastPolicy(2)).OnRetry(func(error, time.Duration) { retries++ })

	err := executor.Execute(context.Background(), func() error {
		calls++
		return errors.New("always")
	})

	assert.EqualError(t, err, "always")
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, retries)
}

func TestExecutePermanentError(t *testing.T) {
	calls := 0
	cause := errors.New("bad request")

	err := NewExecutor(fastPolicy(5)).Execute(context.Background(), func() error {
		calls++
		return Permanent(cause)
	})

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, calls)
}

func TestExecuteCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := NewExecutor(fastPolicy(5)).Execute(ctx, func() error {
		calls++
		return errors.New("transient")
	})

	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
