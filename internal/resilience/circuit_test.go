package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transientBoom(ctx context.Context) error {
	return NewTransientError(eris.New("boom"), 503)
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Error(t, cb.Execute(ctx, transientBoom))
		assert.Equal(t, CircuitClosed, cb.State())
	}

	require.Error(t, cb.Execute(ctx, transientBoom))
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, transientBoom))
	require.NoError(t, cb.Execute(ctx, func(ctx context.Context) error { return nil }))
	require.Error(t, cb.Execute(ctx, transientBoom))

	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitIgnoresNonTrippingErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, func(ctx context.Context) error {
		return NewPolicyError(eris.New("refused"), "model-a")
	}))
	require.Error(t, cb.Execute(ctx, func(ctx context.Context) error {
		return eris.New("validation failed")
	}))

	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitHalfOpenProbeSuccessCloses(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
	})
	cb.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, transientBoom))
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(11 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func(ctx context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitHalfOpenProbeFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
	})
	cb.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, transientBoom))

	now = now.Add(11 * time.Second)
	require.Error(t, cb.Execute(ctx, transientBoom))
	assert.Equal(t, CircuitOpen, cb.State())

	// The reset clock restarts from the failed probe.
	now = now.Add(5 * time.Second)
	assert.Equal(t, CircuitOpen, cb.State())
	now = now.Add(6 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitStateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	require.Error(t, cb.Execute(context.Background(), transientBoom))
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestExecuteValReturnsValue(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	val, err := ExecuteVal(context.Background(), cb, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}
