package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault/internal/vaulterr"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retried []error
	cfg := fastRetry(3)
	cfg.OnRetry = func(err error, _ time.Duration) { retried = append(retried, err) }

	err := Retry(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: timeout", vaulterr.ErrBlobUnavailable)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, retried, 2)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(4), func(context.Context) error {
		calls++
		return vaulterr.ErrKMSUnavailable
	})
	assert.ErrorIs(t, err, vaulterr.ErrKMSUnavailable)
	assert.Equal(t, 4, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		return vaulterr.ErrDecryptionFailed
	})
	assert.ErrorIs(t, err, vaulterr.ErrDecryptionFailed)
	assert.Equal(t, 1, calls)
}

func TestRetry_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := RetryConfig{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour}
	err := Retry(ctx, cfg, func(context.Context) error {
		calls++
		cancel()
		return vaulterr.ErrBlobUnavailable
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []string
	cb := NewCircuitBreaker("blob", CircuitBreakerConfig{
		FailureThreshold: 2,
		Timeout:          time.Minute,
		OnStateChange: func(_ string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.now = func() time.Time { return now }
	ctx := context.Background()
	fail := func(context.Context) error { return vaulterr.ErrBlobUnavailable }
	ok := func(context.Context) error { return nil }

	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateClosed, cb.State())
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, vaulterr.ErrBlobUnavailable)
	assert.False(t, called)

	now = now.Add(time.Minute)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestCircuitBreaker_IgnoresPermanentErrors(t *testing.T) {
	cb := NewCircuitBreaker("blob", CircuitBreakerConfig{FailureThreshold: 1})
	err := cb.Execute(context.Background(), func(context.Context) error { return errors.New("bad request") })
	assert.Error(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestGuard_StopsRetryingWhenCircuitOpens(t *testing.T) {
	g := NewGuard("blob", fastRetry(10), CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour})
	calls := 0
	err := g.Do(context.Background(), func(context.Context) error {
		calls++
		return vaulterr.ErrBlobUnavailable
	})
	assert.ErrorIs(t, err, vaulterr.ErrBlobUnavailable)
	assert.Equal(t, 2, calls)
	assert.Equal(t, StateOpen, g.Breaker().State())
}

func TestCircuitBreaker_RejectsWithConfiguredSentinel(t *testing.T) {
	cb := NewCircuitBreaker("kms", CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Hour,
		Unavailable:      vaulterr.ErrKMSUnavailable,
	})
	ctx := context.Background()
	assert.Error(t, cb.Execute(ctx, func(context.Context) error { return vaulterr.ErrKMSUnavailable }))
	require.Equal(t, StateOpen, cb.State())

	err := cb.Execute(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, vaulterr.ErrKMSUnavailable)
	assert.NotErrorIs(t, err, vaulterr.ErrBlobUnavailable)
}
