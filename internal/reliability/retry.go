// Package reliability guards calls to collaborators that can fail transiently, such as the
// blob store and remote KMS providers, with retries and a circuit breaker.
package reliability

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hengadev/medvault/internal/vaulterr"
)

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first one
	MaxAttempts int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries
	MaxDelay time.Duration
	// Multiplier for exponential backoff
	Multiplier float64
	// Jitter is the randomization factor applied to each delay, between 0 and 1
	Jitter float64
	// ShouldRetry decides whether an error is worth another attempt
	ShouldRetry func(error) bool
	// OnRetry is called before each retry attempt
	OnRetry func(err error, delay time.Duration)
}

// DefaultRetryConfig retries the errors vaulterr classifies as transient.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		ShouldRetry:  vaulterr.IsRetryableError,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = def.Jitter
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = def.ShouldRetry
	}
	return c
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialDelay
	exp.MaxInterval = c.MaxDelay
	exp.Multiplier = c.Multiplier
	exp.RandomizationFactor = c.Jitter
	// attempts bound the retries, not elapsed time
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.MaxAttempts-1)), ctx)
}

// Retry runs operation until it succeeds, returns an error ShouldRetry rejects, runs out of
// attempts or ctx is done. It returns the last error from operation.
func Retry(ctx context.Context, config RetryConfig, operation func(context.Context) error) error {
	config = config.withDefaults()
	attempt := func() error {
		err := operation(ctx)
		if err != nil && !config.ShouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var notify backoff.Notify
	if config.OnRetry != nil {
		notify = config.OnRetry
	}
	return backoff.RetryNotify(attempt, config.backOff(ctx), notify)
}
