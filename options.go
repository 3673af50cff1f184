package medvault

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hengadev/medvault/internal/crypto"
	"github.com/hengadev/medvault/internal/monitoring"
	"github.com/hengadev/medvault/internal/protocol"
	"github.com/hengadev/medvault/internal/reliability"
)

type (
	ObservabilityHook    = monitoring.ObservabilityHook
	RetryConfig          = reliability.RetryConfig
	CircuitBreakerConfig = reliability.CircuitBreakerConfig
)

type options struct {
	engine    []protocol.Option
	algorithm crypto.Algorithm
	logger    *slog.Logger
	hook      ObservabilityHook
	now       func() time.Time
	retry     RetryConfig
	breaker   CircuitBreakerConfig
	closers   []io.Closer
}

func defaultOptions() *options {
	return &options{
		algorithm: crypto.AES256GCM,
		logger:    monitoring.DiscardLogger(),
		hook:      &monitoring.NoOpObservabilityHook{},
		now:       time.Now,
		retry:     reliability.DefaultRetryConfig(),
		breaker:   reliability.DefaultCircuitBreakerConfig(),
	}
}

type Option func(o *options) error

// WithCipher selects the payload AEAD by name: "aes-256-gcm" or "xchacha20-poly1305".
// Records written with either stay readable whatever the setting.
func WithCipher(name string) Option {
	return func(o *options) error {
		alg, err := crypto.ParseAlgorithm(name)
		if err != nil {
			return err
		}
		o.algorithm = alg
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		o.logger = logger
		return nil
	}
}

func WithObservabilityHook(hook ObservabilityHook) Option {
	return func(o *options) error {
		if hook == nil {
			return fmt.Errorf("observability hook cannot be nil")
		}
		o.hook = hook
		return nil
	}
}

// WithClock replaces time.Now for the engine and for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		o.now = now
		return nil
	}
}

// WithAuthorities names the addresses allowed to verify users and designate emergency
// providers.
func WithAuthorities(addrs ...Address) Option {
	return func(o *options) error {
		o.engine = append(o.engine, protocol.WithAuthorities(addrs...))
		return nil
	}
}

func WithRequestWindow(d time.Duration) Option {
	return func(o *options) error {
		o.engine = append(o.engine, protocol.WithRequestWindow(d))
		return nil
	}
}

func WithGrantDuration(d time.Duration) Option {
	return func(o *options) error {
		o.engine = append(o.engine, protocol.WithGrantDuration(d))
		return nil
	}
}

func WithEmergencyWindow(d time.Duration) Option {
	return func(o *options) error {
		o.engine = append(o.engine, protocol.WithEmergencyWindow(d))
		return nil
	}
}

// WithIDGenerator replaces the UUIDv7 request id generator.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(o *options) error {
		o.engine = append(o.engine, protocol.WithIDGenerator(gen))
		return nil
	}
}

// WithRetry configures retries of blob store and KMS calls. Zero fields keep their
// defaults.
func WithRetry(config RetryConfig) Option {
	return func(o *options) error {
		if config.MaxAttempts < 0 {
			return fmt.Errorf("retry attempts cannot be negative, got %d", config.MaxAttempts)
		}
		o.retry = config
		return nil
	}
}

func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(o *options) error {
		if config.FailureThreshold < 0 {
			return fmt.Errorf("failure threshold cannot be negative, got %d", config.FailureThreshold)
		}
		o.breaker = config
		return nil
	}
}

// WithCloser hands c to the Vault so Close releases it.
func WithCloser(c io.Closer) Option {
	return func(o *options) error {
		if c != nil {
			o.closers = append(o.closers, c)
		}
		return nil
	}
}
