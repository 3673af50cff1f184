package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hengadev/medvault/internal/vaulterr"
)

// CircuitState represents the current state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the circuit opens
	FailureThreshold int
	// Timeout is how long the circuit stays open before letting one probe through
	Timeout time.Duration
	// ShouldTrip decides whether an error counts as a failure
	ShouldTrip func(error) bool
	// OnStateChange is called when the circuit state changes
	OnStateChange func(name string, from, to CircuitState)
	// Unavailable is wrapped by calls rejected while the circuit is open. It names the
	// collaborator behind the breaker.
	Unavailable error
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		ShouldTrip:       vaulterr.IsRetryableError,
		Unavailable:      vaulterr.ErrBlobUnavailable,
	}
}

// CircuitBreaker fails calls fast while a collaborator keeps failing.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.ShouldTrip == nil {
		config.ShouldTrip = def.ShouldTrip
	}
	if config.Unavailable == nil {
		config.Unavailable = def.Unavailable
	}
	return &CircuitBreaker{name: name, config: config, now: time.Now}
}

// Execute runs fn unless the circuit is open. A rejected call fails with an error wrapping
// the configured Unavailable sentinel.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		retryAt := cb.openedAt.Add(cb.config.Timeout)
		if cb.now().Before(retryAt) {
			return fmt.Errorf("%w: circuit '%s' open until %s", cb.config.Unavailable, cb.name, retryAt.Format(time.RFC3339))
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return fmt.Errorf("%w: circuit '%s' is probing", cb.config.Unavailable, cb.name)
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	if err != nil && cb.config.ShouldTrip(err) {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
		}
		return
	}
	cb.failures = 0
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.config.OnStateChange != nil && from != to {
		cb.config.OnStateChange(cb.name, from, to)
	}
}

// State returns the current state. An open circuit whose timeout has passed still reads as
// open until the next call probes it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Guard combines retries with a circuit breaker. Each attempt goes through the breaker, so
// an open circuit stops the retry loop early.
type Guard struct {
	retry   RetryConfig
	breaker *CircuitBreaker
}

func NewGuard(name string, retry RetryConfig, breaker CircuitBreakerConfig) *Guard {
	return &Guard{retry: retry, breaker: NewCircuitBreaker(name, breaker)}
}

func (g *Guard) Do(ctx context.Context, operation func(context.Context) error) error {
	config := g.retry.withDefaults()
	shouldRetry := config.ShouldRetry
	config.ShouldRetry = func(err error) bool {
		return g.breaker.State() != StateOpen && shouldRetry(err)
	}
	return Retry(ctx, config, func(ctx context.Context) error {
		return g.breaker.Execute(ctx, operation)
	})
}

func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }
