// Package health runs readiness checks against the collaborators a vault node depends on.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hengadev/medvault/internal/reliability"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a check that sets no timeout of its own.
const DefaultTimeout = 5 * time.Second

// Check is one named probe. A failing critical check makes the whole node unhealthy; a
// failing non-critical one only degrades it.
type Check struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Func     func(context.Context) (Status, error)
}

// Result is the outcome of one check.
type Result struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Critical bool          `json:"critical"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is the outcome of a full run.
type Report struct {
	Status    Status             `json:"status"`
	CheckedAt time.Time          `json:"checkedAt"`
	Duration  time.Duration      `json:"duration"`
	Results   map[string]*Result `json:"results"`
}

// Checker holds the registered checks.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewChecker() *Checker {
	return &Checker{checks: make(map[string]Check)}
}

// Register adds c, replacing any check of the same name.
func (hc *Checker) Register(c Check) error {
	if c.Name == "" {
		return fmt.Errorf("health check name cannot be empty")
	}
	if c.Func == nil {
		return fmt.Errorf("health check function cannot be nil")
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[c.Name] = c
	return nil
}

// Run executes every check concurrently.
func (hc *Checker) Run(ctx context.Context) *Report {
	start := time.Now()
	hc.mu.RLock()
	checks := make([]Check, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	hc.mu.RUnlock()

	results := make(map[string]*Result, len(checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := execute(ctx, c)
			mu.Lock()
			results[c.Name] = r
			mu.Unlock()
		}()
	}
	wg.Wait()

	return &Report{
		Status:    overall(results),
		CheckedAt: start,
		Duration:  time.Since(start),
		Results:   results,
	}
}

func execute(ctx context.Context, c Check) *Result {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	start := time.Now()
	status, err := c.Func(ctx)
	r := &Result{Name: c.Name, Status: status, Critical: c.Critical, Duration: time.Since(start)}
	if err != nil {
		r.Error = err.Error()
		if status == StatusHealthy || status == "" {
			r.Status = StatusUnhealthy
		}
	}
	return r
}

func overall(results map[string]*Result) Status {
	if len(results) == 0 {
		return StatusUnknown
	}
	status := StatusHealthy
	for _, r := range results {
		switch r.Status {
		case StatusHealthy:
		case StatusUnhealthy, StatusUnknown:
			if r.Critical {
				return StatusUnhealthy
			}
			status = StatusDegraded
		default:
			status = StatusDegraded
		}
	}
	return status
}

// Probe turns an error-returning ping into a check function.
func Probe(ping func(context.Context) error) func(context.Context) (Status, error) {
	return func(ctx context.Context) (Status, error) {
		if err := ping(ctx); err != nil {
			return StatusUnhealthy, err
		}
		return StatusHealthy, nil
	}
}

// ErrCircuitOpen reports a breaker that is currently rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker reports an open breaker as unhealthy and a half-open one as degraded.
func CircuitBreaker(cb *reliability.CircuitBreaker) func(context.Context) (Status, error) {
	return func(context.Context) (Status, error) {
		switch cb.State() {
		case reliability.StateOpen:
			return StatusUnhealthy, ErrCircuitOpen
		case reliability.StateHalfOpen:
			return StatusDegraded, nil
		default:
			return StatusHealthy, nil
		}
	}
}
