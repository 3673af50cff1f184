// Package protocol implements the consent-gated sharing state machine: identity registry,
// record catalog, permission requests, escrowed incentives, emergency override and batch
// grants. All authoritative state lives behind a store.Store; the engine itself holds none.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/hengadev/medvault/internal/monitoring"
	"github.com/hengadev/medvault/internal/store"
	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

const (
	DefaultRequestWindow   = 30 * 24 * time.Hour
	DefaultGrantDuration   = 30 * 24 * time.Hour
	DefaultEmergencyWindow = 24 * time.Hour
)

// Engine runs protocol transitions against a Store.
type Engine struct {
	store           store.Store
	now             func() time.Time
	newID           func() (string, error)
	requestWindow   time.Duration
	grantDuration   time.Duration
	emergencyWindow time.Duration
	authorities     map[types.Address]struct{}
	logger          *slog.Logger
	hook            monitoring.ObservabilityHook
}

// Option configures an Engine.
type Option func(*Engine) error

// WithClock replaces time.Now. Ledger adapters pass the transaction timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		e.now = now
		return nil
	}
}

// WithIDGenerator replaces the UUIDv7 generator used for request and audit ids.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(e *Engine) error {
		if gen == nil {
			return fmt.Errorf("id generator cannot be nil")
		}
		e.newID = gen
		return nil
	}
}

func WithRequestWindow(d time.Duration) Option {
	return func(e *Engine) error {
		e.requestWindow = d
		return nil
	}
}

func WithGrantDuration(d time.Duration) Option {
	return func(e *Engine) error {
		e.grantDuration = d
		return nil
	}
}

func WithEmergencyWindow(d time.Duration) Option {
	return func(e *Engine) error {
		e.emergencyWindow = d
		return nil
	}
}

// WithAuthorities sets the addresses allowed to verify users and manage their status.
func WithAuthorities(addrs ...types.Address) Option {
	return func(e *Engine) error {
		for _, a := range addrs {
			if a == "" {
				return fmt.Errorf("authority address cannot be empty")
			}
			e.authorities[a] = struct{}{}
		}
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		e.logger = logger
		return nil
	}
}

func WithObservabilityHook(hook monitoring.ObservabilityHook) Option {
	return func(e *Engine) error {
		if hook == nil {
			return fmt.Errorf("observability hook cannot be nil")
		}
		e.hook = hook
		return nil
	}
}

// NewEngine creates an Engine over st.
func NewEngine(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	e := &Engine{
		store:           st,
		now:             time.Now,
		newID:           newUUIDv7,
		requestWindow:   DefaultRequestWindow,
		grantDuration:   DefaultGrantDuration,
		emergencyWindow: DefaultEmergencyWindow,
		authorities:     make(map[types.Address]struct{}),
		logger:          monitoring.DiscardLogger(),
		hook:            &monitoring.NoOpObservabilityHook{},
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) validate() error {
	var errs errsx.Map
	if e.requestWindow <= 0 {
		errs.Set("requestWindow", fmt.Errorf("must be positive, got %s", e.requestWindow))
	}
	if e.grantDuration <= 0 {
		errs.Set("grantDuration", fmt.Errorf("must be positive, got %s", e.grantDuration))
	}
	if e.emergencyWindow <= 0 {
		errs.Set("emergencyWindow", fmt.Errorf("must be positive, got %s", e.emergencyWindow))
	}
	return errs.AsError()
}

// RequestWindow is the lifetime of a pending request.
func (e *Engine) RequestWindow() time.Duration { return e.requestWindow }

// IsAuthority reports whether addr may verify users.
func (e *Engine) IsAuthority(addr types.Address) bool {
	_, ok := e.authorities[addr]
	return ok
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return id.String(), nil
}

// observe wraps a whole transition, including any work done outside the store, with hooks
// and a log line.
func (e *Engine) observe(ctx context.Context, op vaulterr.Op, attrs []any, body func() error) error {
	name := opName(op)
	start := time.Now()
	e.hook.OnProcessStart(ctx, name, nil)

	err := body()

	duration := time.Since(start)
	if err != nil {
		e.hook.OnError(ctx, name, err, nil)
	}
	e.hook.OnProcessComplete(ctx, name, duration, err, nil)
	monitoring.LogTransition(ctx, e.logger, name, duration, err, attrs...)
	return err
}

// update runs fn as one observed, serialized transition.
func (e *Engine) update(ctx context.Context, op vaulterr.Op, attrs []any, fn func(tx store.Tx, now time.Time) error) error {
	return e.observe(ctx, op, attrs, func() error {
		return e.commit(ctx, fn)
	})
}

// commit runs fn in a write transaction with the clock read once.
func (e *Engine) commit(ctx context.Context, fn func(tx store.Tx, now time.Time) error) error {
	return e.store.Update(ctx, func(tx store.Tx) error {
		return fn(tx, e.now())
	})
}

func (e *Engine) view(ctx context.Context, fn func(tx store.Tx, now time.Time) error) error {
	return e.store.View(ctx, func(tx store.Tx) error {
		return fn(tx, e.now())
	})
}

func opName(op vaulterr.Op) string {
	return strings.ReplaceAll(op.String(), " ", "_")
}

// verifiedParty loads addr and checks it may take part in a transition, failing with
// sentinel otherwise.
func verifiedParty(tx store.Tx, addr types.Address, sentinel error, op vaulterr.Op) (types.User, error) {
	u, err := tx.GetUser(addr)
	if err != nil {
		if vaulterr.IsNotFoundError(err) {
			return types.User{}, vaulterr.NewUnverifiedError(sentinel, string(addr), op)
		}
		return types.User{}, err
	}
	if !u.IsVerifiedParty() {
		return types.User{}, vaulterr.NewUnverifiedError(sentinel, string(addr), op)
	}
	return u, nil
}
