package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault/internal/reliability"
	"github.com/hengadev/medvault/internal/vaulterr"
)

func fixed(status Status, err error) func(context.Context) (Status, error) {
	return func(context.Context) (Status, error) { return status, err }
}

func TestChecker_Register(t *testing.T) {
	hc := NewChecker()
	assert.Error(t, hc.Register(Check{Func: fixed(StatusHealthy, nil)}))
	assert.Error(t, hc.Register(Check{Name: "ledger"}))
	require.NoError(t, hc.Register(Check{Name: "ledger", Func: fixed(StatusHealthy, nil)}))
}

func TestChecker_OverallStatus(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		checks []Check
		want   Status
	}{
		{name: "no checks", want: StatusUnknown},
		{
			name: "all healthy",
			checks: []Check{
				{Name: "a", Critical: true, Func: fixed(StatusHealthy, nil)},
				{Name: "b", Func: fixed(StatusHealthy, nil)},
			},
			want: StatusHealthy,
		},
		{
			name: "non-critical failure degrades",
			checks: []Check{
				{Name: "a", Critical: true, Func: fixed(StatusHealthy, nil)},
				{Name: "b", Func: fixed(StatusUnhealthy, boom)},
			},
			want: StatusDegraded,
		},
		{
			name: "critical failure",
			checks: []Check{
				{Name: "a", Critical: true, Func: fixed(StatusHealthy, boom)},
				{Name: "b", Func: fixed(StatusDegraded, nil)},
			},
			want: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewChecker()
			for _, c := range tt.checks {
				require.NoError(t, hc.Register(c))
			}
			report := hc.Run(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Results, len(tt.checks))
		})
	}
}

func TestChecker_ErrorMarksHealthyResultUnhealthy(t *testing.T) {
	hc := NewChecker()
	require.NoError(t, hc.Register(Check{Name: "kms", Func: fixed(StatusHealthy, errors.New("denied"))}))
	report := hc.Run(context.Background())
	r := report.Results["kms"]
	require.NotNil(t, r)
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.Equal(t, "denied", r.Error)
}

func TestChecker_Timeout(t *testing.T) {
	hc := NewChecker()
	require.NoError(t, hc.Register(Check{
		Name:     "slow",
		Critical: true,
		Timeout:  10 * time.Millisecond,
		Func: Probe(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	}))
	report := hc.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Contains(t, report.Results["slow"].Error, "deadline exceeded")
}

func TestCircuitBreakerCheck(t *testing.T) {
	cb := reliability.NewCircuitBreaker("blob", reliability.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour})
	check := CircuitBreaker(cb)

	status, err := check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, status)

	_ = cb.Execute(context.Background(), func(context.Context) error { return vaulterr.ErrBlobUnavailable })
	status, err = check(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StatusUnhealthy, status)
}
