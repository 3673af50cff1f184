package protocol

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/hengadev/medvault/internal/store"
	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

// Deposit credits value sent with the caller's transaction to their account.
func (e *Engine) Deposit(ctx context.Context, caller types.Address, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("%w: deposit must be positive", vaulterr.ErrInvalidAmount)
	}
	var balance uint64
	err := e.update(ctx, vaulterr.OpDeposit, []any{"address", caller, "amount", amount}, func(tx store.Tx, now time.Time) error {
		if _, err := tx.GetUser(caller); err != nil {
			return err
		}
		var err error
		if balance, err = credit(tx, caller, amount); err != nil {
			return err
		}
		return e.appendAudit(tx, now, auditEvent{action: AuditDeposit, actor: caller, details: strconv.FormatUint(amount, 10)})
	})
	return balance, err
}

// Withdraw pays amount out of the caller's account.
func (e *Engine) Withdraw(ctx context.Context, caller types.Address, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("%w: withdrawal must be positive", vaulterr.ErrInvalidAmount)
	}
	var balance uint64
	err := e.update(ctx, vaulterr.OpWithdraw, []any{"address", caller, "amount", amount}, func(tx store.Tx, now time.Time) error {
		var err error
		if balance, err = debit(tx, caller, amount); err != nil {
			return err
		}
		return e.appendAudit(tx, now, auditEvent{action: AuditWithdraw, actor: caller, details: strconv.FormatUint(amount, 10)})
	})
	return balance, err
}

// Balance returns the spendable balance of addr. Value escrowed in pending requests is not
// included.
func (e *Engine) Balance(ctx context.Context, addr types.Address) (uint64, error) {
	var bal uint64
	err := e.view(ctx, func(tx store.Tx, _ time.Time) (err error) {
		bal, err = tx.Balance(addr)
		return err
	})
	return bal, err
}

func credit(tx store.Tx, addr types.Address, amount uint64) (uint64, error) {
	bal, err := tx.Balance(addr)
	if err != nil {
		return 0, err
	}
	if bal > math.MaxUint64-amount {
		return 0, fmt.Errorf("%w: balance of '%s' would overflow", vaulterr.ErrInvalidAmount, addr)
	}
	bal += amount
	return bal, tx.SetBalance(addr, bal)
}

func debit(tx store.Tx, addr types.Address, amount uint64) (uint64, error) {
	bal, err := tx.Balance(addr)
	if err != nil {
		return 0, err
	}
	if bal < amount {
		return 0, fmt.Errorf("%w: '%s' holds %d, needs %d", vaulterr.ErrInsufficientFunds, addr, bal, amount)
	}
	bal -= amount
	return bal, tx.SetBalance(addr, bal)
}
