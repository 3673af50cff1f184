package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hengadev/medvault/internal/crypto"
	"github.com/hengadev/medvault/internal/store"
	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

// Register creates the caller's registry entry. The public key may be empty and published
// later with SetPublicKey.
func (e *Engine) Register(ctx context.Context, caller types.Address, role types.Role, publicKeyPEM []byte) (types.User, error) {
	if caller == "" {
		return types.User{}, fmt.Errorf("%w: caller address is empty", vaulterr.ErrInvalidAddress)
	}
	if !role.Valid() {
		return types.User{}, fmt.Errorf("%w: cannot register as %s", vaulterr.ErrInvalidRole, role)
	}
	if len(publicKeyPEM) > 0 {
		if _, err := crypto.ParsePublicKeyPEM(publicKeyPEM); err != nil {
			return types.User{}, err
		}
	}

	var user types.User
	err := e.update(ctx, vaulterr.OpRegister, []any{"address", caller, "role", role}, func(tx store.Tx, now time.Time) error {
		existing, err := tx.GetUser(caller)
		switch {
		case err == nil && existing.Role != types.RoleNone:
			return fmt.Errorf("%w: '%s' is already a %s", vaulterr.ErrAlreadyRegistered, caller, existing.Role)
		case err != nil && !errors.Is(err, vaulterr.ErrNotFound):
			return err
		}
		user = types.User{
			Address:      caller,
			Role:         role,
			Active:       true,
			PublicKey:    publicKeyPEM,
			RegisteredAt: now.UTC(),
		}
		if err := tx.PutUser(user); err != nil {
			return err
		}
		return e.appendAudit(tx, now, auditEvent{action: AuditRegister, actor: caller, details: role.String()})
	})
	return user, err
}

// SetPublicKey publishes or replaces the caller's wrapping key. Grants already issued keep
// the key they were wrapped for.
func (e *Engine) SetPublicKey(ctx context.Context, caller types.Address, publicKeyPEM []byte) error {
	if _, err := crypto.ParsePublicKeyPEM(publicKeyPEM); err != nil {
		return err
	}
	return e.update(ctx, vaulterr.OpSetPublicKey, []any{"address", caller}, func(tx store.Tx, now time.Time) error {
		u, err := tx.GetUser(caller)
		if err != nil {
			return err
		}
		u.PublicKey = publicKeyPEM
		if err := tx.PutUser(u); err != nil {
			return err
		}
		return e.appendAudit(tx, now, auditEvent{action: AuditSetPublicKey, actor: caller})
	})
}

// Verify marks addr as verified. Only registry authorities may call it, and only once per user.
func (e *Engine) Verify(ctx context.Context, authority, addr types.Address) error {
	if !e.IsAuthority(authority) {
		return fmt.Errorf("%w: '%s' cannot verify users", vaulterr.ErrNotAuthority, authority)
	}
	return e.update(ctx, vaulterr.OpVerify, []any{"authority", authority, "address", addr}, func(tx store.Tx, now time.Time) error {
		u, err := tx.GetUser(addr)
		if err != nil {
			return err
		}
		if u.Verified {
			return fmt.Errorf("%w: '%s' since %s", vaulterr.ErrAlreadyVerified, addr, u.VerifiedAt.Format(time.RFC3339))
		}
		u.Verified = true
		u.VerifiedAt = now.UTC()
		if err := tx.PutUser(u); err != nil {
			return err
		}
		return e.appendAudit(tx, now, auditEvent{action: AuditVerify, actor: authority, subject: addr})
	})
}

// SetActive enables or disables addr. Inactive users fail every verified-party check.
func (e *Engine) SetActive(ctx context.Context, authority, addr types.Address, active bool) error {
	if !e.IsAuthority(authority) {
		return fmt.Errorf("%w: '%s' cannot change user status", vaulterr.ErrNotAuthority, authority)
	}
	return e.update(ctx, vaulterr.OpSetActive, []any{"authority", authority, "address", addr, "active", active}, func(tx store.Tx, now time.Time) error {
		u, err := tx.GetUser(addr)
		if err != nil {
			return err
		}
		u.Active = active
		if err := tx.PutUser(u); err != nil {
			return err
		}
		return e.appendAudit(tx, now, auditEvent{
			action:  AuditSetActive,
			actor:   authority,
			subject: addr,
			details: strconv.FormatBool(active),
		})
	})
}

// DesignateEmergencyProvider allows a Provider to invoke the emergency override.
func (e *Engine) DesignateEmergencyProvider(ctx context.Context, authority, addr types.Address) error {
	if !e.IsAuthority(authority) {
		return fmt.Errorf("%w: '%s' cannot designate emergency providers", vaulterr.ErrNotAuthority, authority)
	}
	return e.update(ctx, vaulterr.OpDesignate, []any{"authority", authority, "address", addr}, func(tx store.Tx, now time.Time) error {
		u, err := tx.GetUser(addr)
		if err != nil {
			return err
		}
		if u.Role != types.RoleProvider {
			return fmt.Errorf("%w: '%s' is a %s, not a provider", vaulterr.ErrInvalidRole, addr, u.Role)
		}
		u.EmergencyCapable = true
		if err := tx.PutUser(u); err != nil {
			return err
		}
		return e.appendAudit(tx, now, auditEvent{action: AuditDesignate, actor: authority, subject: addr})
	})
}

// GetUser returns the registry entry for addr.
func (e *Engine) GetUser(ctx context.Context, addr types.Address) (types.User, error) {
	var u types.User
	err := e.view(ctx, func(tx store.Tx, _ time.Time) (err error) {
		u, err = tx.GetUser(addr)
		return err
	})
	return u, err
}

// GetPublicKey returns the wrapping key on file for addr.
func (e *Engine) GetPublicKey(ctx context.Context, addr types.Address) ([]byte, error) {
	var key []byte
	err := e.view(ctx, func(tx store.Tx, _ time.Time) (err error) {
		key, err = publicKeyOf(tx, addr)
		return err
	})
	return key, err
}

func publicKeyOf(tx store.Tx, addr types.Address) ([]byte, error) {
	u, err := tx.GetUser(addr)
	if err != nil {
		return nil, err
	}
	if len(u.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: '%s'", vaulterr.ErrNoKeyOnFile, addr)
	}
	return u.PublicKey, nil
}
