// Package store defines the ledger capability the protocol engine runs its transitions
// against, together with in-memory and SQLite backends.
package store

import (
	"context"
	"iter"

	"github.com/hengadev/medvault/internal/types"
)

// Store executes transactions. Update calls are serialized: no two transitions interleave,
// and a transition whose function returns an error leaves no trace.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the keyed state visible inside one transaction. Getters return an error wrapping
// vaulterr.ErrNotFound when the key is absent. Iterators are only valid until fn returns.
type Tx interface {
	GetUser(addr types.Address) (types.User, error)
	PutUser(u types.User) error

	GetRecord(id string) (types.Record, error)
	// PutRecord inserts or updates a record. New records get the next owner sequence number.
	PutRecord(r types.Record) (types.Record, error)
	RecordsByOwner(owner types.Address) iter.Seq2[types.Record, error]

	GetRequest(id string) (types.PermissionRequest, error)
	PutRequest(r types.PermissionRequest) error
	RequestsByOwner(owner types.Address) iter.Seq2[types.PermissionRequest, error]

	GetGrant(grantee types.Address, recordRef string) (types.GrantedAccess, error)
	PutGrant(g types.GrantedAccess) error
	DeleteGrant(grantee types.Address, recordRef string) error

	GetEmergencyGrant(responder, patient types.Address) (types.EmergencyGrant, error)
	PutEmergencyGrant(g types.EmergencyGrant) error

	Balance(addr types.Address) (uint64, error)
	SetBalance(addr types.Address, amount uint64) error

	// LastAudit returns the newest audit entry; ok is false on an empty log.
	LastAudit() (entry types.AuditEntry, ok bool, err error)
	AppendAudit(e types.AuditEntry) error
	AuditEntries() iter.Seq2[types.AuditEntry, error]
}
