package protocol

import (
	"context"

	"github.com/hengadev/medvault/internal/types"
)

// Rewrapper produces a record's key wrapped for a recipient public key. The engine never
// sees a private key or a plaintext record key: approval paths call a Rewrapper supplied
// by the party holding that authority (the owner's keyring, or the emergency custodian).
type Rewrapper interface {
	Rewrap(ctx context.Context, rec types.Record, recipientPublicKeyPEM []byte) ([]byte, error)
}

// RewrapperFunc adapts a function to Rewrapper.
type RewrapperFunc func(ctx context.Context, rec types.Record, recipientPublicKeyPEM []byte) ([]byte, error)

func (f RewrapperFunc) Rewrap(ctx context.Context, rec types.Record, recipientPublicKeyPEM []byte) ([]byte, error) {
	return f(ctx, rec, recipientPublicKeyPEM)
}

// PrewrappedKeys serves keys the owner wrapped ahead of time, keyed by record id. Ledger
// adapters use it because the contract itself never holds key material.
type PrewrappedKeys map[string][]byte

func (p PrewrappedKeys) Rewrap(ctx context.Context, rec types.Record, recipientPublicKeyPEM []byte) ([]byte, error) {
	wrapped, ok := p[rec.ID]
	if !ok || len(wrapped) == 0 {
		return nil, errMissingPrewrap(rec.ID)
	}
	return wrapped, nil
}
