package medvault

import (
	"context"

	"github.com/hengadev/medvault/internal/crypto"
)

// NewTestVault returns a Vault over an in-memory ledger, blob store and KMS. Nothing it
// holds survives the process; use it in tests and examples only.
func NewTestVault(ctx context.Context, opts ...Option) (*Vault, error) {
	c, err := NewCustodian(ctx, NewLocalKMS(), NewMemoryKEKVersions(), custodianTestAlias, nil, nil)
	if err != nil {
		return nil, err
	}
	return New(NewMemoryLedger(), NewMemoryBlobStore(), c, opts...)
}

const custodianTestAlias = "medvault_test_kek"

// NewTestKeyring generates a keyring with the smallest accepted key size, which keeps
// key generation fast in tests.
func NewTestKeyring(addr Address) (*Keyring, error) {
	priv, err := crypto.GenerateKeyPair(crypto.MinRSABits)
	if err != nil {
		return nil, err
	}
	return NewKeyring(addr, priv)
}
