package medvault

import (
	"context"
	"crypto/rsa"
	"fmt"

	"github.com/hengadev/medvault/internal/crypto"
	"github.com/hengadev/medvault/internal/vaulterr"
)

// DefaultKeyBits is the RSA modulus size of keyrings created by GenerateKeyring.
const DefaultKeyBits = 3072

// Keyring holds a participant's private key. It is the only place a record key owned by
// that participant is ever unwrapped, and it implements Rewrapper so an owner can approve
// requests without handing the key to the engine.
type Keyring struct {
	address Address
	priv    *rsa.PrivateKey
}

// GenerateKeyring creates a fresh DefaultKeyBits key pair for addr.
func GenerateKeyring(addr Address) (*Keyring, error) {
	priv, err := crypto.GenerateKeyPair(DefaultKeyBits)
	if err != nil {
		return nil, err
	}
	return NewKeyring(addr, priv)
}

func NewKeyring(addr Address, priv *rsa.PrivateKey) (*Keyring, error) {
	if addr == "" {
		return nil, fmt.Errorf("keyring address cannot be empty")
	}
	if priv == nil {
		return nil, fmt.Errorf("%w: private key is nil", vaulterr.ErrInvalidPublicKey)
	}
	if priv.N.BitLen() < crypto.MinRSABits {
		return nil, fmt.Errorf("%w: RSA key must be at least %d bits", vaulterr.ErrInvalidPublicKey, crypto.MinRSABits)
	}
	return &Keyring{address: addr, priv: priv}, nil
}

// LoadKeyring reads a private key written by ExportPEM. A sealed key needs its passphrase;
// a plain PKCS#8 key ignores it.
func LoadKeyring(addr Address, pemData, passphrase []byte) (*Keyring, error) {
	priv, err := crypto.OpenPrivateKeyPEM(pemData, passphrase)
	if err != nil {
		return nil, err
	}
	return NewKeyring(addr, priv)
}

func (k *Keyring) Address() Address { return k.address }

// PublicKeyPEM returns the key to register with the identity registry.
func (k *Keyring) PublicKeyPEM() ([]byte, error) {
	return crypto.MarshalPublicKeyPEM(&k.priv.PublicKey)
}

// ExportPEM encodes the private key. With a passphrase the key is sealed under an
// Argon2id-derived key, without one it is written as plain PKCS#8.
func (k *Keyring) ExportPEM(passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return crypto.MarshalPrivateKeyPEM(k.priv)
	}
	return crypto.SealPrivateKeyPEM(k.priv, passphrase, crypto.DefaultArgon2Params())
}

// Unwrap recovers a record key wrapped for this keyring. Callers must Zero the result.
func (k *Keyring) Unwrap(wrapped []byte) ([]byte, error) {
	return crypto.Unwrap(wrapped, k.priv)
}

// Rewrap unwraps the owner copy of rec's key and wraps it again for the recipient. Only
// the record owner's keyring can do this.
func (k *Keyring) Rewrap(ctx context.Context, rec Record, recipientPublicKeyPEM []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rec.Owner != k.address {
		return nil, vaulterr.NewNotOwnerError(string(k.address), string(rec.Owner), vaulterr.OpUnwrap)
	}
	dek, err := k.Unwrap(rec.OwnerWrappedKey)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)
	return crypto.Wrap(dek, recipientPublicKeyPEM)
}
