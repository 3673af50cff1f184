// Package custodian holds record keys in escrow for the emergency override. Keys are
// encrypted under a versioned key-encryption key (KEK) managed by a KeyManagementService,
// and only re-wrapped for a responder when the protocol engine grants emergency access.
package custodian

import (
	"context"
	"fmt"
	"sync"

	"github.com/hengadev/medvault/internal/crypto"
	"github.com/hengadev/medvault/internal/vaulterr"
)

// KeyManagementService is the subset of a KMS the custodian needs. Provider packages adapt
// Vault Transit and AWS KMS to it.
type KeyManagementService interface {
	// GetKeyID resolves an alias to the provider's key identifier.
	GetKeyID(ctx context.Context, alias string) (string, error)

	// CreateKey creates a new managed key and returns its ID.
	CreateKey(ctx context.Context, description string) (string, error)

	EncryptDEK(ctx context.Context, keyID string, plaintextDEK []byte) ([]byte, error)

	DecryptDEK(ctx context.Context, keyID string, ciphertextDEK []byte) ([]byte, error)
}

// LocalKMS keeps KEKs in process memory. It is meant for tests and single-node
// deployments where the custodian key never leaves the host; SQLiteVersions.LocalKMS
// returns one whose keys survive a restart.
type LocalKMS struct {
	mu      sync.RWMutex
	keys    map[string][]byte
	aliases map[string]string
	next    int
	persist func(ctx context.Context, id, alias string, kek []byte) error
}

func NewLocalKMS() *LocalKMS {
	return &LocalKMS{
		keys:    make(map[string][]byte),
		aliases: make(map[string]string),
	}
}

func (l *LocalKMS) GetKeyID(ctx context.Context, alias string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id, ok := l.aliases[alias]; ok {
		return id, nil
	}
	return "", fmt.Errorf("%w: key alias '%s'", vaulterr.ErrNotFound, alias)
}

func (l *LocalKMS) CreateKey(ctx context.Context, description string) (string, error) {
	kek, err := crypto.GenerateDEK()
	if err != nil {
		return "", fmt.Errorf("%w: %w", vaulterr.ErrKMSUnavailable, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id := fmt.Sprintf("local-kek-%d", l.next+1)
	if l.persist != nil {
		if err := l.persist(ctx, id, description, kek); err != nil {
			return "", fmt.Errorf("%w: %w", vaulterr.ErrKMSUnavailable, err)
		}
	}
	l.next++
	l.keys[id] = kek
	l.aliases[description] = id
	return id, nil
}

func (l *LocalKMS) key(keyID string) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	kek, ok := l.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: no key '%s'", vaulterr.ErrKMSUnavailable, keyID)
	}
	return kek, nil
}

func (l *LocalKMS) EncryptDEK(ctx context.Context, keyID string, plaintextDEK []byte) ([]byte, error) {
	kek, err := l.key(keyID)
	if err != nil {
		return nil, err
	}
	c, err := crypto.NewCipher(crypto.AES256GCM)
	if err != nil {
		return nil, err
	}
	return c.EncryptWithKey(plaintextDEK, kek)
}

func (l *LocalKMS) DecryptDEK(ctx context.Context, keyID string, ciphertextDEK []byte) ([]byte, error) {
	kek, err := l.key(keyID)
	if err != nil {
		return nil, err
	}
	return crypto.Decrypt(ciphertextDEK, kek)
}
