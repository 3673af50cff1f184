// Package blob stores ciphertext by content address. A reference is the lowercase hex
// SHA-256 of the stored bytes, so every read can be checked against the reference it was
// requested by.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/hengadev/medvault/internal/vaulterr"
)

// Store is an append-only content-addressed store.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Ref returns the content reference of data.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateRef checks that ref has the shape of a content reference.
func ValidateRef(ref string) error {
	if len(ref) != sha256.Size*2 {
		return fmt.Errorf("%w: '%s' is not a SHA-256 hex digest", vaulterr.ErrInvalidContentRef, ref)
	}
	if _, err := hex.DecodeString(ref); err != nil {
		return fmt.Errorf("%w: '%s' is not a SHA-256 hex digest", vaulterr.ErrInvalidContentRef, ref)
	}
	return nil
}

// Verify checks that data is the content ref names.
func Verify(ref string, data []byte) error {
	if got := Ref(data); got != ref {
		return fmt.Errorf("%w: expected %s, got %s", vaulterr.ErrBlobCorrupted, ref, got)
	}
	return nil
}

type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := Ref(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[ref]; !ok {
		m.blobs[ref] = append([]byte(nil), data...)
	}
	return ref, nil
}

func (m *MemoryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: blob '%s'", vaulterr.ErrNotFound, ref)
	}
	return append([]byte(nil), data...), nil
}
