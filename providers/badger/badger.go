// Package badger keeps record ciphertext in an embedded Badger key-value store, for nodes
// that hold their own copy of the blob set.
package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/hengadev/medvault/internal/blob"
	"github.com/hengadev/medvault/internal/vaulterr"
)

const keyPrefix = "blob:"

var _ blob.Store = (*Store)(nil)

type Store struct {
	db *badger.DB
}

// Open opens (or creates) a store in dir. An empty dir opens an in-memory store.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger at '%s': %w", vaulterr.ErrBlobUnavailable, dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(ref string) []byte {
	return []byte(keyPrefix + ref)
}

func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := blob.Ref(data)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(ref)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key(ref), data)
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to store blob '%s': %w", vaulterr.ErrBlobUnavailable, ref, err)
	}
	return ref, nil
}

func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := blob.ValidateRef(ref); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(ref))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: blob '%s'", vaulterr.ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read blob '%s': %w", vaulterr.ErrBlobUnavailable, ref, err)
	}
	if err := blob.Verify(ref, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Len counts stored blobs.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
