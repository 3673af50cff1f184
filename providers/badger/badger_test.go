package badger

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault/internal/blob"
	"github.com/hengadev/medvault/internal/vaulterr"
)

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "")

	data := []byte("sealed record")
	ref, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, blob.Ref(data), ref)

	_, err = s.Put(ctx, data)
	require.NoError(t, err)
	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = s.Get(ctx, blob.Ref([]byte("absent")))
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)
	_, err = s.Get(ctx, "short")
	assert.ErrorIs(t, err, vaulterr.ErrInvalidContentRef)
}

func TestStore_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "")
	ref, err := s.Put(ctx, []byte("original"))
	require.NoError(t, err)

	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(ref), []byte("tampered"))
	}))

	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, vaulterr.ErrBlobCorrupted)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	ref, err := s.Put(ctx, []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openTestStore(t, dir)
	got, err := reopened.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}
