package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault/internal/vaulterr"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fsStore,
	}
}

func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("ciphertext bytes")
			ref, err := s.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, Ref(data), ref)

			again, err := s.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, ref, again)

			got, err := s.Get(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			_, err = s.Get(ctx, Ref([]byte("other")))
			assert.ErrorIs(t, err, vaulterr.ErrNotFound)

			_, err = s.Get(ctx, "not-a-ref")
			assert.ErrorIs(t, err, vaulterr.ErrInvalidContentRef)
		})
	}
}

func TestFileStore_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFileStore(root)
	require.NoError(t, err)

	ref, err := s.Put(ctx, []byte("original"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, ref[:2], ref), []byte("tampered"), 0o600))

	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, vaulterr.ErrBlobCorrupted)
	assert.True(t, vaulterr.IsCryptoError(err))
}

func TestValidateRef(t *testing.T) {
	assert.NoError(t, ValidateRef(Ref(nil)))
	assert.Error(t, ValidateRef(strings.Repeat("z", 64)))
	assert.Error(t, ValidateRef("abc"))
}
