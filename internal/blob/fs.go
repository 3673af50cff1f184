package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hengadev/medvault/internal/vaulterr"
)

// FileStore keeps each blob in its own file under root, fanned out by the first two hex
// characters of the reference.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob root directory cannot be empty")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", vaulterr.ErrBlobUnavailable, err)
	}
	return &FileStore{root: root}, nil
}

func (f *FileStore) path(ref string) string {
	return filepath.Join(f.root, ref[:2], ref)
}

func (f *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := Ref(data)
	dst := f.path(ref)
	if _, err := os.Stat(dst); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return "", fmt.Errorf("%w: %w", vaulterr.ErrBlobUnavailable, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", fmt.Errorf("%w: %w", vaulterr.ErrBlobUnavailable, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: %w", vaulterr.ErrBlobUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %w", vaulterr.ErrBlobUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("%w: %w", vaulterr.ErrBlobUnavailable, err)
	}
	return ref, nil
}

func (f *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: blob '%s'", vaulterr.ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vaulterr.ErrBlobUnavailable, err)
	}
	if err := Verify(ref, data); err != nil {
		return nil, err
	}
	return data, nil
}
