package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
)

// KeySize is the length of every record key in bytes.
const KeySize = 32

// GenerateDEK generates a new 256-bit data encryption key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("failed to generate DEK: %w", err)
	}
	return dek, nil
}

// Zero overwrites key material once it is no longer needed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
