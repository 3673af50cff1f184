package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/hengadev/medvault/internal/vaulterr"
)

// Algorithm identifies the AEAD used for a ciphertext. Its value is the leading tag byte.
type Algorithm byte

const (
	AlgorithmUnknown  Algorithm = 0
	AES256GCM         Algorithm = 1
	XChaCha20Poly1305 Algorithm = 2
)

var algorithmNames = map[Algorithm]string{
	AlgorithmUnknown:  "unknown",
	AES256GCM:         "aes-256-gcm",
	XChaCha20Poly1305: "xchacha20-poly1305",
}

func (a Algorithm) String() string {
	if str, ok := algorithmNames[a]; ok {
		return str
	}
	return "unknown"
}

// ParseAlgorithm maps a configured algorithm name to its Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	for a, n := range algorithmNames {
		if a != AlgorithmUnknown && n == name {
			return a, nil
		}
	}
	return AlgorithmUnknown, fmt.Errorf("unsupported cipher algorithm %q", name)
}

// Cipher encrypts record payloads. Every ciphertext is laid out as
// tag (1 byte) || nonce || sealed, so Decrypt never needs to be told the algorithm.
type Cipher struct {
	algorithm Algorithm
}

// NewCipher returns a Cipher sealing with alg. AlgorithmUnknown selects AES-256-GCM.
func NewCipher(alg Algorithm) (*Cipher, error) {
	if alg == AlgorithmUnknown {
		alg = AES256GCM
	}
	if _, ok := algorithmNames[alg]; !ok {
		return nil, fmt.Errorf("unsupported cipher algorithm tag %d", alg)
	}
	return &Cipher{algorithm: alg}, nil
}

// Algorithm returns the algorithm used for new ciphertexts.
func (c *Cipher) Algorithm() Algorithm {
	return c.algorithm
}

// Encrypt seals plaintext under a freshly generated key and returns both.
func (c *Cipher) Encrypt(plaintext []byte) (ciphertext, key []byte, err error) {
	key, err = GenerateDEK()
	if err != nil {
		return nil, nil, vaulterr.NewCryptoError(vaulterr.ErrEncryptionFailed, vaulterr.OpEncrypt, err)
	}
	ciphertext, err = c.EncryptWithKey(plaintext, key)
	if err != nil {
		Zero(key)
		return nil, nil, err
	}
	return ciphertext, key, nil
}

// EncryptWithKey seals plaintext under key with a random nonce.
func (c *Cipher) EncryptWithKey(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(c.algorithm, key)
	if err != nil {
		return nil, vaulterr.NewCryptoError(vaulterr.ErrEncryptionFailed, vaulterr.OpEncrypt, err)
	}
	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = byte(c.algorithm)
	nonce := out[1:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, vaulterr.NewCryptoError(vaulterr.ErrEncryptionFailed, vaulterr.OpEncrypt,
			fmt.Errorf("failed to generate nonce: %w", err))
	}
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by any Cipher. Wrong keys, unknown tags, truncation
// and tampering all fail with ErrDecryptionFailed and no plaintext.
func (c *Cipher) Decrypt(ciphertext, key []byte) ([]byte, error) {
	return Decrypt(ciphertext, key)
}

// Decrypt opens ciphertext using the algorithm named by its tag byte.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) < 1 {
		return nil, vaulterr.NewCryptoError(vaulterr.ErrDecryptionFailed, vaulterr.OpDecrypt,
			fmt.Errorf("empty ciphertext"))
	}
	alg := Algorithm(ciphertext[0])
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, vaulterr.NewCryptoError(vaulterr.ErrDecryptionFailed, vaulterr.OpDecrypt, err)
	}
	body := ciphertext[1:]
	nonceSize := aead.NonceSize()
	if len(body) < nonceSize+aead.Overhead() {
		return nil, vaulterr.NewCryptoError(vaulterr.ErrDecryptionFailed, vaulterr.OpDecrypt,
			fmt.Errorf("invalid ciphertext size"))
	}
	nonce, sealed := body[:nonceSize], body[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, vaulterr.NewCryptoError(vaulterr.ErrDecryptionFailed, vaulterr.OpDecrypt, err)
	}
	return plaintext, nil
}

func newAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d", len(key))
	}
	switch alg {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return gcm, nil
	case XChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
		}
		return aead, nil
	case AlgorithmUnknown:
		return nil, fmt.Errorf("missing algorithm tag")
	default:
		return nil, fmt.Errorf("unknown algorithm tag %d", alg)
	}
}
