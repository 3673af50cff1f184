package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const pemSealedPrivateKey = "MEDVAULT ENCRYPTED PRIVATE KEY"

// Argon2Params controls the passphrase KDF used to seal private keys at rest.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
}

// DefaultArgon2Params returns recommended parameters for Argon2id
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024, // 64MB
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
	}
}

func (p Argon2Params) header() string {
	return fmt.Sprintf("m=%d,t=%d,p=%d", p.Memory, p.Iterations, p.Parallelism)
}

func parseArgon2Header(s string) (Argon2Params, error) {
	var p Argon2Params
	if _, err := fmt.Sscanf(s, "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return p, fmt.Errorf("invalid argon2 parameters %q: %w", s, err)
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return p, fmt.Errorf("invalid argon2 parameters %q", s)
	}
	return p, nil
}

// SealPrivateKeyPEM encrypts priv under a key derived from passphrase with Argon2id and
// returns a PEM block that OpenPrivateKeyPEM can read back.
func SealPrivateKeyPEM(priv *rsa.PrivateKey, passphrase []byte, params Argon2Params) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase is empty")
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	defer Zero(der)

	salt := make([]byte, params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	kek := argon2.IDKey(passphrase, salt, params.Iterations, params.Memory, params.Parallelism, KeySize)
	defer Zero(kek)

	c, err := NewCipher(AES256GCM)
	if err != nil {
		return nil, err
	}
	sealed, err := c.EncryptWithKey(der, kek)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type: pemSealedPrivateKey,
		Headers: map[string]string{
			"Argon2id": params.header(),
			"Salt":     hex.EncodeToString(salt),
		},
		Bytes: sealed,
	}), nil
}

// OpenPrivateKeyPEM reverses SealPrivateKeyPEM. Plain PKCS#8 blocks are accepted as-is.
func OpenPrivateKeyPEM(data, passphrase []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if block.Type != pemSealedPrivateKey {
		return ParsePrivateKeyPEM(data)
	}
	params, err := parseArgon2Header(block.Headers["Argon2id"])
	if err != nil {
		return nil, err
	}
	salt, err := hex.DecodeString(block.Headers["Salt"])
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("invalid salt header")
	}
	kek := argon2.IDKey(passphrase, salt, params.Iterations, params.Memory, params.Parallelism, KeySize)
	defer Zero(kek)

	der, err := Decrypt(block.Bytes, kek)
	if err != nil {
		return nil, err
	}
	defer Zero(der)
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", parsed)
	}
	return priv, nil
}
