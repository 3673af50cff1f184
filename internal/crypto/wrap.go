package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/hengadev/medvault/internal/vaulterr"
)

// MinRSABits is the smallest modulus accepted for a wrapping key.
const MinRSABits = 2048

const (
	pemPublicKey  = "PUBLIC KEY"
	pemPrivateKey = "PRIVATE KEY"
)

// Wrap encrypts key for the holder of recipientPEM using RSA-OAEP with SHA-256.
// OAEP is randomized, so wrapping the same key twice yields different bytes.
func Wrap(key, recipientPEM []byte) ([]byte, error) {
	pub, err := ParsePublicKeyPEM(recipientPEM)
	if err != nil {
		return nil, err
	}
	return WrapFor(key, pub)
}

// WrapFor encrypts key for pub.
func WrapFor(key []byte, pub *rsa.PublicKey) ([]byte, error) {
	if len(key) != KeySize {
		return nil, vaulterr.NewCryptoError(vaulterr.ErrWrapFailed, vaulterr.OpWrap,
			fmt.Errorf("invalid key size %d", len(key)))
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, vaulterr.NewCryptoError(vaulterr.ErrWrapFailed, vaulterr.OpWrap, err)
	}
	return wrapped, nil
}

// Unwrap recovers a key wrapped for priv. Any mismatch fails with ErrUnwrapFailed.
func Unwrap(wrapped []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, vaulterr.NewCryptoError(vaulterr.ErrUnwrapFailed, vaulterr.OpUnwrap,
			fmt.Errorf("nil private key"))
	}
	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, vaulterr.NewCryptoError(vaulterr.ErrUnwrapFailed, vaulterr.OpUnwrap, err)
	}
	if len(key) != KeySize {
		Zero(key)
		return nil, vaulterr.NewCryptoError(vaulterr.ErrUnwrapFailed, vaulterr.OpUnwrap,
			fmt.Errorf("unwrapped key has size %d", len(key)))
	}
	return key, nil
}

// GenerateKeyPair creates an RSA key pair suitable for wrapping.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits < MinRSABits {
		return nil, fmt.Errorf("%w: %d bits is below the %d bit minimum", vaulterr.ErrInvalidPublicKey, bits, MinRSABits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return priv, nil
}

// ParsePublicKeyPEM decodes a PKIX PEM block holding an RSA public key of at least MinRSABits.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemPublicKey {
		return nil, fmt.Errorf("%w: no PEM %q block", vaulterr.ErrInvalidPublicKey, pemPublicKey)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vaulterr.ErrInvalidPublicKey, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is %T, not RSA", vaulterr.ErrInvalidPublicKey, parsed)
	}
	if pub.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("%w: %d bits is below the %d bit minimum",
			vaulterr.ErrInvalidPublicKey, pub.N.BitLen(), MinRSABits)
	}
	return pub, nil
}

// MarshalPublicKeyPEM encodes pub as a PKIX PEM block.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPublicKey, Bytes: der}), nil
}

// MarshalPrivateKeyPEM encodes priv as an unencrypted PKCS#8 PEM block.
func MarshalPrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: der}), nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 (or legacy PKCS#1) RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case pemPrivateKey:
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
		}
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, not RSA", parsed)
		}
		return priv, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
}
