package hashicorp

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/vault/api"

	"github.com/hengadev/medvault/internal/custodian"
	"github.com/hengadev/medvault/internal/vaulterr"
)

var _ custodian.KeyManagementService = (*TransitKMS)(nil)

// TransitKMS encrypts escrowed record keys with a Vault Transit key. Transit key names
// double as key IDs.
type TransitKMS struct {
	client *api.Client
	mount  string
}

func New(ctx context.Context, cfg Config) (*TransitKMS, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cfg.Mount), nil
}

// NewWithClient wraps an already configured client.
func NewWithClient(client *api.Client, mount string) *TransitKMS {
	if mount == "" {
		mount = defaultMount
	}
	return &TransitKMS{client: client, mount: mount}
}

func (t *TransitKMS) path(parts ...string) string {
	p := t.mount
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// GetKeyID returns alias when a Transit key of that name exists.
func (t *TransitKMS) GetKeyID(ctx context.Context, alias string) (string, error) {
	if alias == "" {
		return "", fmt.Errorf("%w: alias cannot be empty", vaulterr.ErrNotFound)
	}
	resp, err := t.client.Logical().ReadWithContext(ctx, t.path("keys", alias))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read transit key '%s': %w", vaulterr.ErrKMSUnavailable, alias, err)
	}
	if resp == nil {
		return "", fmt.Errorf("%w: transit key '%s'", vaulterr.ErrNotFound, alias)
	}
	return alias, nil
}

// CreateKey creates an aes256-gcm96 key named description. If the key already exists it
// is rotated instead, so callers get a fresh key version under the same name.
func (t *TransitKMS) CreateKey(ctx context.Context, description string) (string, error) {
	if description == "" {
		return "", fmt.Errorf("%w: key name cannot be empty", vaulterr.ErrKMSUnavailable)
	}
	if _, err := t.GetKeyID(ctx, description); err == nil {
		if _, err := t.client.Logical().WriteWithContext(ctx, t.path("keys", description, "rotate"), nil); err != nil {
			return "", fmt.Errorf("%w: failed to rotate transit key '%s': %w", vaulterr.ErrKMSUnavailable, description, err)
		}
		return description, nil
	} else if vaulterr.IsRetryableError(err) {
		return "", err
	}

	_, err := t.client.Logical().WriteWithContext(ctx, t.path("keys", description), map[string]interface{}{
		"type": "aes256-gcm96",
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to create transit key '%s': %w", vaulterr.ErrKMSUnavailable, description, err)
	}
	return description, nil
}

// EncryptDEK returns Vault-formatted ciphertext ("vault:vN:...").
func (t *TransitKMS) EncryptDEK(ctx context.Context, keyID string, plaintextDEK []byte) ([]byte, error) {
	if len(plaintextDEK) == 0 {
		return nil, fmt.Errorf("%w: plaintext cannot be empty", vaulterr.ErrEncryptionFailed)
	}
	resp, err := t.client.Logical().WriteWithContext(ctx, t.path("encrypt", keyID), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintextDEK),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encrypt with key '%s': %w", vaulterr.ErrKMSUnavailable, keyID, err)
	}
	if resp == nil || resp.Data == nil {
		return nil, fmt.Errorf("%w: no response from Vault Transit encrypt", vaulterr.ErrEncryptionFailed)
	}
	ciphertext, ok := resp.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: ciphertext not found in response", vaulterr.ErrEncryptionFailed)
	}
	return []byte(ciphertext), nil
}

func (t *TransitKMS) DecryptDEK(ctx context.Context, keyID string, ciphertextDEK []byte) ([]byte, error) {
	if len(ciphertextDEK) == 0 {
		return nil, fmt.Errorf("%w: ciphertext cannot be empty", vaulterr.ErrDecryptionFailed)
	}
	resp, err := t.client.Logical().WriteWithContext(ctx, t.path("decrypt", keyID), map[string]interface{}{
		"ciphertext": string(ciphertextDEK),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt with key '%s': %w", vaulterr.ErrKMSUnavailable, keyID, err)
	}
	if resp == nil || resp.Data == nil {
		return nil, fmt.Errorf("%w: no response from Vault Transit decrypt", vaulterr.ErrDecryptionFailed)
	}
	encoded, ok := resp.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: plaintext not found in response", vaulterr.ErrDecryptionFailed)
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode plaintext: %w", vaulterr.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
