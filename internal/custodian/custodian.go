package custodian

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hengadev/medvault/internal/crypto"
	"github.com/hengadev/medvault/internal/monitoring"
	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

const DefaultAlias = "medvault_emergency_kek"

// versionPrefixLen is the size of the big-endian KEK version in front of an escrowed key.
const versionPrefixLen = 4

// Custodian escrows record keys and re-wraps them for emergency responders. It satisfies
// protocol.Rewrapper.
type Custodian struct {
	kms      KeyManagementService
	versions VersionStore
	alias    string
	now      func() time.Time
	logger   *slog.Logger
	hook     monitoring.ObservabilityHook
}

type Option func(*Custodian)

func WithAlias(alias string) Option {
	return func(c *Custodian) { c.alias = alias }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Custodian) { c.logger = logger }
}

func WithObservabilityHook(hook monitoring.ObservabilityHook) Option {
	return func(c *Custodian) { c.hook = hook }
}

// New creates a custodian and makes sure its alias has an active KEK, creating version 1
// in the KMS when none is recorded.
func New(ctx context.Context, kms KeyManagementService, versions VersionStore, opts ...Option) (*Custodian, error) {
	if kms == nil {
		return nil, fmt.Errorf("%w: KMS cannot be nil", vaulterr.ErrKMSUnavailable)
	}
	if versions == nil {
		return nil, fmt.Errorf("KEK version store cannot be nil")
	}
	c := &Custodian{
		kms:      kms,
		versions: versions,
		alias:    DefaultAlias,
		now:      time.Now,
		logger:   monitoring.DiscardLogger(),
		hook:     &monitoring.NoOpObservabilityHook{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.alias == "" {
		return nil, fmt.Errorf("KEK alias cannot be empty")
	}
	if err := c.ensureInitialKEK(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Custodian) ensureInitialKEK(ctx context.Context) error {
	_, err := c.versions.Current(ctx, c.alias)
	if err == nil {
		return nil
	}
	if !errors.Is(err, vaulterr.ErrNotFound) {
		return err
	}

	kmsKeyID, err := c.kms.GetKeyID(ctx, c.alias)
	if err != nil {
		c.logger.InfoContext(ctx, "no KEK found in KMS, creating one", "alias", c.alias)
		if kmsKeyID, err = c.kms.CreateKey(ctx, c.alias); err != nil {
			return fmt.Errorf("%w: failed to create initial KEK: %w", vaulterr.ErrKMSUnavailable, err)
		}
	}
	v := KEKVersion{Alias: c.alias, Version: 1, KMSKeyID: kmsKeyID, CreationTime: c.now().UTC()}
	if err := c.versions.Promote(ctx, v); err != nil {
		return fmt.Errorf("failed to record initial KEK: %w", err)
	}
	c.hook.OnKeyOperation(ctx, "create", c.alias, 1, map[string]any{"kms_key_id": kmsKeyID})
	c.logger.InfoContext(ctx, "initial KEK recorded", "alias", c.alias, "kms_key_id", kmsKeyID)
	return nil
}

// Alias is the KEK alias the custodian escrows under.
func (c *Custodian) Alias() string { return c.alias }

// CurrentVersion returns the KEK version new escrows are made with.
func (c *Custodian) CurrentVersion(ctx context.Context) (int, error) {
	v, err := c.versions.Current(ctx, c.alias)
	if err != nil {
		return 0, err
	}
	return v.Version, nil
}

// Escrow encrypts a record key under the current KEK. The result is stored on the record
// as its custodian-wrapped key.
func (c *Custodian) Escrow(ctx context.Context, dek []byte) ([]byte, error) {
	if len(dek) != crypto.KeySize {
		return nil, vaulterr.NewCryptoError(vaulterr.ErrWrapFailed, vaulterr.OpWrap, fmt.Errorf("key must be %d bytes", crypto.KeySize))
	}
	v, err := c.versions.Current(ctx, c.alias)
	if err != nil {
		return nil, err
	}
	sealed, err := c.kms.EncryptDEK(ctx, v.KMSKeyID, dek)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to escrow key with KEK version %d: %w", vaulterr.ErrWrapFailed, v.Version, err)
	}
	out := make([]byte, versionPrefixLen, versionPrefixLen+len(sealed))
	binary.BigEndian.PutUint32(out, uint32(v.Version))
	c.hook.OnKeyOperation(ctx, "escrow", c.alias, v.Version, nil)
	return append(out, sealed...), nil
}

// Recover decrypts an escrowed key with the KEK version it was made with. The caller owns
// the returned key and should zero it.
func (c *Custodian) Recover(ctx context.Context, escrowed []byte) ([]byte, int, error) {
	if len(escrowed) <= versionPrefixLen {
		return nil, 0, fmt.Errorf("%w: escrowed key too short", vaulterr.ErrUnwrapFailed)
	}
	version := int(binary.BigEndian.Uint32(escrowed[:versionPrefixLen]))
	v, err := c.versions.Get(ctx, c.alias, version)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", vaulterr.ErrUnwrapFailed, err)
	}
	dek, err := c.kms.DecryptDEK(ctx, v.KMSKeyID, escrowed[versionPrefixLen:])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to recover key with KEK version %d: %w", vaulterr.ErrUnwrapFailed, version, err)
	}
	return dek, version, nil
}

// Rewrap recovers the record key from escrow and wraps it for the recipient.
func (c *Custodian) Rewrap(ctx context.Context, rec types.Record, recipientPublicKeyPEM []byte) ([]byte, error) {
	if len(rec.CustodianWrappedKey) == 0 {
		return nil, fmt.Errorf("%w: record '%s' has no escrowed key", vaulterr.ErrUnwrapFailed, rec.ID)
	}
	dek, version, err := c.Recover(ctx, rec.CustodianWrappedKey)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)

	wrapped, err := crypto.Wrap(dek, recipientPublicKeyPEM)
	if err != nil {
		return nil, err
	}
	c.hook.OnKeyOperation(ctx, "rewrap", c.alias, version, map[string]any{"record": rec.ID})
	return wrapped, nil
}

// Rotate creates a new KEK in the KMS and makes it current. Older versions stay readable so
// existing escrows keep working; ReEscrow moves them forward.
func (c *Custodian) Rotate(ctx context.Context) (int, error) {
	start := time.Now()
	metadata := map[string]any{"key_alias": c.alias, "operation_type": "key_rotation"}
	c.hook.OnProcessStart(ctx, "rotate_kek", metadata)

	version, err := c.rotate(ctx)
	if err != nil {
		c.hook.OnError(ctx, "rotate_kek", err, metadata)
	} else {
		c.hook.OnKeyOperation(ctx, "rotate", c.alias, version, metadata)
		c.logger.InfoContext(ctx, "KEK rotated", "alias", c.alias, "version", version)
	}
	c.hook.OnProcessComplete(ctx, "rotate_kek", time.Since(start), err, metadata)
	return version, err
}

func (c *Custodian) rotate(ctx context.Context) (int, error) {
	current, err := c.versions.Current(ctx, c.alias)
	if err != nil {
		return 0, err
	}
	kmsKeyID, err := c.kms.CreateKey(ctx, c.alias)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create new KEK version: %w", vaulterr.ErrKMSUnavailable, err)
	}
	next := KEKVersion{Alias: c.alias, Version: current.Version + 1, KMSKeyID: kmsKeyID, CreationTime: c.now().UTC()}
	if err := c.versions.Promote(ctx, next); err != nil {
		return 0, err
	}
	return next.Version, nil
}

// ReEscrow re-encrypts an escrowed key under the current KEK. Escrows already on the
// current version are returned unchanged.
func (c *Custodian) ReEscrow(ctx context.Context, escrowed []byte) ([]byte, error) {
	current, err := c.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	dek, version, err := c.Recover(ctx, escrowed)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(dek)
	if version == current {
		return escrowed, nil
	}
	return c.Escrow(ctx, dek)
}
