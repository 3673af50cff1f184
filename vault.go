package medvault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hengadev/medvault/internal/blob"
	"github.com/hengadev/medvault/internal/crypto"
	"github.com/hengadev/medvault/internal/custodian"
	"github.com/hengadev/medvault/internal/protocol"
	"github.com/hengadev/medvault/internal/reliability"
	"github.com/hengadev/medvault/internal/store"
	"github.com/hengadev/medvault/internal/vaulterr"
)

type (
	// Ledger holds all protocol state: registry, catalog, requests, grants, escrow
	// balances and the audit chain.
	Ledger = store.Store

	// BlobStore keeps encrypted envelopes by content reference.
	BlobStore = blob.Store

	// Rewrapper produces a record key wrapped for a recipient.
	Rewrapper      = protocol.Rewrapper
	RewrapperFunc  = protocol.RewrapperFunc
	PrewrappedKeys = protocol.PrewrappedKeys
	NewRecord      = protocol.NewRecord
)

var (
	NewMemoryLedger    = store.NewMemoryStore
	NewMemoryBlobStore = blob.NewMemoryStore
)

// OpenSQLiteLedger opens a ledger persisted at path.
func OpenSQLiteLedger(ctx context.Context, path string) (Ledger, error) {
	return store.OpenSQLite(ctx, path)
}

// NewFileBlobStore keeps envelopes as files under root.
func NewFileBlobStore(root string) (BlobStore, error) {
	return blob.NewFileStore(root)
}

// Document is a record in the clear, as uploaded and as returned by Open.
type Document struct {
	FileName  string
	FileType  string
	DataType  DataType
	Content   []byte
	Timestamp time.Time
}

// Vault ties the protocol engine to the off-ledger pieces: the blob store holding
// ciphertext, the payload cipher and the emergency custodian. Every engine transition is
// available on the Vault directly.
type Vault struct {
	*protocol.Engine

	blobs     BlobStore
	custodian *Custodian
	cipher    *crypto.Cipher
	blobGuard *reliability.Guard
	kmsGuard  *reliability.Guard
	logger    *slog.Logger
	now       func() time.Time
	closers   []io.Closer
}

// New assembles a Vault. The custodian escrows every uploaded key so emergency access
// can recover it.
func New(ledger Ledger, blobs BlobStore, c *Custodian, opts ...Option) (*Vault, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store cannot be nil")
	}
	if c == nil {
		return nil, fmt.Errorf("emergency custodian cannot be nil")
	}

	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	cipher, err := crypto.NewCipher(o.algorithm)
	if err != nil {
		return nil, err
	}
	engineOpts := append([]protocol.Option{
		protocol.WithClock(o.now),
		protocol.WithLogger(o.logger),
		protocol.WithObservabilityHook(o.hook),
	}, o.engine...)
	engine, err := protocol.NewEngine(ledger, engineOpts...)
	if err != nil {
		return nil, err
	}

	breaker := o.breaker
	breaker.OnStateChange = func(name string, from, to reliability.CircuitState) {
		o.logger.Warn("circuit state changed", "collaborator", name, "from", from, "to", to)
	}
	retry := o.retry
	retry.OnRetry = func(err error, delay time.Duration) {
		o.logger.Debug("retrying collaborator call", "error", err, "delay", delay)
	}

	return &Vault{
		Engine:    engine,
		blobs:     blobs,
		custodian: c,
		cipher:    cipher,
		blobGuard: reliability.NewGuard("blob", retry, guardBreaker(breaker, vaulterr.ErrBlobUnavailable)),
		kmsGuard:  reliability.NewGuard("kms", retry, guardBreaker(breaker, vaulterr.ErrKMSUnavailable)),
		logger:    o.logger,
		now:       o.now,
		closers:   o.closers,
	}, nil
}

func guardBreaker(config CircuitBreakerConfig, unavailable error) CircuitBreakerConfig {
	config.Unavailable = unavailable
	return config
}

// Upload encrypts doc under a fresh record key, stores the envelope, wraps the key for
// the owner and the custodian, and catalogs the record. The uploader is either the owner
// or a verified third party uploading on the owner's behalf.
func (v *Vault) Upload(ctx context.Context, uploader, owner Address, doc Document) (Record, error) {
	if !doc.DataType.Valid() {
		return Record{}, fmt.Errorf("%w: %s", vaulterr.ErrInvalidDataType, doc.DataType)
	}
	ownerKey, err := v.GetPublicKey(ctx, owner)
	if err != nil {
		return Record{}, err
	}

	ciphertext, dek, err := v.cipher.Encrypt(doc.Content)
	if err != nil {
		return Record{}, err
	}
	defer crypto.Zero(dek)

	ts := doc.Timestamp
	if ts.IsZero() {
		ts = v.now()
	}
	data, err := EncodeEnvelope(Envelope{
		FileName:         doc.FileName,
		FileType:         doc.FileType,
		DataType:         doc.DataType,
		EncryptedContent: ciphertext,
		Timestamp:        ts.UTC(),
	})
	if err != nil {
		return Record{}, err
	}

	ownerWrapped, err := crypto.Wrap(dek, ownerKey)
	if err != nil {
		return Record{}, err
	}
	var escrowed []byte
	if err := v.kmsGuard.Do(ctx, func(ctx context.Context) (err error) {
		escrowed, err = v.custodian.Escrow(ctx, dek)
		return err
	}); err != nil {
		return Record{}, err
	}

	var ref string
	if err := v.blobGuard.Do(ctx, func(ctx context.Context) (err error) {
		ref, err = v.blobs.Put(ctx, data)
		return err
	}); err != nil {
		return Record{}, err
	}

	rec, err := v.PutRecord(ctx, uploader, NewRecord{
		Owner:               owner,
		DataType:            doc.DataType,
		ContentRef:          ref,
		OwnerWrappedKey:     ownerWrapped,
		CustodianWrappedKey: escrowed,
	})
	if err != nil {
		return Record{}, err
	}
	v.logger.InfoContext(ctx, "record uploaded", "record", rec.ID, "owner", owner, "uploader", uploader, "data_type", doc.DataType)
	return rec, nil
}

// Open fetches and decrypts a record for the keyring holder, who must be the owner or
// hold an active grant.
func (v *Vault) Open(ctx context.Context, kr *Keyring, recordRef string) (Document, error) {
	rec, err := v.GetRecord(ctx, recordRef)
	if err != nil {
		return Document{}, err
	}

	wrapped := rec.OwnerWrappedKey
	if rec.Owner != kr.Address() {
		grant, err := v.GetGrant(ctx, kr.Address(), recordRef)
		if err != nil {
			if vaulterr.IsNotFoundError(err) {
				return Document{}, vaulterr.NewNotOwnerError(string(kr.Address()), string(rec.Owner), vaulterr.OpDecrypt)
			}
			return Document{}, err
		}
		wrapped = grant.GranteeWrappedKey
	}

	var data []byte
	if err := v.blobGuard.Do(ctx, func(ctx context.Context) (err error) {
		data, err = v.blobs.Get(ctx, recordRef)
		return err
	}); err != nil {
		return Document{}, err
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		return Document{}, err
	}

	dek, err := kr.Unwrap(wrapped)
	if err != nil {
		return Document{}, err
	}
	defer crypto.Zero(dek)
	content, err := crypto.Decrypt(env.EncryptedContent, dek)
	if err != nil {
		return Document{}, err
	}
	return Document{
		FileName:  env.FileName,
		FileType:  env.FileType,
		DataType:  env.DataType,
		Content:   content,
		Timestamp: env.Timestamp,
	}, nil
}

// Approve approves a single-record request with the owner's keyring.
func (v *Vault) Approve(ctx context.Context, kr *Keyring, requestID string) (GrantedAccess, error) {
	return v.Engine.Approve(ctx, kr.Address(), requestID, kr)
}

// ApproveBatchAccess approves a batch request with the owner's keyring.
func (v *Vault) ApproveBatchAccess(ctx context.Context, kr *Keyring, requestID string) ([]GrantedAccess, error) {
	return v.Engine.ApproveBatchAccess(ctx, kr.Address(), requestID, kr)
}

// EmergencyAccess opens the patient's records to the responder through the custodian.
func (v *Vault) EmergencyAccess(ctx context.Context, responder, patient Address) (EmergencyGrant, error) {
	guarded := RewrapperFunc(func(ctx context.Context, rec Record, recipient []byte) (wrapped []byte, err error) {
		err = v.kmsGuard.Do(ctx, func(ctx context.Context) (err error) {
			wrapped, err = v.custodian.Rewrap(ctx, rec, recipient)
			return err
		})
		return wrapped, err
	})
	return v.Engine.EmergencyAccess(ctx, responder, patient, guarded)
}

// RotateCustodianKey moves escrow to a new KEK version. Existing escrows stay readable.
func (v *Vault) RotateCustodianKey(ctx context.Context) (int, error) {
	var version int
	err := v.kmsGuard.Do(ctx, func(ctx context.Context) (err error) {
		version, err = v.custodian.Rotate(ctx)
		return err
	})
	return version, err
}

func (v *Vault) Custodian() *Custodian { return v.custodian }

// Close releases the ledger and any backends the Vault opened itself.
func (v *Vault) Close() error {
	var errs []error
	for i := len(v.closers) - 1; i >= 0; i-- {
		if err := v.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Custodian escrows record keys under a KMS-held KEK for emergency access.
type (
	Custodian            = custodian.Custodian
	KeyManagementService = custodian.KeyManagementService
	KEKVersionStore      = custodian.VersionStore
)

// NewCustodian prepares the escrow KEK named alias, creating it in the KMS on first use.
func NewCustodian(ctx context.Context, kms KeyManagementService, versions KEKVersionStore, alias string, logger *slog.Logger, hook ObservabilityHook) (*Custodian, error) {
	opts := []custodian.Option{custodian.WithAlias(alias)}
	if logger != nil {
		opts = append(opts, custodian.WithLogger(logger))
	}
	if hook != nil {
		opts = append(opts, custodian.WithObservabilityHook(hook))
	}
	return custodian.New(ctx, kms, versions, opts...)
}

var (
	NewLocalKMS          = custodian.NewLocalKMS
	NewMemoryKEKVersions = custodian.NewMemoryVersions
)
