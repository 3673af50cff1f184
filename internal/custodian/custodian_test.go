package custodian

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault/internal/crypto"
	"github.com/hengadev/medvault/internal/monitoring"
	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

type MockKMS struct {
	mock.Mock
}

func (m *MockKMS) GetKeyID(ctx context.Context, alias string) (string, error) {
	args := m.Called(ctx, alias)
	return args.String(0), args.Error(1)
}

func (m *MockKMS) CreateKey(ctx context.Context, description string) (string, error) {
	args := m.Called(ctx, description)
	return args.String(0), args.Error(1)
}

func (m *MockKMS) EncryptDEK(ctx context.Context, keyID string, plaintextDEK []byte) ([]byte, error) {
	args := m.Called(ctx, keyID, plaintextDEK)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockKMS) DecryptDEK(ctx context.Context, keyID string, ciphertextDEK []byte) ([]byte, error) {
	args := m.Called(ctx, keyID, ciphertextDEK)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func versionStores(t *testing.T) map[string]VersionStore {
	t.Helper()
	sqlite, err := OpenSQLiteVersions(context.Background(), filepath.Join(t.TempDir(), "keys", "kek.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]VersionStore{
		"memory": NewMemoryVersions(),
		"sqlite": sqlite,
	}
}

func TestNew_CreatesInitialKEK(t *testing.T) {
	ctx := context.Background()
	kms := new(MockKMS)
	kms.On("GetKeyID", ctx, DefaultAlias).Return("", errors.New("not found")).Once()
	kms.On("CreateKey", ctx, DefaultAlias).Return("kms-key-1", nil).Once()

	versions := NewMemoryVersions()
	c, err := New(ctx, kms, versions)
	require.NoError(t, err)

	v, err := c.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	kms.AssertExpectations(t)

	// a second custodian over the same metadata reuses the recorded KEK
	_, err = New(ctx, kms, versions)
	require.NoError(t, err)
	kms.AssertNumberOfCalls(t, "CreateKey", 1)
}

func TestNew_AdoptsExistingKMSKey(t *testing.T) {
	ctx := context.Background()
	kms := new(MockKMS)
	kms.On("GetKeyID", ctx, "records").Return("existing-key", nil)

	versions := NewMemoryVersions()
	_, err := New(ctx, kms, versions, WithAlias("records"))
	require.NoError(t, err)

	v, err := versions.Current(ctx, "records")
	require.NoError(t, err)
	assert.Equal(t, "existing-key", v.KMSKeyID)
	kms.AssertNotCalled(t, "CreateKey", mock.Anything, mock.Anything)
}

func TestNew_KMSFailure(t *testing.T) {
	ctx := context.Background()
	kms := new(MockKMS)
	kms.On("GetKeyID", ctx, DefaultAlias).Return("", errors.New("no such alias"))
	kms.On("CreateKey", ctx, DefaultAlias).Return("", errors.New("connection refused"))

	_, err := New(ctx, kms, NewMemoryVersions())
	assert.ErrorIs(t, err, vaulterr.ErrKMSUnavailable)
	assert.True(t, vaulterr.IsRetryableError(err))
}

func TestEscrowRecover(t *testing.T) {
	ctx := context.Background()
	for name, versions := range versionStores(t) {
		t.Run(name, func(t *testing.T) {
			c, err := New(ctx, NewLocalKMS(), versions)
			require.NoError(t, err)

			dek, err := crypto.GenerateDEK()
			require.NoError(t, err)
			escrowed, err := c.Escrow(ctx, dek)
			require.NoError(t, err)

			got, version, err := c.Recover(ctx, escrowed)
			require.NoError(t, err)
			assert.Equal(t, dek, got)
			assert.Equal(t, 1, version)

			escrowed[len(escrowed)-1] ^= 0xff
			_, _, err = c.Recover(ctx, escrowed)
			assert.ErrorIs(t, err, vaulterr.ErrUnwrapFailed)

			_, err = c.Escrow(ctx, []byte("short"))
			assert.ErrorIs(t, err, vaulterr.ErrWrapFailed)
		})
	}
}

func TestRotate_KeepsOldEscrowsReadable(t *testing.T) {
	ctx := context.Background()
	for name, versions := range versionStores(t) {
		t.Run(name, func(t *testing.T) {
			collector := monitoring.NewInMemoryMetricsCollector()
			c, err := New(ctx, NewLocalKMS(), versions,
				WithObservabilityHook(monitoring.NewMetricsObservabilityHook(collector)))
			require.NoError(t, err)

			dek, err := crypto.GenerateDEK()
			require.NoError(t, err)
			old, err := c.Escrow(ctx, dek)
			require.NoError(t, err)

			version, err := c.Rotate(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, version)

			got, v, err := c.Recover(ctx, old)
			require.NoError(t, err)
			assert.Equal(t, dek, got)
			assert.Equal(t, 1, v)

			moved, err := c.ReEscrow(ctx, old)
			require.NoError(t, err)
			_, v, err = c.Recover(ctx, moved)
			require.NoError(t, err)
			assert.Equal(t, 2, v)

			same, err := c.ReEscrow(ctx, moved)
			require.NoError(t, err)
			assert.Equal(t, moved, same)

			assert.Equal(t, int64(1), collector.Counter("medvault.key_operations",
				map[string]string{"operation": "rotate", "key_alias": DefaultAlias, "key_version": "2"}))
		})
	}
}

func TestRewrap(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, NewLocalKMS(), NewMemoryVersions())
	require.NoError(t, err)

	responder, err := crypto.GenerateKeyPair(crypto.MinRSABits)
	require.NoError(t, err)
	pem, err := crypto.MarshalPublicKeyPEM(&responder.PublicKey)
	require.NoError(t, err)

	dek, err := crypto.GenerateDEK()
	require.NoError(t, err)
	escrowed, err := c.Escrow(ctx, dek)
	require.NoError(t, err)

	wrapped, err := c.Rewrap(ctx, types.Record{ID: "r1", CustodianWrappedKey: escrowed}, pem)
	require.NoError(t, err)
	got, err := crypto.Unwrap(wrapped, responder)
	require.NoError(t, err)
	assert.Equal(t, dek, got)

	_, err = c.Rewrap(ctx, types.Record{ID: "r2"}, pem)
	assert.ErrorIs(t, err, vaulterr.ErrUnwrapFailed)

	_, err = c.Rewrap(ctx, types.Record{ID: "r1", CustodianWrappedKey: escrowed}, []byte("junk"))
	assert.ErrorIs(t, err, vaulterr.ErrInvalidPublicKey)
}

func TestEscrow_KMSError(t *testing.T) {
	ctx := context.Background()
	kms := new(MockKMS)
	kms.On("GetKeyID", ctx, DefaultAlias).Return("k1", nil)
	kms.On("EncryptDEK", ctx, "k1", mock.Anything).Return(nil, errors.New("throttled"))

	c, err := New(ctx, kms, NewMemoryVersions())
	require.NoError(t, err)

	_, err = c.Escrow(ctx, make([]byte, crypto.KeySize))
	assert.ErrorIs(t, err, vaulterr.ErrWrapFailed)
	kms.AssertExpectations(t)
}

func TestSQLiteVersions_LocalKMSSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys.db")

	versions, err := OpenSQLiteVersions(ctx, path)
	require.NoError(t, err)
	kms, err := versions.LocalKMS(ctx)
	require.NoError(t, err)
	c, err := New(ctx, kms, versions)
	require.NoError(t, err)
	_, err = c.Rotate(ctx)
	require.NoError(t, err)

	dek, err := crypto.GenerateDEK()
	require.NoError(t, err)
	escrowed, err := c.Escrow(ctx, dek)
	require.NoError(t, err)
	require.NoError(t, versions.Close())

	versions, err = OpenSQLiteVersions(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { versions.Close() })
	kms, err = versions.LocalKMS(ctx)
	require.NoError(t, err)
	c, err = New(ctx, kms, versions)
	require.NoError(t, err)

	current, err := c.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, current)

	got, version, err := c.Recover(ctx, escrowed)
	require.NoError(t, err)
	assert.Equal(t, dek, got)
	assert.Equal(t, 2, version)

	id, err := kms.CreateKey(ctx, "another")
	require.NoError(t, err)
	assert.Equal(t, "local-kek-3", id)
}
