package medvault

import (
	"context"
	"testing"
	"time"

	"github.com/hengadev/errsx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault/internal/config"
)

func testConfig(t *testing.T, blobBackend string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Blob.Backend = blobBackend
	cfg.Authorities = []string{string(registrar)}
	cfg.Log.Level = "error"
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond
	return cfg
}

func TestOpen_PersistsAcrossRestarts(t *testing.T) {
	for _, backend := range []string{config.BlobFile, config.BlobBadger} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t, backend)

			v, err := Open(ctx, cfg)
			require.NoError(t, err)
			f := &vaultFixture{t: t, ctx: ctx, vault: v}
			owner := f.enroll(alice, RolePatient)
			f.enroll(medic, RoleAmbulance)
			rec := f.upload(alice, alice, "survives restarts")
			require.NoError(t, v.Close())

			v, err = Open(ctx, cfg)
			require.NoError(t, err)
			t.Cleanup(func() { v.Close() })

			doc, err := v.Open(ctx, owner, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, "survives restarts", string(doc.Content))

			_, err = v.EmergencyAccess(ctx, medic, alice)
			require.NoError(t, err, "escrowed keys must stay recoverable after a restart")
			doc, err = v.Open(ctx, keyringFor(t, medic), rec.ID)
			require.NoError(t, err)
			assert.Equal(t, "survives restarts", string(doc.Content))

			n, err := v.VerifyAuditChain(ctx)
			require.NoError(t, err)
			assert.Greater(t, n, 0)
		})
	}
}

func TestOpen_InMemory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BlobMemory)
	cfg.Store = config.StoreMemory
	cfg.Cipher = "xchacha20-poly1305"

	v, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	assert.True(t, v.IsAuthority(registrar))
	assert.Equal(t, cfg.RequestWindow, v.RequestWindow())

	f := &vaultFixture{t: t, ctx: ctx, vault: v}
	kr := f.enroll(alice, RolePatient)
	rec := f.upload(alice, alice, "in memory")
	doc, err := v.Open(ctx, kr, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "in memory", string(doc.Content))
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, "tape")
	_, err := Open(context.Background(), cfg)
	var errs errsx.Map
	require.ErrorAs(t, err, &errs)
	assert.Contains(t, errs, "blob.backend")
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Format = "console"
	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	cfg.Log.Level = "chatty"
	_, err = NewLogger(cfg, nil)
	assert.Error(t, err)
}
