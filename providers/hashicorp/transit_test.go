package hashicorp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault/internal/crypto"
	"github.com/hengadev/medvault/internal/custodian"
	"github.com/hengadev/medvault/internal/vaulterr"
)

// fakeTransit mimics the Transit endpoints the provider calls. Ciphertext is the
// base64 plaintext tagged with the key version, which is enough to check routing.
type fakeTransit struct {
	mu       sync.Mutex
	versions map[string]int
	logins   int
}

func newFakeTransit(t *testing.T) (*fakeTransit, *httptest.Server) {
	t.Helper()
	f := &fakeTransit{versions: make(map[string]int)}
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /v1/auth/approle/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.logins++
		f.mu.Unlock()
		writeJSON(w, map[string]any{"auth": map[string]any{"client_token": "approle-token"}})
	})
	mux.HandleFunc("GET /v1/transit/keys/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		v, ok := f.versions[r.PathValue("name")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors":[]}`))
			return
		}
		writeJSON(w, map[string]any{"data": map[string]any{"latest_version": v}})
	})
	mux.HandleFunc("PUT /v1/transit/keys/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		if _, ok := f.versions[r.PathValue("name")]; !ok {
			f.versions[r.PathValue("name")] = 1
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /v1/transit/keys/{name}/rotate", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.versions[r.PathValue("name")]++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /v1/transit/encrypt/{name}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Plaintext string `json:"plaintext"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"errors":["bad body"]}`, http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		v, ok := f.versions[r.PathValue("name")]
		f.mu.Unlock()
		if !ok {
			http.Error(w, `{"errors":["no such key"]}`, http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"data": map[string]any{
			"ciphertext": fmt.Sprintf("vault:v%d:%s", v, body.Plaintext),
		}})
	})
	mux.HandleFunc("PUT /v1/transit/decrypt/{name}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ciphertext string `json:"ciphertext"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"errors":["bad body"]}`, http.StatusBadRequest)
			return
		}
		parts := strings.SplitN(body.Ciphertext, ":", 3)
		if len(parts) != 3 || parts[0] != "vault" {
			http.Error(w, `{"errors":["invalid ciphertext"]}`, http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"data": map[string]any{"plaintext": parts[2]}})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeTransit) version(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[name]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestKMS(t *testing.T, server *httptest.Server) *TransitKMS {
	t.Helper()
	kms, err := New(context.Background(), Config{Address: server.URL, Token: "root"})
	require.NoError(t, err)
	return kms
}

func TestNew_Authentication(t *testing.T) {
	f, server := newFakeTransit(t)
	ctx := context.Background()

	t.Run("token", func(t *testing.T) {
		kms, err := New(ctx, Config{Address: server.URL, Token: "root"})
		require.NoError(t, err)
		assert.Equal(t, "root", kms.client.Token())
		assert.Equal(t, defaultMount, kms.mount)
	})

	t.Run("approle", func(t *testing.T) {
		kms, err := New(ctx, Config{Address: server.URL, RoleID: "role", SecretID: "secret", Mount: "escrow"})
		require.NoError(t, err)
		assert.Equal(t, "approle-token", kms.client.Token())
		assert.Equal(t, "escrow", kms.mount)
		f.mu.Lock()
		assert.Equal(t, 1, f.logins)
		f.mu.Unlock()
	})

	t.Run("no credentials", func(t *testing.T) {
		_, err := New(ctx, Config{Address: server.URL})
		assert.Error(t, err)
	})
}

func TestTransitKMS_KeyLifecycle(t *testing.T) {
	f, server := newFakeTransit(t)
	kms := newTestKMS(t, server)
	ctx := context.Background()

	_, err := kms.GetKeyID(ctx, "escrow-kek")
	assert.ErrorIs(t, err, vaulterr.ErrNotFound)

	id, err := kms.CreateKey(ctx, "escrow-kek")
	require.NoError(t, err)
	assert.Equal(t, "escrow-kek", id)
	assert.Equal(t, 1, f.version("escrow-kek"))

	id, err = kms.GetKeyID(ctx, "escrow-kek")
	require.NoError(t, err)
	assert.Equal(t, "escrow-kek", id)

	_, err = kms.CreateKey(ctx, "escrow-kek")
	require.NoError(t, err)
	assert.Equal(t, 2, f.version("escrow-kek"), "creating an existing key rotates it")
}

func TestTransitKMS_EncryptDecrypt(t *testing.T) {
	_, server := newFakeTransit(t)
	kms := newTestKMS(t, server)
	ctx := context.Background()
	_, err := kms.CreateKey(ctx, "escrow-kek")
	require.NoError(t, err)

	dek := []byte("0123456789abcdef0123456789abcdef")
	ciphertext, err := kms.EncryptDEK(ctx, "escrow-kek", dek)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(ciphertext), "vault:v1:"))

	plaintext, err := kms.DecryptDEK(ctx, "escrow-kek", ciphertext)
	require.NoError(t, err)
	assert.Equal(t, dek, plaintext)

	_, err = kms.EncryptDEK(ctx, "escrow-kek", nil)
	assert.ErrorIs(t, err, vaulterr.ErrEncryptionFailed)
	_, err = kms.DecryptDEK(ctx, "escrow-kek", nil)
	assert.ErrorIs(t, err, vaulterr.ErrDecryptionFailed)

	_, err = kms.EncryptDEK(ctx, "missing", dek)
	assert.ErrorIs(t, err, vaulterr.ErrKMSUnavailable)
}

func TestTransitKMS_BacksCustodian(t *testing.T) {
	f, server := newFakeTransit(t)
	kms := newTestKMS(t, server)
	ctx := context.Background()

	c, err := custodian.New(ctx, kms, custodian.NewMemoryVersions(), custodian.WithAlias("medvault-escrow"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.version("medvault-escrow"))

	dek, err := crypto.GenerateDEK()
	require.NoError(t, err)
	escrowed, err := c.Escrow(ctx, dek)
	require.NoError(t, err)

	version, err := c.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, 2, f.version("medvault-escrow"))

	recovered, kekVersion, err := c.Recover(ctx, escrowed)
	require.NoError(t, err)
	assert.Equal(t, dek, recovered)
	assert.Equal(t, 1, kekVersion)
}
