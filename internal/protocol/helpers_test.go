package protocol

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault/internal/crypto"
	"github.com/hengadev/medvault/internal/store"
	"github.com/hengadev/medvault/internal/types"
)

const (
	registrar types.Address = "registrar"
	patient   types.Address = "patient-p"
	provider  types.Address = "provider-d"
	research  types.Address = "researcher-r"
	ambulance types.Address = "ambulance-a"
	custodian types.Address = "custodian"
)

var (
	keyMu    sync.Mutex
	keyCache = map[types.Address]*rsa.PrivateKey{}
)

// testKey returns one RSA key per address for the whole test binary.
func testKey(t *testing.T, addr types.Address) *rsa.PrivateKey {
	t.Helper()
	keyMu.Lock()
	defer keyMu.Unlock()
	if k, ok := keyCache[addr]; ok {
		return k
	}
	k, err := crypto.GenerateKeyPair(crypto.MinRSABits)
	require.NoError(t, err)
	keyCache[addr] = k
	return k
}

func testPublicPEM(t *testing.T, addr types.Address) []byte {
	t.Helper()
	pem, err := crypto.MarshalPublicKeyPEM(&testKey(t, addr).PublicKey)
	require.NoError(t, err)
	return pem
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  store.Store
	engine *Engine
	clock  *fakeClock
}

func newFixture(t *testing.T, st store.Store, opts ...Option) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	var seq atomic.Int64
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(func() (string, error) {
			return fmt.Sprintf("id-%04d", seq.Add(1)), nil
		}),
		WithAuthorities(registrar),
	}
	e, err := NewEngine(st, append(base, opts...)...)
	require.NoError(t, err)
	return &fixture{t: t, ctx: context.Background(), store: st, engine: e, clock: clock}
}

// eachStore runs fn against a fresh engine on every store backend.
func eachStore(t *testing.T, fn func(t *testing.T, f *fixture), opts ...Option) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, newFixture(t, store.NewMemoryStore(), opts...))
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		fn(t, newFixture(t, st, opts...))
	})
}

// enroll registers addr with its test key and verifies it.
func (f *fixture) enroll(addr types.Address, role types.Role) {
	f.t.Helper()
	_, err := f.engine.Register(f.ctx, addr, role, testPublicPEM(f.t, addr))
	require.NoError(f.t, err)
	require.NoError(f.t, f.engine.Verify(f.ctx, registrar, addr))
}

type uploaded struct {
	record     types.Record
	ciphertext []byte
	plaintext  []byte
}

// upload encrypts content, wraps its key for the owner and the custodian, and catalogs it.
func (f *fixture) upload(owner types.Address, content string, dt types.DataType) uploaded {
	f.t.Helper()
	c, err := crypto.NewCipher(crypto.AES256GCM)
	require.NoError(f.t, err)
	ct, key, err := c.Encrypt([]byte(content))
	require.NoError(f.t, err)
	defer crypto.Zero(key)

	ownerWrapped, err := crypto.WrapFor(key, &testKey(f.t, owner).PublicKey)
	require.NoError(f.t, err)
	custodianWrapped, err := crypto.WrapFor(key, &testKey(f.t, custodian).PublicKey)
	require.NoError(f.t, err)

	sum := sha256.Sum256(ct)
	rec, err := f.engine.PutRecord(f.ctx, owner, NewRecord{
		Owner:               owner,
		DataType:            dt,
		ContentRef:          hex.EncodeToString(sum[:]),
		OwnerWrappedKey:     ownerWrapped,
		CustodianWrappedKey: custodianWrapped,
	})
	require.NoError(f.t, err)
	return uploaded{record: rec, ciphertext: ct, plaintext: []byte(content)}
}

// rewrapWith unwraps one of the record's stored keys with holder's private key and wraps it
// for the recipient.
func rewrapWith(t *testing.T, holder types.Address, pick func(types.Record) []byte) Rewrapper {
	return RewrapperFunc(func(ctx context.Context, rec types.Record, recipient []byte) ([]byte, error) {
		key, err := crypto.Unwrap(pick(rec), testKey(t, holder))
		if err != nil {
			return nil, err
		}
		defer crypto.Zero(key)
		return crypto.Wrap(key, recipient)
	})
}

func ownerRewrapper(t *testing.T, owner types.Address) Rewrapper {
	return rewrapWith(t, owner, func(r types.Record) []byte { return r.OwnerWrappedKey })
}

func custodianRewrapper(t *testing.T) Rewrapper {
	return rewrapWith(t, custodian, func(r types.Record) []byte { return r.CustodianWrappedKey })
}

// open decrypts an upload with the key granted to grantee.
func (f *fixture) open(grantee types.Address, u uploaded) []byte {
	f.t.Helper()
	g, err := f.engine.GetGrant(f.ctx, grantee, u.record.ID)
	require.NoError(f.t, err)
	key, err := crypto.Unwrap(g.GranteeWrappedKey, testKey(f.t, grantee))
	require.NoError(f.t, err)
	pt, err := crypto.Decrypt(u.ciphertext, key)
	require.NoError(f.t, err)
	return pt
}

func (f *fixture) balance(addr types.Address) uint64 {
	f.t.Helper()
	b, err := f.engine.Balance(f.ctx, addr)
	require.NoError(f.t, err)
	return b
}

func newMemory() store.Store { return store.NewMemoryStore() }
