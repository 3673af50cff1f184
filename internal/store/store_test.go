package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_UsersAndNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.View(ctx, func(tx Tx) error {
				_, err := tx.GetUser("nobody")
				return err
			})
			assert.ErrorIs(t, err, vaulterr.ErrNotFound)

			u := types.User{Address: "p1", Role: types.RolePatient, Active: true, RegisteredAt: time.Unix(10, 0).UTC()}
			require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.PutUser(u) }))

			var got types.User
			require.NoError(t, s.View(ctx, func(tx Tx) (err error) {
				got, err = tx.GetUser("p1")
				return err
			}))
			assert.Equal(t, u, got)
		})
	}
}

func TestStore_RecordsKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ids := []string{"c", "a", "b"}
			for _, id := range ids {
				require.NoError(t, s.Update(ctx, func(tx Tx) error {
					_, err := tx.PutRecord(types.Record{ID: id, Owner: "p1", DataType: types.DataTypeEHR})
					return err
				}))
			}
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				_, err := tx.PutRecord(types.Record{ID: "z", Owner: "p2"})
				return err
			}))

			// updating a record keeps its position
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				r, err := tx.GetRecord("a")
				if err != nil {
					return err
				}
				r.Status = types.RecordValid
				_, err = tx.PutRecord(r)
				return err
			}))

			var got []string
			var seqs []uint64
			require.NoError(t, s.View(ctx, func(tx Tx) error {
				for r, err := range tx.RecordsByOwner("p1") {
					if err != nil {
						return err
					}
					got = append(got, r.ID)
					seqs = append(seqs, r.Seq)
				}
				return nil
			}))
			assert.Equal(t, ids, got)
			assert.Equal(t, []uint64{1, 2, 3}, seqs)
		})
	}
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.SetBalance("r1", 50) }))

			err := s.Update(ctx, func(tx Tx) error {
				if err := tx.SetBalance("r1", 0); err != nil {
					return err
				}
				if err := tx.PutUser(types.User{Address: "ghost"}); err != nil {
					return err
				}
				if _, err := tx.PutRecord(types.Record{ID: "ghost-rec", Owner: "ghost"}); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, err, boom)

			require.NoError(t, s.View(ctx, func(tx Tx) error {
				bal, err := tx.Balance("r1")
				require.NoError(t, err)
				assert.Equal(t, uint64(50), bal)

				_, err = tx.GetUser("ghost")
				assert.ErrorIs(t, err, vaulterr.ErrNotFound)

				count := 0
				for range tx.RecordsByOwner("ghost") {
					count++
				}
				assert.Zero(t, count)
				return nil
			}))
		})
	}
}

func TestStore_GrantsOverwriteAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			g := types.GrantedAccess{Owner: "p1", Grantee: "d1", RecordRef: "r1", GranteeWrappedKey: []byte{1}}
			require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.PutGrant(g) }))
			g.GranteeWrappedKey = []byte{2}
			require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.PutGrant(g) }))

			require.NoError(t, s.View(ctx, func(tx Tx) error {
				got, err := tx.GetGrant("d1", "r1")
				require.NoError(t, err)
				assert.Equal(t, []byte{2}, got.GranteeWrappedKey)
				return nil
			}))

			require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.DeleteGrant("d1", "r1") }))
			err := s.View(ctx, func(tx Tx) error {
				_, err := tx.GetGrant("d1", "r1")
				return err
			})
			assert.ErrorIs(t, err, vaulterr.ErrNotFound)
		})
	}
}

func TestStore_RequestsAndAudit(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				for _, id := range []string{"q1", "q2", "q3"} {
					owner := types.Address("p1")
					if id == "q2" {
						owner = "p2"
					}
					if err := tx.PutRequest(types.PermissionRequest{ID: id, Owner: owner}); err != nil {
						return err
					}
				}
				return nil
			}))

			require.NoError(t, s.View(ctx, func(tx Tx) error {
				var ids []string
				for r, err := range tx.RequestsByOwner("p1") {
					require.NoError(t, err)
					ids = append(ids, r.ID)
				}
				assert.Equal(t, []string{"q1", "q3"}, ids)

				_, ok, err := tx.LastAudit()
				require.NoError(t, err)
				assert.False(t, ok)
				return nil
			}))

			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				if err := tx.AppendAudit(types.AuditEntry{Seq: 1, Action: "register"}); err != nil {
					return err
				}
				return tx.AppendAudit(types.AuditEntry{Seq: 2, Action: "verify"})
			}))

			require.NoError(t, s.View(ctx, func(tx Tx) error {
				last, ok, err := tx.LastAudit()
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "verify", last.Action)

				var actions []string
				for e, err := range tx.AuditEntries() {
					require.NoError(t, err)
					actions = append(actions, e.Action)
				}
				assert.Equal(t, []string{"register", "verify"}, actions)
				return nil
			}))
		})
	}
}

func TestStore_EmergencyGrants(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			g := types.EmergencyGrant{Responder: "a1", Patient: "p1", Active: true, Records: []string{"r1", "r2"}}
			require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.PutEmergencyGrant(g) }))
			require.NoError(t, s.View(ctx, func(tx Tx) error {
				got, err := tx.GetEmergencyGrant("a1", "p1")
				require.NoError(t, err)
				assert.Equal(t, g.Records, got.Records)
				assert.True(t, got.Active)
				return nil
			}))
		})
	}
}

func TestMemoryStore_ViewIsReadOnly(t *testing.T) {
	s := NewMemoryStore()
	err := s.View(context.Background(), func(tx Tx) error {
		return tx.PutUser(types.User{Address: "x"})
	})
	assert.Error(t, err)
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemoryStore().Update(ctx, func(tx Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
