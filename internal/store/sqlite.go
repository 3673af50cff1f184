package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hengadev/medvault/internal/types"
	"github.com/hengadev/medvault/internal/vaulterr"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS users (
		address TEXT PRIMARY KEY,
		data BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		owner TEXT NOT NULL,
		data BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner, seq);

	CREATE TABLE IF NOT EXISTS requests (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		owner TEXT NOT NULL,
		data BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_requests_owner ON requests(owner, seq);

	CREATE TABLE IF NOT EXISTS grants (
		grantee TEXT NOT NULL,
		record_ref TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (grantee, record_ref)
	);

	CREATE TABLE IF NOT EXISTS emergency_grants (
		responder TEXT NOT NULL,
		patient TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (responder, patient)
	);

	CREATE TABLE IF NOT EXISTS balances (
		address TEXT PRIMARY KEY,
		amount INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY,
		data BLOB NOT NULL
	);
`

// SQLiteStore is a Store persisted in a SQLite database. It holds a single connection so
// every Update runs as one serialized SQL transaction.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at dsn and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create database directory '%s': %w", dir, err)
			}
		}
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database at '%s': %v", vaulterr.ErrStoreUnavailable, dsn, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: database connection test failed for '%s': %v", vaulterr.ErrStoreUnavailable, dsn, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database schema in '%s': %w", dsn, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *SQLiteStore) run(ctx context.Context, readOnly bool, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", vaulterr.ErrStoreUnavailable, err)
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", vaulterr.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqlTx) getJSON(dst any, what, key, query string, args ...any) error {
	var data []byte
	err := t.tx.QueryRowContext(t.ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s '%s'", vaulterr.ErrNotFound, what, key)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s '%s': %w", what, key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode %s '%s': %w", what, key, err)
	}
	return nil
}

func (t *sqlTx) exec(what, query string, args ...any) error {
	if _, err := t.tx.ExecContext(t.ctx, query, args...); err != nil {
		return fmt.Errorf("failed to write %s: %w", what, err)
	}
	return nil
}

func (t *sqlTx) GetUser(addr types.Address) (types.User, error) {
	var u types.User
	err := t.getJSON(&u, "user", string(addr), `SELECT data FROM users WHERE address = ?`, string(addr))
	return u, err
}

func (t *sqlTx) PutUser(u types.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return t.exec("user", `
		INSERT INTO users (address, data) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET data = excluded.data
	`, string(u.Address), data)
}

func (t *sqlTx) GetRecord(id string) (types.Record, error) {
	var r types.Record
	err := t.getJSON(&r, "record", id, `SELECT data FROM records WHERE id = ?`, id)
	return r, err
}

func (t *sqlTx) PutRecord(r types.Record) (types.Record, error) {
	existing, err := t.GetRecord(r.ID)
	switch {
	case err == nil:
		r.Seq = existing.Seq
		data, err := json.Marshal(r)
		if err != nil {
			return types.Record{}, err
		}
		return r, t.exec("record", `UPDATE records SET data = ? WHERE id = ?`, data, r.ID)
	case errors.Is(err, vaulterr.ErrNotFound):
	default:
		return types.Record{}, err
	}

	var count uint64
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM records WHERE owner = ?`, string(r.Owner)).Scan(&count); err != nil {
		return types.Record{}, fmt.Errorf("failed to count records: %w", err)
	}
	r.Seq = count + 1
	data, err := json.Marshal(r)
	if err != nil {
		return types.Record{}, err
	}
	return r, t.exec("record", `INSERT INTO records (id, owner, data) VALUES (?, ?, ?)`, r.ID, string(r.Owner), data)
}

func (t *sqlTx) RecordsByOwner(owner types.Address) iter.Seq2[types.Record, error] {
	return queryJSON[types.Record](t, `SELECT data FROM records WHERE owner = ? ORDER BY seq`, string(owner))
}

func (t *sqlTx) GetRequest(id string) (types.PermissionRequest, error) {
	var r types.PermissionRequest
	err := t.getJSON(&r, "request", id, `SELECT data FROM requests WHERE id = ?`, id)
	return r, err
}

func (t *sqlTx) PutRequest(r types.PermissionRequest) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return t.exec("request", `
		INSERT INTO requests (id, owner, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, r.ID, string(r.Owner), data)
}

func (t *sqlTx) RequestsByOwner(owner types.Address) iter.Seq2[types.PermissionRequest, error] {
	return queryJSON[types.PermissionRequest](t, `SELECT data FROM requests WHERE owner = ? ORDER BY seq`, string(owner))
}

func (t *sqlTx) GetGrant(grantee types.Address, recordRef string) (types.GrantedAccess, error) {
	var g types.GrantedAccess
	key := string(grantee) + "/" + recordRef
	err := t.getJSON(&g, "grant", key, `SELECT data FROM grants WHERE grantee = ? AND record_ref = ?`, string(grantee), recordRef)
	return g, err
}

func (t *sqlTx) PutGrant(g types.GrantedAccess) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return t.exec("grant", `
		INSERT INTO grants (grantee, record_ref, data) VALUES (?, ?, ?)
		ON CONFLICT(grantee, record_ref) DO UPDATE SET data = excluded.data
	`, string(g.Grantee), g.RecordRef, data)
}

func (t *sqlTx) DeleteGrant(grantee types.Address, recordRef string) error {
	return t.exec("grant", `DELETE FROM grants WHERE grantee = ? AND record_ref = ?`, string(grantee), recordRef)
}

func (t *sqlTx) GetEmergencyGrant(responder, patient types.Address) (types.EmergencyGrant, error) {
	var g types.EmergencyGrant
	key := string(responder) + "/" + string(patient)
	err := t.getJSON(&g, "emergency grant", key,
		`SELECT data FROM emergency_grants WHERE responder = ? AND patient = ?`, string(responder), string(patient))
	return g, err
}

func (t *sqlTx) PutEmergencyGrant(g types.EmergencyGrant) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return t.exec("emergency grant", `
		INSERT INTO emergency_grants (responder, patient, data) VALUES (?, ?, ?)
		ON CONFLICT(responder, patient) DO UPDATE SET data = excluded.data
	`, string(g.Responder), string(g.Patient), data)
}

func (t *sqlTx) Balance(addr types.Address) (uint64, error) {
	var amount int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT amount FROM balances WHERE address = ?`, string(addr)).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance of '%s': %w", addr, err)
	}
	return uint64(amount), nil
}

func (t *sqlTx) SetBalance(addr types.Address, amount uint64) error {
	if amount > math.MaxInt64 {
		return fmt.Errorf("balance %d exceeds storable range", amount)
	}
	return t.exec("balance", `
		INSERT INTO balances (address, amount) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET amount = excluded.amount
	`, string(addr), int64(amount))
}

func (t *sqlTx) LastAudit() (types.AuditEntry, bool, error) {
	var e types.AuditEntry
	err := t.getJSON(&e, "audit entry", "last", `SELECT data FROM audit_log ORDER BY seq DESC LIMIT 1`)
	if errors.Is(err, vaulterr.ErrNotFound) {
		return types.AuditEntry{}, false, nil
	}
	if err != nil {
		return types.AuditEntry{}, false, err
	}
	return e, true, nil
}

func (t *sqlTx) AppendAudit(e types.AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return t.exec("audit entry", `INSERT INTO audit_log (seq, data) VALUES (?, ?)`, int64(e.Seq), data)
}

func (t *sqlTx) AuditEntries() iter.Seq2[types.AuditEntry, error] {
	return queryJSON[types.AuditEntry](t, `SELECT data FROM audit_log ORDER BY seq`)
}

func queryJSON[T any](t *sqlTx, query string, args ...any) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		rows, err := t.tx.QueryContext(t.ctx, query, args...)
		if err != nil {
			yield(zero, fmt.Errorf("query failed: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				yield(zero, fmt.Errorf("scan failed: %w", err))
				return
			}
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				yield(zero, fmt.Errorf("decode failed: %w", err))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(zero, err)
		}
	}
}
