package custodian

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hengadev/medvault/internal/vaulterr"
)

// KEKVersion maps one version of a KEK alias to the key that backs it in the KMS.
type KEKVersion struct {
	Alias        string
	Version      int
	KMSKeyID     string
	CreationTime time.Time
	IsDeprecated bool
}

// VersionStore records KEK versions. Current returns the newest version that is not
// deprecated and an error wrapping vaulterr.ErrNotFound when the alias has none.
type VersionStore interface {
	Current(ctx context.Context, alias string) (KEKVersion, error)
	Get(ctx context.Context, alias string, version int) (KEKVersion, error)
	// Promote deprecates every existing version of v.Alias and records v as current.
	Promote(ctx context.Context, v KEKVersion) error
}

type MemoryVersions struct {
	mu       sync.RWMutex
	versions map[string][]KEKVersion
}

func NewMemoryVersions() *MemoryVersions {
	return &MemoryVersions{versions: make(map[string][]KEKVersion)}
}

func (m *MemoryVersions) Current(ctx context.Context, alias string) (KEKVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.versions[alias]
	for i := len(vs) - 1; i >= 0; i-- {
		if !vs[i].IsDeprecated {
			return vs[i], nil
		}
	}
	return KEKVersion{}, fmt.Errorf("%w: no active KEK for alias '%s'", vaulterr.ErrNotFound, alias)
}

func (m *MemoryVersions) Get(ctx context.Context, alias string, version int) (KEKVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions[alias] {
		if v.Version == version {
			return v, nil
		}
	}
	return KEKVersion{}, fmt.Errorf("%w: KEK '%s' version %d", vaulterr.ErrNotFound, alias, version)
}

func (m *MemoryVersions) Promote(ctx context.Context, v KEKVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[v.Alias]
	for i := range vs {
		if vs[i].Version == v.Version {
			return fmt.Errorf("KEK '%s' version %d already recorded", v.Alias, v.Version)
		}
		vs[i].IsDeprecated = true
	}
	v.IsDeprecated = false
	m.versions[v.Alias] = append(vs, v)
	return nil
}

const kekSchema = `
	CREATE TABLE IF NOT EXISTS kek_versions (
		alias TEXT NOT NULL,
		version INTEGER NOT NULL,
		creation_time DATETIME DEFAULT CURRENT_TIMESTAMP,
		is_deprecated BOOLEAN DEFAULT FALSE,
		kms_key_id TEXT NOT NULL,
		PRIMARY KEY (alias, version)
	);

	CREATE INDEX IF NOT EXISTS idx_kek_versions_active ON kek_versions(alias, is_deprecated);

	CREATE TABLE IF NOT EXISTS local_keks (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		alias TEXT NOT NULL,
		kek BLOB NOT NULL
	);
`

// SQLiteVersions keeps KEK metadata in a kek_versions table.
type SQLiteVersions struct {
	db *sql.DB
}

// OpenSQLiteVersions opens (and if needed creates) the KEK metadata database at path.
func OpenSQLiteVersions(ctx context.Context, path string) (*SQLiteVersions, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create key metadata directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key metadata database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, kekSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kek_versions table: %w", err)
	}
	return &SQLiteVersions{db: db}, nil
}

func (s *SQLiteVersions) Close() error { return s.db.Close() }

// LocalKMS returns a LocalKMS whose keys are stored in the metadata database, so escrows
// stay recoverable across restarts. The keys are stored unencrypted; protect the file.
func (s *SQLiteVersions) LocalKMS(ctx context.Context) (*LocalKMS, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, alias, kek FROM local_keks ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to read local KEKs: %w", err)
	}
	defer rows.Close()

	l := NewLocalKMS()
	for rows.Next() {
		var id, alias string
		var kek []byte
		if err := rows.Scan(&id, &alias, &kek); err != nil {
			return nil, fmt.Errorf("failed to read local KEK: %w", err)
		}
		l.keys[id] = kek
		l.aliases[alias] = id
		l.next++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read local KEKs: %w", err)
	}
	l.persist = func(ctx context.Context, id, alias string, kek []byte) error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO local_keks (id, alias, kek) VALUES (?, ?, ?)`, id, alias, kek)
		return err
	}
	return l, nil
}

func (s *SQLiteVersions) scan(row *sql.Row, alias string, what string) (KEKVersion, error) {
	v := KEKVersion{Alias: alias}
	err := row.Scan(&v.Version, &v.KMSKeyID, &v.CreationTime, &v.IsDeprecated)
	if errors.Is(err, sql.ErrNoRows) {
		return KEKVersion{}, fmt.Errorf("%w: %s", vaulterr.ErrNotFound, what)
	}
	if err != nil {
		return KEKVersion{}, fmt.Errorf("failed to read %s: %w", what, err)
	}
	return v, nil
}

func (s *SQLiteVersions) Current(ctx context.Context, alias string) (KEKVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, kms_key_id, creation_time, is_deprecated FROM kek_versions
		WHERE alias = ? AND is_deprecated = FALSE
		ORDER BY version DESC
		LIMIT 1
	`, alias)
	return s.scan(row, alias, fmt.Sprintf("active KEK for alias '%s'", alias))
}

func (s *SQLiteVersions) Get(ctx context.Context, alias string, version int) (KEKVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, kms_key_id, creation_time, is_deprecated FROM kek_versions
		WHERE alias = ? AND version = ?
	`, alias, version)
	return s.scan(row, alias, fmt.Sprintf("KEK '%s' version %d", alias, version))
}

func (s *SQLiteVersions) Promote(ctx context.Context, v KEKVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin KEK promotion: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE kek_versions SET is_deprecated = TRUE WHERE alias = ?`, v.Alias); err != nil {
		return fmt.Errorf("failed to deprecate old KEK versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kek_versions (alias, version, kms_key_id, creation_time) VALUES (?, ?, ?, ?)
	`, v.Alias, v.Version, v.KMSKeyID, v.CreationTime.UTC()); err != nil {
		return fmt.Errorf("failed to record KEK version in metadata DB: %w", err)
	}
	return tx.Commit()
}
