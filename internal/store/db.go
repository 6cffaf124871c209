// Package store provides the SQLite primary store with its FTS5 lexical
// shadow and sqlite-vec vector index.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/contextvault/contextvault/internal/config"
)

func init() {
	sqlite_vec.Auto()
}

// Schema versioning. Versions older than the rebuild cutoff are not
// migrated in place: the database file is backed up and rebuilt from the
// vault tree by the next reindex.
const (
	schemaVersion = 6
	rebuildCutoff = 4
)

// errSchemaTooOld signals that the on-disk schema predates the migration
// cutoff.
var errSchemaTooOld = errors.New("schema version predates migration cutoff")

// DB wraps a SQLite connection. All writes are serialized through a single
// writer mutex; readers share the connection under WAL.
type DB struct {
	conn         *sql.DB
	mu           sync.Mutex
	ftsAvailable bool

	stmtMu sync.Mutex
	stmts  map[string]*sql.Stmt
}

// Open opens or creates the database at the given path. A database whose
// schema predates the rebuild cutoff is backed up and recreated empty.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := open(path)
	if errors.Is(err, errSchemaTooOld) {
		backup := fmt.Sprintf("%s.bak-%d", path, time.Now().Unix())
		log.Warn().Str("db", path).Str("backup", backup).
			Msg("schema too old, rebuilding database")
		if err := os.Rename(path, backup); err != nil {
			return nil, fmt.Errorf("back up old database: %w", err)
		}
		// WAL sidecars belong to the old file.
		os.Remove(path + "-wal")
		os.Remove(path + "-shm")
		db, err = open(path)
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

func open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	var vecVersion string
	if err := conn.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite-vec not available: %w", err)
	}

	db := &DB{conn: conn, stmts: make(map[string]*sql.Stmt)}
	if err := db.migrate(); err != nil {
		conn.Close()
		if errors.Is(err, errSchemaTooOld) {
			return nil, err
		}
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory database for testing.
func OpenMemory() (*DB, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	db := &DB{conn: conn, stmts: make(map[string]*sql.Stmt)}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close releases prepared statements and the connection.
func (db *DB) Close() error {
	db.stmtMu.Lock()
	for _, s := range db.stmts {
		s.Close()
	}
	db.stmts = nil
	db.stmtMu.Unlock()
	return db.conn.Close()
}

// Conn returns the underlying sql.DB for direct queries.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// stmt returns a cached prepared statement for the query. The cache is
// per-store and opaque to callers.
func (db *DB) stmt(query string) (*sql.Stmt, error) {
	db.stmtMu.Lock()
	defer db.stmtMu.Unlock()
	if db.stmts == nil {
		return nil, errors.New("store closed")
	}
	if s, ok := db.stmts[query]; ok {
		return s, nil
	}
	s, err := db.conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	db.stmts[query] = s
	return s, nil
}

// FTSAvailable reports whether the FTS5 module loaded. When false, lexical
// retrieval degrades to a LIKE-based fallback.
func (db *DB) FTSAvailable() bool {
	return db.ftsAvailable
}

func (db *DB) migrate() error {
	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("schema_meta: %w", err)
	}

	version := db.SchemaVersion()
	switch {
	case version == 0:
		if err := db.createSchema(); err != nil {
			return err
		}
		return db.SetMeta("schema_version", strconv.Itoa(schemaVersion))
	case version < rebuildCutoff:
		return errSchemaTooOld
	case version < schemaVersion:
		migrations := []struct {
			version int
			fn      func() error
		}{
			{5, db.migrateV5}, // envelope encryption columns
			{6, db.migrateV6}, // category column + retrieval index
		}
		for _, m := range migrations {
			if version < m.version {
				if err := m.fn(); err != nil {
					return fmt.Errorf("migration v%d: %w", m.version, err)
				}
				if err := db.SetMeta("schema_version", strconv.Itoa(m.version)); err != nil {
					return fmt.Errorf("record migration v%d: %w", m.version, err)
				}
			}
		}
	}
	// Virtual tables are recreated on every open path (IF NOT EXISTS) so
	// that upgraded databases gain them too.
	return db.createDerived()
}

func (db *DB) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vault (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'knowledge',
			title TEXT,
			body TEXT NOT NULL,
			meta TEXT,
			tags TEXT DEFAULT '[]',
			source TEXT,
			file_path TEXT UNIQUE,
			identity_key TEXT,
			expires_at TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now')),
			user_id TEXT,
			content_hash TEXT DEFAULT '',
			body_encrypted BLOB,
			title_encrypted BLOB,
			meta_encrypted BLOB,
			iv BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vault_kind ON vault(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_vault_category ON vault(category)`,
		`CREATE INDEX IF NOT EXISTS idx_vault_category_created ON vault(category, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_vault_user ON vault(user_id)`,
		// COALESCE keeps the local tenant (NULL user_id) inside the
		// uniqueness guarantee; bare NULLs are distinct in SQLite unique
		// indexes.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_vault_identity
			ON vault(COALESCE(user_id,''), kind, identity_key)
			WHERE identity_key IS NOT NULL`,
	}
	for _, s := range stmts {
		if _, err := db.conn.Exec(s); err != nil {
			return fmt.Errorf("create schema: %w\nSQL: %s", err, s)
		}
	}
	return db.createDerived()
}

// createDerived creates the FTS5 shadow and the vec0 vector table.
// FTS5 may be missing from the host SQLite build; that is non-fatal.
func (db *DB) createDerived() error {
	_, err := db.conn.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS vault_fts USING fts5(
		title, body, tags, kind,
		content=vault, content_rowid=rowid
	)`)
	if err != nil {
		db.ftsAvailable = false
	} else {
		db.ftsAvailable = true
		if err := db.createFTSTriggers(); err != nil {
			return err
		}
	}

	_, err = db.conn.Exec(fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vault_vec USING vec0(
		entry_rowid INTEGER PRIMARY KEY,
		embedding float[%d] distance_metric=cosine
	)`, config.EmbeddingDim))
	if err != nil {
		return fmt.Errorf("create vector table: %w", err)
	}
	return nil
}

// createFTSTriggers keeps the lexical shadow in sync with the vault table
// within the same transaction as every primary write.
func (db *DB) createFTSTriggers() error {
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS vault_fts_ai AFTER INSERT ON vault BEGIN
			INSERT INTO vault_fts(rowid, title, body, tags, kind)
			VALUES (new.rowid, new.title, new.body, new.tags, new.kind);
		END`,
		`CREATE TRIGGER IF NOT EXISTS vault_fts_ad AFTER DELETE ON vault BEGIN
			INSERT INTO vault_fts(vault_fts, rowid, title, body, tags, kind)
			VALUES ('delete', old.rowid, old.title, old.body, old.tags, old.kind);
		END`,
		`CREATE TRIGGER IF NOT EXISTS vault_fts_au AFTER UPDATE ON vault BEGIN
			INSERT INTO vault_fts(vault_fts, rowid, title, body, tags, kind)
			VALUES ('delete', old.rowid, old.title, old.body, old.tags, old.kind);
			INSERT INTO vault_fts(rowid, title, body, tags, kind)
			VALUES (new.rowid, new.title, new.body, new.tags, new.kind);
		END`,
	}
	for _, s := range triggers {
		if _, err := db.conn.Exec(s); err != nil {
			return fmt.Errorf("create fts trigger: %w", err)
		}
	}
	return nil
}

// migrateV5 adds the envelope encryption columns.
func (db *DB) migrateV5() error {
	for _, col := range []struct{ name, typ string }{
		{"body_encrypted", "BLOB"},
		{"title_encrypted", "BLOB"},
		{"meta_encrypted", "BLOB"},
		{"iv", "BLOB"},
	} {
		if db.hasColumn("vault", col.name) {
			continue
		}
		if _, err := db.conn.Exec(
			fmt.Sprintf("ALTER TABLE vault ADD COLUMN %s %s", col.name, col.typ)); err != nil {
			return err
		}
	}
	return nil
}

// migrateV6 adds the stored category column and the retrieval index.
func (db *DB) migrateV6() error {
	if !db.hasColumn("vault", "category") {
		if _, err := db.conn.Exec(
			`ALTER TABLE vault ADD COLUMN category TEXT NOT NULL DEFAULT 'knowledge'`); err != nil {
			return err
		}
	}
	if _, err := db.conn.Exec(
		`CREATE INDEX IF NOT EXISTS idx_vault_category_created ON vault(category, created_at DESC)`); err != nil {
		return err
	}
	_, err := db.conn.Exec(`CREATE INDEX IF NOT EXISTS idx_vault_category ON vault(category)`)
	return err
}

// SchemaVersion returns the current schema version (0 if unset).
func (db *DB) SchemaVersion() int {
	v, ok := db.GetMeta("schema_version")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// GetMeta reads a value from schema_meta. Returns ("", false) if not found.
func (db *DB) GetMeta(key string) (string, bool) {
	var value string
	err := db.conn.QueryRow(`SELECT value FROM schema_meta WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// SetMeta writes a key-value pair to schema_meta.
func (db *DB) SetMeta(key, value string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(
		`INSERT INTO schema_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// hasColumn reports whether a table currently has a column.
func (db *DB) hasColumn(table, column string) bool {
	rows, err := db.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			defaultV sql.NullString
			primaryK int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultV, &primaryK); err != nil {
			continue
		}
		if strings.EqualFold(name, column) {
			return true
		}
	}
	return false
}

// IntegrityCheck runs PRAGMA integrity_check.
func (db *DB) IntegrityCheck() error {
	var result string
	if err := db.conn.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// nowISO is the canonical timestamp format for the store.
func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// userArg converts the engine's empty-string local tenant to the NULL
// user_id the schema uses. Every scoped statement compares with IS so NULL
// matches NULL.
func userArg(userID string) any {
	if userID == "" {
		return nil
	}
	return userID
}
