package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/contextvault/contextvault/internal/entry"
)

// Row is the primary-store representation of an entry. Plaintext and
// ciphertext columns are mutually exclusive: encrypted rows carry empty
// Title/Body/Meta.
type Row struct {
	RowID       int64
	ID          string
	Kind        string
	Category    string
	Title       string
	Body        string
	Meta        string // JSON object, "" when absent
	Tags        string // JSON array
	Source      string
	FilePath    string
	IdentityKey string
	ExpiresAt   string
	CreatedAt   string
	UserID      string // "" means the local tenant
	ContentHash string
	BodyEnc     []byte
	TitleEnc    []byte
	MetaEnc     []byte
	IV          []byte
}

// FromEntry converts the model form to a storable row.
func FromEntry(e *entry.Entry, contentHash string) (*Row, error) {
	r := &Row{
		ID:          e.ID,
		Kind:        e.Kind,
		Category:    string(e.Category),
		FilePath:    e.FilePath,
		IdentityKey: e.IdentityKey,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
		UserID:      e.UserID,
		ContentHash: contentHash,
	}
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	if e.Tags == nil {
		tags = []byte("[]")
	}
	r.Tags = string(tags)
	if e.ExpiresAt != nil {
		r.ExpiresAt = e.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if e.Sealed != nil {
		r.BodyEnc = e.Sealed.Body
		r.TitleEnc = e.Sealed.Title
		r.MetaEnc = e.Sealed.Meta
		r.IV = e.Sealed.IV
		return r, nil
	}
	r.Title = e.Title
	r.Body = e.Body
	r.Source = e.Source
	if len(e.Meta) > 0 {
		meta, err := json.Marshal(e.Meta)
		if err != nil {
			return nil, fmt.Errorf("marshal meta: %w", err)
		}
		r.Meta = string(meta)
	}
	return r, nil
}

// ToEntry converts a row back to the model form.
func (r *Row) ToEntry() (*entry.Entry, error) {
	e := &entry.Entry{
		ID:          r.ID,
		Kind:        r.Kind,
		Category:    entry.Category(r.Category),
		Title:       r.Title,
		Body:        r.Body,
		Source:      r.Source,
		FilePath:    r.FilePath,
		IdentityKey: r.IdentityKey,
		UserID:      r.UserID,
	}
	if r.Tags != "" && r.Tags != "[]" {
		if err := json.Unmarshal([]byte(r.Tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if r.Meta != "" {
		if err := json.Unmarshal([]byte(r.Meta), &e.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	if r.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		e.CreatedAt = t.UTC()
	}
	if r.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, r.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
		t = t.UTC()
		e.ExpiresAt = &t
	}
	if len(r.BodyEnc) > 0 || len(r.IV) > 0 {
		e.Sealed = &entry.Envelope{
			Body:  r.BodyEnc,
			Title: r.TitleEnc,
			Meta:  r.MetaEnc,
			IV:    r.IV,
		}
	}
	return e, nil
}

const rowColumns = `rowid, id, kind, category, COALESCE(title,''), body, COALESCE(meta,''),
	COALESCE(tags,'[]'), COALESCE(source,''), COALESCE(file_path,''), COALESCE(identity_key,''),
	COALESCE(expires_at,''), created_at, COALESCE(user_id,''), COALESCE(content_hash,''),
	body_encrypted, title_encrypted, meta_encrypted, iv`

// notExpired filters out entries whose TTL has passed. Bound arg: now.
const notExpired = `(expires_at IS NULL OR expires_at = '' OR expires_at > ?)`

func scanRow(s interface{ Scan(...any) error }) (*Row, error) {
	var r Row
	err := s.Scan(
		&r.RowID, &r.ID, &r.Kind, &r.Category, &r.Title, &r.Body, &r.Meta,
		&r.Tags, &r.Source, &r.FilePath, &r.IdentityKey,
		&r.ExpiresAt, &r.CreatedAt, &r.UserID, &r.ContentHash,
		&r.BodyEnc, &r.TitleEnc, &r.MetaEnc, &r.IV,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRows(rows *sql.Rows) ([]*Row, error) {
	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertEntry inserts a row and, when vec is non-nil, its embedding, in one
// transaction. The FTS shadow is refreshed by triggers inside the same
// transaction.
func (db *DB) InsertEntry(r *Row, vec []float32) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO vault (id, kind, category, title, body, meta, tags, source, file_path,
			identity_key, expires_at, created_at, user_id, content_hash,
			body_encrypted, title_encrypted, meta_encrypted, iv)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Category, nullable(r.Title), r.Body, nullable(r.Meta), r.Tags,
		nullable(r.Source), r.FilePath, nullable(r.IdentityKey), nullable(r.ExpiresAt),
		r.CreatedAt, nullable(r.UserID), r.ContentHash,
		r.BodyEnc, r.TitleEnc, r.MetaEnc, r.IV,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	rowid, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.RowID = rowid

	if vec != nil {
		if err := insertVector(tx, rowid, vec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertVector(tx *sql.Tx, rowid int64, vec []float32) error {
	data, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM vault_vec WHERE entry_rowid = ?`, rowid); err != nil {
		return fmt.Errorf("clear vector: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO vault_vec (entry_rowid, embedding) VALUES (?, ?)`, rowid, data); err != nil {
		return fmt.Errorf("insert vector: %w", err)
	}
	return nil
}

// UpdateEntry rewrites a row's mutable columns and replaces its embedding.
// vec == nil removes any stored vector (embedding unavailable or content
// now encrypted).
func (db *DB) UpdateEntry(r *Row, vec []float32) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE vault SET title = ?, body = ?, meta = ?, tags = ?, source = ?, file_path = ?,
			expires_at = ?, content_hash = ?,
			body_encrypted = ?, title_encrypted = ?, meta_encrypted = ?, iv = ?
		WHERE id = ? AND user_id IS ?`,
		nullable(r.Title), r.Body, nullable(r.Meta), r.Tags, nullable(r.Source), r.FilePath,
		nullable(r.ExpiresAt), r.ContentHash,
		r.BodyEnc, r.TitleEnc, r.MetaEnc, r.IV,
		r.ID, userArg(r.UserID),
	); err != nil {
		return fmt.Errorf("update entry: %w", err)
	}

	var rowid int64
	if err := tx.QueryRow(
		`SELECT rowid FROM vault WHERE id = ? AND user_id IS ?`, r.ID, userArg(r.UserID),
	).Scan(&rowid); err != nil {
		return fmt.Errorf("updated row lookup: %w", err)
	}
	r.RowID = rowid

	if vec == nil {
		if _, err := tx.Exec(`DELETE FROM vault_vec WHERE entry_rowid = ?`, rowid); err != nil {
			return fmt.Errorf("clear vector: %w", err)
		}
	} else if err := insertVector(tx, rowid, vec); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceVector inserts or replaces the embedding for an existing row.
func (db *DB) ReplaceVector(rowid int64, vec []float32) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := insertVector(tx, rowid, vec); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteEntry removes the vector then the row. Returns false when no row
// matched the (user, id) scope.
func (db *DB) DeleteEntry(userID, id string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var rowid int64
	err = tx.QueryRow(
		`SELECT rowid FROM vault WHERE id = ? AND user_id IS ?`, id, userArg(userID),
	).Scan(&rowid)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete lookup: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM vault_vec WHERE entry_rowid = ?`, rowid); err != nil {
		return false, fmt.Errorf("delete vector: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM vault WHERE rowid = ?`, rowid); err != nil {
		return false, fmt.Errorf("delete row: %w", err)
	}
	return true, tx.Commit()
}

// DeleteByPath removes the vector and row stored for a file path. Used by
// reindex to reap rows whose files disappeared. Returns false when no row
// matched.
func (db *DB) DeleteByPath(filePath string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var rowid int64
	err = tx.QueryRow(`SELECT rowid FROM vault WHERE file_path = ?`, filePath).Scan(&rowid)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete lookup: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM vault_vec WHERE entry_rowid = ?`, rowid); err != nil {
		return false, fmt.Errorf("delete vector: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM vault WHERE rowid = ?`, rowid); err != nil {
		return false, fmt.Errorf("delete row: %w", err)
	}
	return true, tx.Commit()
}

// GetByID returns the entry for (user, id), excluding expired rows.
// A missing or foreign-owned id returns (nil, nil).
func (db *DB) GetByID(userID, id string) (*Row, error) {
	stmt, err := db.stmt(
		`SELECT ` + rowColumns + ` FROM vault WHERE id = ? AND user_id IS ? AND ` + notExpired)
	if err != nil {
		return nil, err
	}
	r, err := scanRow(stmt.QueryRow(id, userArg(userID), nowISO()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by id: %w", err)
	}
	return r, nil
}

// GetByIDAny is GetByID without the expiry filter. Delete uses it so that
// expired entries can still be reaped by their owner.
func (db *DB) GetByIDAny(userID, id string) (*Row, error) {
	stmt, err := db.stmt(`SELECT ` + rowColumns + ` FROM vault WHERE id = ? AND user_id IS ?`)
	if err != nil {
		return nil, err
	}
	r, err := scanRow(stmt.QueryRow(id, userArg(userID)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by id: %w", err)
	}
	return r, nil
}

// GetByIdentity returns the entity row for (user, kind, identity_key),
// excluding expired rows.
func (db *DB) GetByIdentity(userID, kind, identityKey string) (*Row, error) {
	stmt, err := db.stmt(`SELECT ` + rowColumns + ` FROM vault
		WHERE user_id IS ? AND kind = ? AND identity_key = ? AND ` + notExpired)
	if err != nil {
		return nil, err
	}
	r, err := scanRow(stmt.QueryRow(userArg(userID), kind, identityKey, nowISO()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by identity: %w", err)
	}
	return r, nil
}

// GetByPath returns the row stored for a file path, regardless of tenant
// (paths are unique across the store).
func (db *DB) GetByPath(filePath string) (*Row, error) {
	stmt, err := db.stmt(`SELECT ` + rowColumns + ` FROM vault WHERE file_path = ?`)
	if err != nil {
		return nil, err
	}
	r, err := scanRow(stmt.QueryRow(filePath))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by path: %w", err)
	}
	return r, nil
}

// ListFilter narrows a browse listing.
type ListFilter struct {
	Kind     string
	Category string
	Since    *time.Time
	Until    *time.Time
	Tags     []string
	Limit    int
	Offset   int
}

// List returns non-expired entries for the tenant, newest first. Tag
// filtering happens post-query with a 10x over-fetch to preserve the limit.
func (db *DB) List(userID string, f ListFilter) ([]*Row, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}

	query := `SELECT ` + rowColumns + ` FROM vault WHERE user_id IS ? AND ` + notExpired
	args := []any{userArg(userID), nowISO()}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	if f.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if f.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`

	limit := f.Limit
	if len(f.Tags) > 0 {
		limit *= 10
	}
	args = append(args, limit, f.Offset)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(f.Tags) > 0 {
		out = filterByTags(out, f.Tags)
		if len(out) > f.Limit {
			out = out[:f.Limit]
		}
	}
	return out, nil
}

// filterByTags keeps rows whose tag set intersects the requested tags.
func filterByTags(rows []*Row, want []string) []*Row {
	wantSet := make(map[string]bool, len(want))
	for _, t := range want {
		wantSet[t] = true
	}
	kept := rows[:0]
	for _, r := range rows {
		var tags []string
		if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
			continue
		}
		for _, t := range tags {
			if wantSet[t] {
				kept = append(kept, r)
				break
			}
		}
	}
	return kept
}
