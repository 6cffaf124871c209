package store

import (
	"fmt"
	"time"
)

// PathInfo is the per-file state reindex classifies against.
type PathInfo struct {
	RowID       int64
	ID          string
	ContentHash string
}

// PathIndex returns file_path -> stored state for every row in the store.
// Reindex reconciles the on-disk tree against this map.
func (db *DB) PathIndex() (map[string]PathInfo, error) {
	rows, err := db.conn.Query(
		`SELECT file_path, rowid, id, COALESCE(content_hash,'') FROM vault WHERE file_path IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]PathInfo)
	for rows.Next() {
		var path string
		var info PathInfo
		if err := rows.Scan(&path, &info.RowID, &info.ID, &info.ContentHash); err != nil {
			return nil, err
		}
		out[path] = info
	}
	return out, rows.Err()
}

// ManifestEntry is the sync-collaborator view of one entry.
type ManifestEntry struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// Manifest lists the current non-expired rows for the tenant.
func (db *DB) Manifest(userID string) ([]ManifestEntry, error) {
	rows, err := db.conn.Query(
		`SELECT id, kind, COALESCE(title,''), created_at FROM vault
		 WHERE user_id IS ? AND `+notExpired+`
		 ORDER BY created_at DESC, id DESC`,
		userArg(userID), nowISO())
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	defer rows.Close()

	var out []ManifestEntry
	for rows.Next() {
		var m ManifestEntry
		if err := rows.Scan(&m.ID, &m.Kind, &m.Title, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountEntries returns the live (non-expired) entry count for the tenant.
func (db *DB) CountEntries(userID string) (int, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM vault WHERE user_id IS ? AND `+notExpired,
		userArg(userID), nowISO()).Scan(&n)
	return n, err
}

// StorageBytes returns the tenant's stored content size: plaintext and
// ciphertext column lengths summed over live rows.
func (db *DB) StorageBytes(userID string) (int64, error) {
	var n int64
	err := db.conn.QueryRow(
		`SELECT COALESCE(SUM(
			LENGTH(body) + LENGTH(COALESCE(title,'')) + LENGTH(COALESCE(meta,'')) +
			LENGTH(COALESCE(body_encrypted, X'')) + LENGTH(COALESCE(title_encrypted, X'')) +
			LENGTH(COALESCE(meta_encrypted, X''))
		), 0) FROM vault WHERE user_id IS ? AND `+notExpired,
		userArg(userID), nowISO()).Scan(&n)
	return n, err
}

// KindCount pairs a kind with its live row count.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int    `json:"c"`
}

// KindCounts returns live per-kind counts for the tenant.
func (db *DB) KindCounts(userID string) ([]KindCount, error) {
	rows, err := db.conn.Query(
		`SELECT kind, COUNT(*) FROM vault WHERE user_id IS ? AND `+notExpired+`
		 GROUP BY kind ORDER BY COUNT(*) DESC, kind`,
		userArg(userID), nowISO())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.Kind, &kc.Count); err != nil {
			return nil, err
		}
		out = append(out, kc)
	}
	return out, rows.Err()
}

// CategoryCount pairs a category with its live row count.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"c"`
}

// CategoryCounts returns live per-category counts for the tenant.
func (db *DB) CategoryCounts(userID string) ([]CategoryCount, error) {
	rows, err := db.conn.Query(
		`SELECT category, COUNT(*) FROM vault WHERE user_id IS ? AND `+notExpired+`
		 GROUP BY category ORDER BY category`,
		userArg(userID), nowISO())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CategoryCount
	for rows.Next() {
		var cc CategoryCount
		if err := rows.Scan(&cc.Category, &cc.Count); err != nil {
			return nil, err
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}

// ExpiredCount returns the number of rows whose TTL has passed but which
// have not yet been reaped by a reindex.
func (db *DB) ExpiredCount(userID string) (int, error) {
	var n int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM vault
		 WHERE user_id IS ? AND expires_at IS NOT NULL AND expires_at != '' AND expires_at <= ?`,
		userArg(userID), nowISO()).Scan(&n)
	return n, err
}

// EmbeddingStatus summarizes vector index coverage.
type EmbeddingStatus struct {
	Indexed int `json:"indexed"`
	Total   int `json:"total"`
	Missing int `json:"missing"`
}

// EmbeddingCoverage reports how many live rows have a stored vector.
func (db *DB) EmbeddingCoverage(userID string) (*EmbeddingStatus, error) {
	var st EmbeddingStatus
	err := db.conn.QueryRow(
		`SELECT COUNT(*),
			COUNT(*) FILTER (WHERE rowid IN (SELECT entry_rowid FROM vault_vec))
		 FROM vault WHERE user_id IS ? AND `+notExpired,
		userArg(userID), nowISO()).Scan(&st.Total, &st.Indexed)
	if err != nil {
		return nil, err
	}
	st.Missing = st.Total - st.Indexed
	return &st, nil
}

// LastReindexTime returns the recorded completion time of the last reindex.
func (db *DB) LastReindexTime() (time.Time, bool) {
	v, ok := db.GetMeta("last_reindex_time")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
