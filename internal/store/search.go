package store

import (
	"fmt"
	"math"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// LexicalHit is a row with its native FTS5 rank (more negative = more
// relevant).
type LexicalHit struct {
	Row  *Row
	Rank float64
}

// VectorHit is a row with its cosine distance in [0,2].
type VectorHit struct {
	Row      *Row
	Distance float64
}

// rowColumnsV mirrors rowColumns with a "v" table alias for joins.
const rowColumnsV = `v.rowid, v.id, v.kind, v.category, COALESCE(v.title,''), v.body,
	COALESCE(v.meta,''), COALESCE(v.tags,'[]'), COALESCE(v.source,''),
	COALESCE(v.file_path,''), COALESCE(v.identity_key,''), COALESCE(v.expires_at,''),
	v.created_at, COALESCE(v.user_id,''), COALESCE(v.content_hash,''),
	v.body_encrypted, v.title_encrypted, v.meta_encrypted, v.iv`

// notExpiredV is notExpired with the "v" alias. Bound arg: now.
const notExpiredV = `(v.expires_at IS NULL OR v.expires_at = '' OR v.expires_at > ?)`

// BuildMatchQuery tokenizes free text into an FTS5 phrase-AND query.
// Tokens are quoted so lexical metacharacters (AND, OR, NEAR, *, :) cannot
// alter the query shape.
func BuildMatchQuery(text string) string {
	fields := strings.Fields(text)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Map(func(r rune) rune {
			switch r {
			case '"', '*', ':', '^', '(', ')':
				return -1
			}
			return r
		}, f)
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " AND ")
}

func scanHitRow(scan func(...any) error, extra *float64) (*Row, error) {
	var r Row
	if err := scan(
		&r.RowID, &r.ID, &r.Kind, &r.Category, &r.Title, &r.Body, &r.Meta,
		&r.Tags, &r.Source, &r.FilePath, &r.IdentityKey,
		&r.ExpiresAt, &r.CreatedAt, &r.UserID, &r.ContentHash,
		&r.BodyEnc, &r.TitleEnc, &r.MetaEnc, &r.IV,
		extra,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// LexicalSearch runs a ranked FTS5 query scoped to the tenant, excluding
// expired rows. Falls back to a LIKE-based keyword scan when FTS5 is
// unavailable in the host SQLite build.
func (db *DB) LexicalSearch(userID, text string, limit int) ([]LexicalHit, error) {
	if limit <= 0 {
		limit = 15
	}
	match := BuildMatchQuery(text)
	if match == "" {
		return nil, nil
	}
	if !db.ftsAvailable {
		return db.keywordFallback(userID, text, limit)
	}

	rows, err := db.conn.Query(`
		SELECT `+rowColumnsV+`, f.rank
		FROM vault_fts f
		JOIN vault v ON v.rowid = f.rowid
		WHERE vault_fts MATCH ? AND v.user_id IS ? AND `+notExpiredV+`
		ORDER BY f.rank
		LIMIT ?`,
		match, userArg(userID), nowISO(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var rank float64
		r, err := scanHitRow(rows.Scan, &rank)
		if err != nil {
			return nil, err
		}
		hits = append(hits, LexicalHit{Row: r, Rank: rank})
	}
	return hits, rows.Err()
}

// keywordFallback approximates lexical ranking with LIKE term counting.
// Rank is the negated match count so it composes with FTS5 rank semantics.
func (db *DB) keywordFallback(userID, text string, limit int) ([]LexicalHit, error) {
	terms := strings.Fields(strings.ToLower(text))
	if len(terms) == 0 {
		return nil, nil
	}

	var matchExprs, conds []string
	for range terms {
		matchExprs = append(matchExprs,
			`(CASE WHEN LOWER(COALESCE(v.title,'')) LIKE ? OR LOWER(v.body) LIKE ? THEN 1 ELSE 0 END)`)
		conds = append(conds, `(LOWER(COALESCE(v.title,'')) LIKE ? OR LOWER(v.body) LIKE ?)`)
	}

	args := []any{}
	for _, t := range terms { // score expression args
		pattern := "%" + t + "%"
		args = append(args, pattern, pattern)
	}
	args = append(args, userArg(userID), nowISO())
	for _, t := range terms { // WHERE condition args
		pattern := "%" + t + "%"
		args = append(args, pattern, pattern)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT `+rowColumnsV+`, -(%s) AS rank
		FROM vault v
		WHERE v.user_id IS ? AND `+notExpiredV+` AND (%s)
		ORDER BY rank, v.created_at DESC
		LIMIT ?`,
		strings.Join(matchExprs, " + "), strings.Join(conds, " AND "))

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword fallback: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var rank float64
		r, err := scanHitRow(rows.Scan, &rank)
		if err != nil {
			return nil, err
		}
		hits = append(hits, LexicalHit{Row: r, Rank: rank})
	}
	return hits, rows.Err()
}

// VectorSearch runs a KNN query over the vector index and joins back to
// rows. Tenant scope and expiry are filtered after the KNN pass, so callers
// over-fetch to compensate for post-filter loss.
func (db *DB) VectorSearch(userID string, queryVec []float32, k int) ([]VectorHit, error) {
	if k <= 0 {
		k = 15
	}
	data, err := sqlite_vec.SerializeFloat32(queryVec)
	if err != nil {
		return nil, fmt.Errorf("serialize query: %w", err)
	}

	rows, err := db.conn.Query(`
		SELECT `+rowColumnsV+`, w.distance
		FROM vault_vec w
		JOIN vault v ON v.rowid = w.entry_rowid
		WHERE w.embedding MATCH ? AND k = ?
		ORDER BY w.distance`,
		data, k,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	now := nowISO()
	var hits []VectorHit
	for rows.Next() {
		var dist float64
		r, err := scanHitRow(rows.Scan, &dist)
		if err != nil {
			return nil, err
		}
		if r.UserID != userID {
			continue
		}
		if r.ExpiresAt != "" && r.ExpiresAt <= now {
			continue
		}
		if math.IsNaN(dist) {
			continue
		}
		hits = append(hits, VectorHit{Row: r, Distance: dist})
	}
	return hits, rows.Err()
}
