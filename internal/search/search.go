// Package search implements hybrid retrieval: lexical and vector phases
// fused with category-aware recency.
package search

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/contextvault/contextvault/internal/entry"
	"github.com/contextvault/contextvault/internal/errs"
	"github.com/contextvault/contextvault/internal/store"
	"github.com/contextvault/contextvault/internal/tenant"
)

// Fusion and fetch constants.
const (
	lexicalWeight = 0.4
	vectorWeight  = 0.6

	phaseFetch         = 15 // candidates per phase
	phaseFetchFiltered = 30 // vector fetch when a kind filter loses hits post-KNN
	tagOverFetch       = 10 // over-fetch factor when tag-filtering

	DefaultLimit = 10
	MaxLimit     = 100
)

// Query is a retrieval request. Kind must already be normalized to its
// canonical singular form.
type Query struct {
	Text        string
	Kind        string
	Category    string
	IdentityKey string
	Tags        []string
	Since       *time.Time
	Until       *time.Time
	Limit       int
}

// Result is one scored entry.
type Result struct {
	Entry *entry.Entry
	Score float64
}

// Search runs the hybrid pipeline. The returned note is non-empty when
// retrieval is degraded (embeddings unavailable).
func Search(tc *tenant.Context, q Query) ([]Result, string, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	now := time.Now().UTC()

	// Entity exact match short-circuits the whole pipeline.
	if q.IdentityKey != "" && q.Kind != "" {
		row, err := tc.Store.GetByIdentity(tc.UserID, q.Kind, q.IdentityKey)
		if err != nil {
			return nil, "", errs.Wrap(errs.Unknown, err, "identity lookup")
		}
		if row != nil {
			e, err := row.ToEntry()
			if err != nil {
				return nil, "", errs.Wrap(errs.Unknown, err, "decode row")
			}
			return []Result{{Entry: e, Score: 1.000}}, "", nil
		}
	}

	// Events default to a recency window when the caller gave no bounds.
	category := resolveCategory(q)
	if category == string(entry.Event) && q.Since == nil && q.Until == nil {
		since := now.Add(-time.Duration(decayDays(tc)) * 24 * time.Hour)
		q.Since = &since
	}

	if q.Text == "" {
		// Filter-only browse: same pipeline without the ranked phases.
		results, err := List(tc, q)
		return results, "", err
	}

	fetch := phaseFetch
	vecFetch := phaseFetch
	if q.Kind != "" || category != "" {
		vecFetch = phaseFetchFiltered
	}
	if len(q.Tags) > 0 {
		fetch *= tagOverFetch
		vecFetch *= tagOverFetch
	}

	type candidate struct {
		row      *store.Row
		lexical  float64
		vector   float64
		hasScore bool
	}
	candidates := make(map[string]*candidate)
	add := func(r *store.Row) *candidate {
		if c, ok := candidates[r.ID]; ok {
			return c
		}
		c := &candidate{row: r}
		candidates[r.ID] = c
		return c
	}

	// Lexical phase: native rank normalized into [0,1] by the maximum
	// absolute rank of this result set.
	lexHits, err := tc.Store.LexicalSearch(tc.UserID, q.Text, fetch)
	if err != nil {
		return nil, "", errs.Wrap(errs.Unknown, err, "lexical search")
	}
	var maxAbs float64
	for _, h := range lexHits {
		if a := math.Abs(h.Rank); a > maxAbs {
			maxAbs = a
		}
	}
	for _, h := range lexHits {
		c := add(h.Row)
		if maxAbs > 0 {
			c.lexical = math.Abs(h.Rank) / maxAbs
		}
		c.hasScore = true
	}

	// Vector phase: cosine distance d in [0,2] becomes score 1-d.
	note := ""
	if tc.Embedder != nil && tc.Embedder.Available() {
		if qvec := tc.Embedder.EmbedQuery(context.Background(), q.Text); qvec != nil {
			vecHits, err := tc.Store.VectorSearch(tc.UserID, qvec, vecFetch)
			if err != nil {
				return nil, "", errs.Wrap(errs.Unknown, err, "vector search")
			}
			for _, h := range vecHits {
				c := add(h.Row)
				c.vector = 1 - h.Distance
				c.hasScore = true
			}
		}
	} else {
		note = "embeddings unavailable, lexical-only results"
		if tc.Embedder != nil {
			if n := tc.Embedder.Note(); n != "" {
				note = n
			}
		}
	}

	// Fusion, recency boost, and filters.
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if !c.hasScore {
			continue
		}
		e, err := c.row.ToEntry()
		if err != nil {
			continue
		}
		if !matches(e, q, category) {
			continue
		}
		score := lexicalWeight*c.lexical + vectorWeight*c.vector
		score *= recency(e, now, decayDays(tc))
		results = append(results, Result{Entry: e, Score: score})
	}

	sortResults(results)
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, note, nil
}

// List is the filter-only pipeline: no ranked phases, newest first.
func List(tc *tenant.Context, q Query) ([]Result, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	rows, err := tc.Store.List(tc.UserID, store.ListFilter{
		Kind:     q.Kind,
		Category: resolveCategory(q),
		Since:    q.Since,
		Until:    q.Until,
		Tags:     q.Tags,
		Limit:    q.Limit,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, err, "list")
	}
	results := make([]Result, 0, len(rows))
	for _, r := range rows {
		e, err := r.ToEntry()
		if err != nil {
			continue
		}
		results = append(results, Result{Entry: e})
	}
	return results, nil
}

// ListPage is List with an offset for paginated browsing.
func ListPage(tc *tenant.Context, q Query, offset int) ([]Result, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	rows, err := tc.Store.List(tc.UserID, store.ListFilter{
		Kind:     q.Kind,
		Category: resolveCategory(q),
		Since:    q.Since,
		Until:    q.Until,
		Tags:     q.Tags,
		Limit:    q.Limit,
		Offset:   offset,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, err, "list")
	}
	results := make([]Result, 0, len(rows))
	for _, r := range rows {
		e, err := r.ToEntry()
		if err != nil {
			continue
		}
		results = append(results, Result{Entry: e})
	}
	return results, nil
}

// resolveCategory returns the effective category filter: explicit category
// first, otherwise the kind's category.
func resolveCategory(q Query) string {
	if q.Category != "" {
		return q.Category
	}
	if q.Kind != "" {
		return string(entry.CategoryFor(q.Kind))
	}
	return ""
}

func decayDays(tc *tenant.Context) int {
	if tc.DecayDays > 0 {
		return tc.DecayDays
	}
	return 30
}

// matches applies the post-phase filters: kind, category, time window, and
// tag intersection. Tenant scope and expiry are already enforced by the
// store queries.
func matches(e *entry.Entry, q Query, category string) bool {
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if category != "" && string(e.Category) != category {
		return false
	}
	if q.Since != nil && e.CreatedAt.Before(*q.Since) {
		return false
	}
	if q.Until != nil && e.CreatedAt.After(*q.Until) {
		return false
	}
	if len(q.Tags) > 0 {
		want := make(map[string]bool, len(q.Tags))
		for _, t := range q.Tags {
			want[t] = true
		}
		hit := false
		for _, t := range e.Tags {
			if want[t] {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// recency is the category-aware boost: hyperbolic decay with the
// configured half-life for events, flat for knowledge and entities.
func recency(e *entry.Entry, now time.Time, halfLifeDays int) float64 {
	if e.Category != entry.Event {
		return 1.0
	}
	age := e.AgeDays(now)
	if age < 0 {
		age = 0
	}
	return 1 / (1 + age/float64(halfLifeDays))
}

// sortResults orders by descending score; ties break to newer created_at,
// then id descending.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Entry.CreatedAt.Equal(b.Entry.CreatedAt) {
			return a.Entry.CreatedAt.After(b.Entry.CreatedAt)
		}
		return a.Entry.ID > b.Entry.ID
	})
}
