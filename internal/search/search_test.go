package search

import (
	"context"
	"hash/fnv"
	"strings"
	"testing"
	"time"

	"github.com/contextvault/contextvault/internal/capture"
	"github.com/contextvault/contextvault/internal/config"
	"github.com/contextvault/contextvault/internal/embedding"
	"github.com/contextvault/contextvault/internal/entry"
	"github.com/contextvault/contextvault/internal/store"
	"github.com/contextvault/contextvault/internal/tenant"
)

type fakeProvider struct{}

func (fakeProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = fakeVec(t)
	}
	return out, nil
}

func (fakeProvider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return fakeVec(text), nil
}

func (fakeProvider) Name() string    { return "fake" }
func (fakeProvider) Model() string   { return "fake-model" }
func (fakeProvider) Dimensions() int { return config.EmbeddingDim }

func fakeVec(text string) []float32 {
	vec := make([]float32, config.EmbeddingDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%config.EmbeddingDim]++
	}
	return vec
}

func newTestContext(t *testing.T) *tenant.Context {
	t.Helper()
	root := t.TempDir()
	if err := config.WriteMarker(root, "test"); err != nil {
		t.Fatal(err)
	}
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &tenant.Context{
		Store:     db,
		Embedder:  embedding.NewLazyWith(fakeProvider{}),
		VaultRoot: root,
		DecayDays: 30,
	}
}

func save(t *testing.T, tc *tenant.Context, in capture.Input) *entry.Entry {
	t.Helper()
	e, err := capture.Capture(tc, in)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	return e
}

func strptr(s string) *string { return &s }

// backdate rewrites an entry's created_at in the store so recency tests
// can simulate old entries.
func backdate(t *testing.T, tc *tenant.Context, id string, to time.Time) {
	t.Helper()
	_, err := tc.Store.Conn().Exec(
		"UPDATE vault SET created_at = ? WHERE id = ?", to.UTC().Format(time.RFC3339), id)
	if err != nil {
		t.Fatal(err)
	}
}

func TestVerbatimBodyRanksFirst(t *testing.T) {
	tc := newTestContext(t)
	target := save(t, tc, capture.Input{
		Kind: "insight", Body: "Use parameterized queries to prevent sql injection attacks.",
	})
	save(t, tc, capture.Input{Kind: "insight", Body: "Prefer table driven tests for coverage."})
	save(t, tc, capture.Input{Kind: "insight", Body: "Cache invalidation is one of the hard problems."})

	results, note, err := Search(tc, Query{Text: "sql injection"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if note != "" {
		t.Errorf("unexpected degradation note %q", note)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Entry.ID != target.ID {
		t.Errorf("top result = %s, want %s", results[0].Entry.ID, target.ID)
	}
	if results[0].Score <= 0 {
		t.Errorf("score = %f", results[0].Score)
	}
}

func TestEntityExactMatchShortCircuit(t *testing.T) {
	tc := newTestContext(t)
	e := save(t, tc, capture.Input{
		Kind: "contact", Body: "Role: CTO", IdentityKey: "alice@example.com",
	})
	save(t, tc, capture.Input{
		Kind: "contact", Body: "Role: PM", IdentityKey: "bob@example.com",
	})

	results, _, err := Search(tc, Query{Kind: "contact", IdentityKey: "alice@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Entry.ID != e.ID || results[0].Score != 1.000 {
		t.Errorf("result = %s score %f", results[0].Entry.ID, results[0].Score)
	}
}

func TestEventAutoWindow(t *testing.T) {
	tc := newTestContext(t)
	recent := save(t, tc, capture.Input{Kind: "meeting", Body: "sprint planning x"})
	old := save(t, tc, capture.Input{Kind: "meeting", Body: "kickoff meeting x"})
	backdate(t, tc, old.ID, time.Now().Add(-40*24*time.Hour))
	backdate(t, tc, recent.ID, time.Now().Add(-5*24*time.Hour))

	// Default window hides the 40-day-old event.
	results, _, err := Search(tc, Query{Text: "x", Category: "event"})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.Entry.ID == old.ID {
			t.Error("event outside the default window returned")
		}
	}
	found := false
	for _, r := range results {
		if r.Entry.ID == recent.ID {
			found = true
		}
	}
	if !found {
		t.Error("recent event missing")
	}

	// An explicit since bound widens the window.
	since := time.Now().Add(-60 * 24 * time.Hour)
	results, _, err = Search(tc, Query{Text: "x", Category: "event", Since: &since})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("explicit window results = %d, want 2", len(results))
	}
}

func TestEventRecencyOrdersNewerFirst(t *testing.T) {
	tc := newTestContext(t)
	newer := save(t, tc, capture.Input{Kind: "log", Body: "deploy completed fine"})
	older := save(t, tc, capture.Input{Kind: "log", Body: "deploy completed fine"})
	backdate(t, tc, older.ID, time.Now().Add(-20*24*time.Hour))
	backdate(t, tc, newer.ID, time.Now().Add(-1*24*time.Hour))

	results, _, err := Search(tc, Query{Text: "deploy completed", Category: "event"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Entry.ID != newer.ID {
		t.Errorf("older event outranked newer: %v then %v", results[0].Entry.ID, results[1].Entry.ID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not decayed: %f vs %f", results[0].Score, results[1].Score)
	}
}

func TestKindAndCategoryFilters(t *testing.T) {
	tc := newTestContext(t)
	save(t, tc, capture.Input{Kind: "insight", Body: "shared keyword alpha"})
	dec := save(t, tc, capture.Input{Kind: "decision", Title: strptr("T"), Body: "shared keyword alpha"})

	results, _, err := Search(tc, Query{Text: "shared keyword", Kind: "decision"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Entry.ID != dec.ID {
		t.Errorf("kind filter results = %+v", results)
	}
}

func TestTagFilter(t *testing.T) {
	tc := newTestContext(t)
	tagged := save(t, tc, capture.Input{Kind: "insight", Body: "common phrase here", Tags: []string{"security"}})
	save(t, tc, capture.Input{Kind: "insight", Body: "common phrase here", Tags: []string{"perf"}})

	results, _, err := Search(tc, Query{Text: "common phrase", Tags: []string{"security"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Entry.ID != tagged.ID {
		t.Errorf("tag filter results = %+v", results)
	}
}

func TestLimitRespected(t *testing.T) {
	tc := newTestContext(t)
	for i := 0; i < 8; i++ {
		save(t, tc, capture.Input{Kind: "insight", Body: "repeated searchable phrase"})
	}
	results, _, err := Search(tc, Query{Text: "repeated searchable phrase", Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) > 3 {
		t.Errorf("limit violated: %d results", len(results))
	}
}

func TestLexicalOnlyWhenEmbedderUnavailable(t *testing.T) {
	tc := newTestContext(t)
	tc.Embedder = embedding.NewLazyWith(nil)
	target := save(t, tc, capture.Input{Kind: "insight", Body: "grep is a fine tool"})

	results, note, err := Search(tc, Query{Text: "grep"})
	if err != nil {
		t.Fatal(err)
	}
	if note == "" {
		t.Error("no degradation note in lexical-only mode")
	}
	if len(results) != 1 || results[0].Entry.ID != target.ID {
		t.Errorf("results = %+v", results)
	}
}

func TestVectorOnlyWhenNoLexicalMatch(t *testing.T) {
	tc := newTestContext(t)
	// The fake embedder maps shared tokens to shared dimensions, so a
	// query sharing one body token is close in vector space. The lexical
	// query ANDs every token and "helm" appears in no body, so only the
	// vector phase can find the target.
	target := save(t, tc, capture.Input{Kind: "insight", Body: "kubernetes ingress routing rules"})
	save(t, tc, capture.Input{Kind: "insight", Body: "completely different gardening topic"})

	results, _, err := Search(tc, Query{Text: "kubernetes helm"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Entry.ID != target.ID {
		t.Errorf("top = %s", results[0].Entry.ID)
	}
}

func TestListFilterOnly(t *testing.T) {
	tc := newTestContext(t)
	a := save(t, tc, capture.Input{Kind: "insight", Body: "first"})
	b := save(t, tc, capture.Input{Kind: "insight", Body: "second"})
	backdate(t, tc, a.ID, time.Now().Add(-time.Hour))

	results, err := List(tc, Query{Kind: "insight"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Entry.ID != b.ID {
		t.Errorf("list not newest-first: %v", results[0].Entry.ID)
	}
	if results[0].Score != 0 {
		t.Errorf("list results carry scores: %f", results[0].Score)
	}
}

func TestCrossTenantInvisibility(t *testing.T) {
	tc := newTestContext(t)
	save(t, tc, capture.Input{Kind: "insight", Body: "tenant a secret phrase"})

	other := *tc
	other.UserID = "user-b"
	results, _, err := Search(&other, Query{Text: "secret phrase"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("cross-tenant leak: %d results", len(results))
	}
}

func TestExpiredNeverReturned(t *testing.T) {
	tc := newTestContext(t)
	past := time.Now().UTC().Add(-time.Second)
	_, err := capture.Capture(tc, capture.Input{Kind: "log", Body: "ephemeral marker", ExpiresAt: &past})
	if err != nil {
		t.Fatal(err)
	}
	results, _, err := Search(tc, Query{Text: "ephemeral marker"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expired entry returned: %+v", results)
	}
	listed, err := List(tc, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 0 {
		t.Errorf("expired entry listed: %d", len(listed))
	}
}
