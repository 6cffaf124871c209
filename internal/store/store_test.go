package store

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/contextvault/contextvault/internal/entry"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRow(t *testing.T, id, kind, body, userID string) *Row {
	t.Helper()
	e := &entry.Entry{
		ID:        id,
		Kind:      kind,
		Category:  entry.CategoryFor(kind),
		Body:      body,
		FilePath:  "/vault/" + string(entry.CategoryFor(kind)) + "/" + kind + "s/" + id + ".md",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		UserID:    userID,
	}
	r, err := FromEntry(e, "hash-"+id)
	if err != nil {
		t.Fatalf("FromEntry: %v", err)
	}
	return r
}

func testVec(seed int) []float32 {
	vec := make([]float32, 384)
	vec[seed%384] = 1
	return vec
}

func TestSchemaVersionOnFreshDB(t *testing.T) {
	db := openTestDB(t)
	if v := db.SchemaVersion(); v != 6 {
		t.Errorf("schema version = %d, want 6", v)
	}
	if err := db.IntegrityCheck(); err != nil {
		t.Errorf("integrity: %v", err)
	}
}

func TestInsertGetDelete(t *testing.T) {
	db := openTestDB(t)
	id := entry.NewID()
	row := testRow(t, id, "insight", "parameterized queries prevent injection", "")

	if err := db.InsertEntry(row, testVec(1)); err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}

	got, err := db.GetByID("", id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.Body != row.Body {
		t.Fatalf("GetByID = %+v", got)
	}

	found, err := db.DeleteEntry("", id)
	if err != nil || !found {
		t.Fatalf("DeleteEntry = %v, %v", found, err)
	}
	got, err = db.GetByID("", id)
	if err != nil || got != nil {
		t.Errorf("entry still present after delete: %+v, %v", got, err)
	}

	// Second delete of the same id reports not found.
	found, err = db.DeleteEntry("", id)
	if err != nil || found {
		t.Errorf("second delete = %v, %v", found, err)
	}
}

func TestUserScoping(t *testing.T) {
	db := openTestDB(t)
	idA := entry.NewID()
	idB := entry.NewID()

	if err := db.InsertEntry(testRow(t, idA, "insight", "alpha body", "user-a"), nil); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertEntry(testRow(t, idB, "insight", "beta body", ""), nil); err != nil {
		t.Fatal(err)
	}

	// Cross-tenant read returns nothing, not an error.
	if got, err := db.GetByID("user-b", idA); err != nil || got != nil {
		t.Errorf("cross-tenant GetByID = %+v, %v", got, err)
	}
	if got, err := db.GetByID("", idA); err != nil || got != nil {
		t.Errorf("local tenant sees user-a row: %+v, %v", got, err)
	}
	if got, err := db.GetByID("user-a", idA); err != nil || got == nil {
		t.Errorf("owner misses own row: %+v, %v", got, err)
	}
	// NULL user scope only sees the local row.
	if got, err := db.GetByID("", idB); err != nil || got == nil {
		t.Errorf("local row invisible: %+v, %v", got, err)
	}

	// Cross-tenant delete is a no-op.
	if found, err := db.DeleteEntry("user-b", idA); err != nil || found {
		t.Errorf("cross-tenant delete = %v, %v", found, err)
	}
}

func TestExpiredRowsInvisible(t *testing.T) {
	db := openTestDB(t)
	id := entry.NewID()
	row := testRow(t, id, "log", "expired body", "")
	row.ExpiresAt = time.Now().UTC().Add(-time.Second).Format(time.RFC3339)

	if err := db.InsertEntry(row, nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetByID("", id); got != nil {
		t.Error("expired row returned by GetByID")
	}
	rows, err := db.List("", ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("expired row in List: %d rows", len(rows))
	}
	n, err := db.ExpiredCount("")
	if err != nil || n != 1 {
		t.Errorf("ExpiredCount = %d, %v", n, err)
	}
	// GetByIDAny still sees it (delete path).
	if got, _ := db.GetByIDAny("", id); got == nil {
		t.Error("GetByIDAny misses expired row")
	}
}

func TestIdentityLookupAndUniqueness(t *testing.T) {
	db := openTestDB(t)
	id := entry.NewID()
	row := testRow(t, id, "contact", "Role: PM", "")
	row.IdentityKey = "alice@example.com"

	if err := db.InsertEntry(row, nil); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetByIdentity("", "contact", "alice@example.com")
	if err != nil || got == nil || got.ID != id {
		t.Fatalf("GetByIdentity = %+v, %v", got, err)
	}

	// A second row with the same identity triple violates the unique
	// index.
	dup := testRow(t, entry.NewID(), "contact", "Role: CTO", "")
	dup.IdentityKey = "alice@example.com"
	if err := db.InsertEntry(dup, nil); err == nil {
		t.Error("duplicate identity insert succeeded")
	}

	// Same identity under another tenant is fine.
	other := testRow(t, entry.NewID(), "contact", "Role: CTO", "user-b")
	other.IdentityKey = "alice@example.com"
	if err := db.InsertEntry(other, nil); err != nil {
		t.Errorf("other-tenant identity insert: %v", err)
	}
}

func TestListFilters(t *testing.T) {
	db := openTestDB(t)
	old := time.Now().UTC().Add(-40 * 24 * time.Hour).Truncate(time.Second)

	r1 := testRow(t, entry.NewID(), "insight", "tagged body", "")
	r1.Tags = `["security","sql"]`
	r2 := testRow(t, entry.NewID(), "meeting", "standup notes", "")
	r3 := testRow(t, entry.NewID(), "insight", "old body", "")
	r3.CreatedAt = old.Format(time.RFC3339)

	for _, r := range []*Row{r1, r2, r3} {
		if err := db.InsertEntry(r, nil); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := db.List("", ListFilter{Kind: "insight"})
	if err != nil || len(rows) != 2 {
		t.Fatalf("kind filter: %d rows, %v", len(rows), err)
	}
	rows, _ = db.List("", ListFilter{Category: "event"})
	if len(rows) != 1 || rows[0].Kind != "meeting" {
		t.Errorf("category filter: %+v", rows)
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	rows, _ = db.List("", ListFilter{Since: &since})
	if len(rows) != 2 {
		t.Errorf("since filter: %d rows", len(rows))
	}
	rows, _ = db.List("", ListFilter{Tags: []string{"security"}})
	if len(rows) != 1 || rows[0].ID != r1.ID {
		t.Errorf("tag filter: %+v", rows)
	}
	rows, _ = db.List("", ListFilter{Limit: 1})
	if len(rows) != 1 {
		t.Errorf("limit: %d rows", len(rows))
	}
	// Newest first.
	rows, _ = db.List("", ListFilter{})
	if len(rows) != 3 || rows[len(rows)-1].ID != r3.ID {
		t.Errorf("ordering: last = %s, want %s", rows[len(rows)-1].ID, r3.ID)
	}
}

func TestLexicalSearch(t *testing.T) {
	db := openTestDB(t)
	if !db.FTSAvailable() {
		t.Skip("FTS5 unavailable in this SQLite build")
	}

	target := testRow(t, entry.NewID(), "insight", "Use parameterized queries to prevent sql injection.", "")
	noise := testRow(t, entry.NewID(), "insight", "Completely unrelated content about gardening.", "")
	for _, r := range []*Row{target, noise} {
		if err := db.InsertEntry(r, nil); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := db.LexicalSearch("", "sql injection", 15)
	if err != nil {
		t.Fatalf("LexicalSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].Row.ID != target.ID {
		t.Fatalf("hits = %+v", hits)
	}

	// Triggers keep the shadow in sync on update.
	target.Body = "Now about gardening instead."
	if err := db.UpdateEntry(target, nil); err != nil {
		t.Fatal(err)
	}
	hits, _ = db.LexicalSearch("", "sql injection", 15)
	if len(hits) != 0 {
		t.Errorf("stale FTS hit after update: %+v", hits)
	}
	hits, _ = db.LexicalSearch("", "gardening", 15)
	if len(hits) != 2 {
		t.Errorf("expected both gardening rows, got %d", len(hits))
	}
}

func TestBuildMatchQuery(t *testing.T) {
	cases := map[string]string{
		"sql injection":       `"sql" AND "injection"`,
		`weird "quoted" term`: `"weird" AND "quoted" AND "term"`,
		"a OR b":              `"a" AND "OR" AND "b"`,
		"star*meta:chars":     `"starmetachars"`,
		"   ":                 "",
	}
	for in, want := range cases {
		if got := BuildMatchQuery(in); got != want {
			t.Errorf("BuildMatchQuery(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVectorSearch(t *testing.T) {
	db := openTestDB(t)

	r1 := testRow(t, entry.NewID(), "insight", "vector one", "")
	r2 := testRow(t, entry.NewID(), "insight", "vector two", "")
	if err := db.InsertEntry(r1, testVec(1)); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertEntry(r2, testVec(2)); err != nil {
		t.Fatal(err)
	}

	hits, err := db.VectorSearch("", testVec(1), 15)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d", len(hits))
	}
	if hits[0].Row.ID != r1.ID {
		t.Errorf("nearest = %s, want %s", hits[0].Row.ID, r1.ID)
	}
	if hits[0].Distance > 0.001 {
		t.Errorf("identical vector distance = %f", hits[0].Distance)
	}
	if hits[1].Distance < 0.9 {
		t.Errorf("orthogonal vector distance = %f", hits[1].Distance)
	}

	// Tenant scope: another user sees nothing.
	hits, _ = db.VectorSearch("user-b", testVec(1), 15)
	if len(hits) != 0 {
		t.Errorf("cross-tenant vector hits: %d", len(hits))
	}
}

func TestDeleteByPath(t *testing.T) {
	db := openTestDB(t)
	row := testRow(t, entry.NewID(), "insight", "doomed", "")
	if err := db.InsertEntry(row, testVec(3)); err != nil {
		t.Fatal(err)
	}
	ok, err := db.DeleteByPath(row.FilePath)
	if err != nil || !ok {
		t.Fatalf("DeleteByPath = %v, %v", ok, err)
	}
	if got, _ := db.GetByIDAny("", row.ID); got != nil {
		t.Error("row survived DeleteByPath")
	}
	var n int
	if err := db.Conn().QueryRow("SELECT COUNT(*) FROM vault_vec").Scan(&n); err != nil || n != 0 {
		t.Errorf("vectors after DeleteByPath: %d, %v", n, err)
	}
}

func TestManifestAndCounts(t *testing.T) {
	db := openTestDB(t)
	r1 := testRow(t, entry.NewID(), "insight", "body one", "")
	r1.Title = "First"
	r2 := testRow(t, entry.NewID(), "meeting", "body two", "")
	expired := testRow(t, entry.NewID(), "log", "gone", "")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)

	for _, r := range []*Row{r1, r2, expired} {
		if err := db.InsertEntry(r, nil); err != nil {
			t.Fatal(err)
		}
	}

	m, err := db.Manifest("")
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if len(m) != 2 {
		t.Errorf("manifest entries = %d, want 2 (expired excluded)", len(m))
	}
	for _, e := range m {
		if e.ID == expired.ID {
			t.Error("expired row in manifest")
		}
	}

	if n, _ := db.CountEntries(""); n != 2 {
		t.Errorf("CountEntries = %d", n)
	}
	if b, _ := db.StorageBytes(""); b <= 0 {
		t.Errorf("StorageBytes = %d", b)
	}
	kc, _ := db.KindCounts("")
	if len(kc) != 2 {
		t.Errorf("KindCounts = %+v", kc)
	}
	cc, _ := db.CategoryCounts("")
	if len(cc) != 2 {
		t.Errorf("CategoryCounts = %+v", cc)
	}
}

func TestRoundTripThroughRow(t *testing.T) {
	db := openTestDB(t)
	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	e := &entry.Entry{
		ID:        entry.NewID(),
		Kind:      "decision",
		Category:  entry.Knowledge,
		Title:     "Use JWT",
		Body:      "Stateless auth scales horizontally.",
		Meta:      map[string]any{"status": "accepted"},
		Tags:      []string{"auth"},
		Source:    "design-review",
		FilePath:  "/vault/knowledge/decisions/use-jwt.md",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		ExpiresAt: &expires,
	}
	row, err := FromEntry(e, "h")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.InsertEntry(row, nil); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetByID("", e.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID: %v", err)
	}
	back, err := got.ToEntry()
	if err != nil {
		t.Fatal(err)
	}
	if back.Title != e.Title || back.Body != e.Body || back.Source != e.Source ||
		back.Kind != e.Kind || back.Category != e.Category {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if !back.CreatedAt.Equal(e.CreatedAt) || !back.ExpiresAt.Equal(*e.ExpiresAt) {
		t.Errorf("time round trip mismatch: %v %v", back.CreatedAt, back.ExpiresAt)
	}
	if len(back.Tags) != 1 || back.Tags[0] != "auth" {
		t.Errorf("tags = %v", back.Tags)
	}
	if back.Meta["status"] != "accepted" {
		t.Errorf("meta = %v", back.Meta)
	}
}

func TestSealedRowExclusivity(t *testing.T) {
	db := openTestDB(t)
	e := &entry.Entry{
		ID:        entry.NewID(),
		Kind:      "insight",
		Category:  entry.Knowledge,
		FilePath:  "/vault/knowledge/insights/sealed.md",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Sealed: &entry.Envelope{
			Title: []byte("t"), Body: []byte("b"), Meta: []byte("m"),
			IV: []byte("0123456789ab"),
		},
	}
	row, err := FromEntry(e, "h")
	if err != nil {
		t.Fatal(err)
	}
	if row.Title != "" || row.Body != "" || row.Meta != "" {
		t.Errorf("sealed row carries plaintext: %+v", row)
	}
	if err := db.InsertEntry(row, nil); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetByID("", e.ID)
	back, err := got.ToEntry()
	if err != nil {
		t.Fatal(err)
	}
	if back.Sealed == nil || string(back.Sealed.Body) != "b" {
		t.Errorf("envelope lost: %+v", back.Sealed)
	}
}

func TestSchemaRebuildOnOldVersion(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/vault.db"

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.SetMeta("schema_version", "2"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	if v := db2.SchemaVersion(); v != 6 {
		t.Errorf("rebuilt schema version = %d", v)
	}

	// The old database was backed up, not destroyed.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	backups := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "vault.db.bak-") {
			backups++
		}
	}
	if backups == 0 {
		t.Error("no backup of the old database")
	}
}
