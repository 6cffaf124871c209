package entry

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestCategoryFor(t *testing.T) {
	cases := []struct {
		kind string
		want Category
	}{
		{"insight", Knowledge},
		{"decision", Knowledge},
		{"contact", Entity},
		{"person", Entity},
		{"event", Event},
		{"meeting", Event},
		{"log", Event},
		{"totally-custom", Knowledge}, // unknown kinds default to knowledge
	}
	for _, c := range cases {
		if got := CategoryFor(c.kind); got != c.want {
			t.Errorf("CategoryFor(%q) = %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestNormalizeKind(t *testing.T) {
	cases := map[string]string{
		"insights":  "insight",
		"insight":   "insight",
		"decisions": "decision",
		"people":    "person",
		"contacts":  "contact",
		"meetings":  "meeting",
		"  Insight ": "insight",
		"widget":    "widget", // unknown passes through
	}
	for in, want := range cases {
		if got := NormalizeKind(in); got != want {
			t.Errorf("NormalizeKind(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKindPath(t *testing.T) {
	cases := map[string]string{
		"insight": "knowledge/insights",
		"contact": "entity/contacts",
		"person":  "entity/people",
		"meeting": "event/meetings",
	}
	for kind, want := range cases {
		if got := KindPath(kind); got != want {
			t.Errorf("KindPath(%q) = %q, want %q", kind, got, want)
		}
	}
}

func TestKindFromPath(t *testing.T) {
	cases := map[string]string{
		"knowledge/insights/use-params-01hq.md": "insight",
		"entity/people/alice.md":                "person",
		"event/meetings/standup-01hq.md":        "meeting",
		"knowledge/widgets/custom.md":           "widget",
		"orphan.md":                             "",
	}
	for path, want := range cases {
		if got := KindFromPath(path); got != want {
			t.Errorf("KindFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestValidKind(t *testing.T) {
	valid := []string{"insight", "a", "my-kind", "my_kind2"}
	invalid := []string{"", "Insight", "2fast", "-lead", "has space", strings.Repeat("a", 65)}
	for _, k := range valid {
		if !ValidKind(k) {
			t.Errorf("ValidKind(%q) = false, want true", k)
		}
	}
	for _, k := range invalid {
		if ValidKind(k) {
			t.Errorf("ValidKind(%q) = true, want false", k)
		}
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Hello, World!":        "hello-world",
		"  multiple   spaces ": "multiple-spaces",
		"already-sluggy":       "already-sluggy",
		"UPPER_case.mixed":     "upper-case-mixed",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}

	long := Slugify(strings.Repeat("verylongword ", 20))
	if len(long) > 60 {
		t.Errorf("slug length %d exceeds 60", len(long))
	}
	if strings.HasSuffix(long, "-") {
		t.Errorf("slug has trailing dash: %q", long)
	}
	// Truncation must not leave a partial word.
	for _, w := range strings.Split(long, "-") {
		if w != "verylongword" {
			t.Errorf("truncation left partial word %q in %q", w, long)
		}
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("ULID length: %d, %d", len(a), len(b))
	}
	if a == b {
		t.Error("two IDs collided")
	}
	// Lexicographic time ordering.
	if b < a {
		t.Errorf("later ID %q sorts before earlier %q", b, a)
	}
}

func TestEntryPathStaysInsideRoot(t *testing.T) {
	root := t.TempDir()

	p, err := EntryPath(root, "insight", "", "note.md")
	if err != nil {
		t.Fatalf("EntryPath: %v", err)
	}
	if !strings.HasPrefix(p, root) {
		t.Errorf("path %q outside root %q", p, root)
	}

	for _, sub := range []string{"../..", "../../etc", "a/../../.."} {
		if _, err := EntryPath(root, "insight", sub, "x.md"); err == nil {
			t.Errorf("EntryPath with subfolder %q did not fail", sub)
		}
	}
	if _, err := EntryPath(root, "insight", "", "../escape.md"); err == nil {
		t.Error("EntryPath with traversal filename did not fail")
	}
}

func TestFilenamePolicy(t *testing.T) {
	e := &Entry{ID: "01HQXW5VJ4N9P8R2T6Y3M7K1ZC", Kind: "contact", IdentityKey: "alice@example.com"}
	if got := Filename(e); got != "alice-example-com.md" {
		t.Errorf("entity filename = %q", got)
	}

	e2 := &Entry{ID: "01HQXW5VJ4N9P8R2T6Y3M7K1ZC", Kind: "insight", Title: "Use Parameterized Queries"}
	got := Filename(e2)
	if !strings.HasPrefix(got, "use-parameterized-queries-") || !strings.HasSuffix(got, ".md") {
		t.Errorf("insight filename = %q", got)
	}
	if !strings.Contains(got, strings.ToLower(e2.ID[len(e2.ID)-8:])) {
		t.Errorf("filename %q missing id suffix", got)
	}

	// No title: slug comes from the body prefix.
	e3 := &Entry{ID: "01HQXW5VJ4N9P8R2T6Y3M7K1ZC", Kind: "note", Body: "remember to rotate the api keys quarterly"}
	if got := Filename(e3); !strings.HasPrefix(got, "remember-to-rotate-the-api-keys") {
		t.Errorf("untitled filename = %q", got)
	}
}

func roundTrip(t *testing.T, e *Entry) *Entry {
	t.Helper()
	data, err := Serialize(e)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	parsed, err := Parse(data, e.Kind)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return parsed
}

func TestFrontmatterRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	expires := created.Add(48 * time.Hour)

	entries := []*Entry{
		{
			ID: NewID(), Kind: "insight", Category: Knowledge,
			Title: "Parameterized queries", Body: "Use parameterized queries to prevent injection.",
			Tags: []string{"security", "sql"}, Source: "code-review",
			CreatedAt: created,
		},
		{
			ID: NewID(), Kind: "decision", Category: Knowledge,
			Title: "Use JWT for auth", Body: "Sessions require sticky routing; JWTs do not.",
			CreatedAt: created,
		},
		{
			ID: NewID(), Kind: "pattern", Category: Knowledge,
			Title: "Retry with backoff", Body: "for i := 0; i < n; i++ {\n\ttime.Sleep(d)\n}",
			Meta:      map[string]any{"lang": "go"},
			CreatedAt: created,
		},
		{
			ID: NewID(), Kind: "contact", Category: Entity,
			Body: "Role: CTO", IdentityKey: "alice@example.com",
			CreatedAt: created,
		},
		{
			ID: NewID(), Kind: "log", Category: Event,
			Body: "deploy finished", ExpiresAt: &expires,
			CreatedAt: created,
		},
		{
			ID: NewID(), Kind: "note", Category: Knowledge,
			Title: "Weird: chars & \"quotes\"", Body: "body with\n\nblank lines",
			Meta:      map[string]any{"priority": "high", "count": 3, "nested": map[string]any{"a": "b"}},
			Source:    "https://example.com/a?b=c",
			CreatedAt: created,
		},
	}

	for _, e := range entries {
		got := roundTrip(t, e)
		if got.ID != e.ID {
			t.Errorf("%s: id %q != %q", e.Kind, got.ID, e.ID)
		}
		if got.Title != e.Title {
			t.Errorf("%s: title %q != %q", e.Kind, got.Title, e.Title)
		}
		if got.Body != e.Body {
			t.Errorf("%s: body %q != %q", e.Kind, got.Body, e.Body)
		}
		if got.Source != e.Source {
			t.Errorf("%s: source %q != %q", e.Kind, got.Source, e.Source)
		}
		if got.IdentityKey != e.IdentityKey {
			t.Errorf("%s: identity_key %q != %q", e.Kind, got.IdentityKey, e.IdentityKey)
		}
		if !got.CreatedAt.Equal(e.CreatedAt) {
			t.Errorf("%s: created %v != %v", e.Kind, got.CreatedAt, e.CreatedAt)
		}
		if (got.ExpiresAt == nil) != (e.ExpiresAt == nil) {
			t.Errorf("%s: expires_at presence mismatch", e.Kind)
		} else if e.ExpiresAt != nil && !got.ExpiresAt.Equal(*e.ExpiresAt) {
			t.Errorf("%s: expires_at %v != %v", e.Kind, got.ExpiresAt, e.ExpiresAt)
		}
		if !reflect.DeepEqual(got.Tags, e.Tags) {
			t.Errorf("%s: tags %v != %v", e.Kind, got.Tags, e.Tags)
		}
		if !metaEqual(got.Meta, e.Meta) {
			t.Errorf("%s: meta %v != %v", e.Kind, got.Meta, e.Meta)
		}
	}
}

// metaEqual compares meta maps modulo JSON number widening.
func metaEqual(a, b map[string]any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

func TestParseBareBody(t *testing.T) {
	e, err := Parse([]byte("just some text, no frontmatter"), "insight")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Body != "just some text, no frontmatter" {
		t.Errorf("body = %q", e.Body)
	}
	if e.ID != "" {
		t.Errorf("unexpected id %q", e.ID)
	}
}

func TestParseNormalizesLineEndings(t *testing.T) {
	content := "---\r\nid: 01HQXW5VJ4N9P8R2T6Y3M7K1ZC\r\ncreated: 2026-03-14T09:26:53Z\r\n---\r\nline one\r\nline two\r\n"
	e, err := Parse([]byte(content), "insight")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if strings.Contains(e.Body, "\r") {
		t.Errorf("body retains carriage returns: %q", e.Body)
	}
	if e.Body != "line one\nline two" {
		t.Errorf("body = %q", e.Body)
	}
}

func TestSealedRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	e := &Entry{
		ID: NewID(), Kind: "insight", Category: Knowledge,
		Tags: []string{"secret"}, CreatedAt: created,
		Sealed: &Envelope{
			Title: []byte("tct"), Body: []byte("bct"), Meta: []byte("mct"), IV: []byte("0123456789ab"),
		},
	}
	got := roundTrip(t, e)
	if got.Sealed == nil {
		t.Fatal("parsed entry lost its envelope")
	}
	if string(got.Sealed.Body) != "bct" || string(got.Sealed.Title) != "tct" ||
		string(got.Sealed.Meta) != "mct" || string(got.Sealed.IV) != "0123456789ab" {
		t.Errorf("envelope mismatch: %+v", got.Sealed)
	}
	if got.Body != "" || got.Title != "" {
		t.Error("sealed entry carries plaintext after parse")
	}
}

func TestExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)
	if !(&Entry{ExpiresAt: &past}).Expired(now) {
		t.Error("past expiry not detected")
	}
	if (&Entry{ExpiresAt: &future}).Expired(now) {
		t.Error("future expiry reported expired")
	}
	if (&Entry{}).Expired(now) {
		t.Error("nil expiry reported expired")
	}
}
