package entry

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/contextvault/contextvault/internal/errs"
)

// KindPattern is the shape every kind identifier must match.
var KindPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// kindCategories is the closed mapping from well-known kinds to categories.
// Unknown kinds are accepted and default to knowledge.
var kindCategories = map[string]Category{
	"insight":      Knowledge,
	"decision":     Knowledge,
	"pattern":      Knowledge,
	"snippet":      Knowledge,
	"reference":    Knowledge,
	"note":         Knowledge,
	"howto":        Knowledge,
	"article":      Knowledge,
	"feedback":     Knowledge,
	"contact":      Entity,
	"person":       Entity,
	"project":      Entity,
	"tool":         Entity,
	"organization": Entity,
	"place":        Entity,
	"event":        Event,
	"meeting":      Event,
	"session":      Event,
	"log":          Event,
	"milestone":    Event,
}

// kindPlurals maps known kinds to the directory name used on disk.
var kindPlurals = map[string]string{
	"person": "people",
	"place":  "places",
}

// ValidKind reports whether the identifier is an acceptable kind.
func ValidKind(kind string) bool {
	return kind != "" && len(kind) <= 64 && KindPattern.MatchString(kind)
}

// CategoryFor returns the category for a kind. Unknown kinds are knowledge.
func CategoryFor(kind string) Category {
	if c, ok := kindCategories[kind]; ok {
		return c
	}
	return Knowledge
}

// KindPlural returns the on-disk directory form of a kind (e.g. "insights").
func KindPlural(kind string) string {
	if p, ok := kindPlurals[kind]; ok {
		return p
	}
	return pluralize(kind)
}

func pluralize(word string) string {
	switch {
	case strings.HasSuffix(word, "s"),
		strings.HasSuffix(word, "x"),
		strings.HasSuffix(word, "z"),
		strings.HasSuffix(word, "ch"),
		strings.HasSuffix(word, "sh"):
		return word + "es"
	case len(word) > 1 && strings.HasSuffix(word, "y") && !isVowel(word[len(word)-2]):
		return word[:len(word)-1] + "ies"
	default:
		return word + "s"
	}
}

func isVowel(b byte) bool {
	return b == 'a' || b == 'e' || b == 'i' || b == 'o' || b == 'u'
}

// singularFromPlural is the inverse of KindPlural for known kinds,
// built once at init.
var singularFromPlural = func() map[string]string {
	m := make(map[string]string, len(kindCategories))
	for k := range kindCategories {
		m[KindPlural(k)] = k
	}
	return m
}()

// NormalizeKind maps plural or singular variants to the canonical singular
// form (e.g. "insights" -> "insight"). Unknown kinds pass through unchanged
// so that user-defined kinds are never mangled.
func NormalizeKind(input string) string {
	kind := strings.ToLower(strings.TrimSpace(input))
	if _, ok := kindCategories[kind]; ok {
		return kind
	}
	if singular, ok := singularFromPlural[kind]; ok {
		return singular
	}
	return kind
}

// KindPath returns the vault-relative directory for a kind,
// "<category>/<plural>".
func KindPath(kind string) string {
	return string(CategoryFor(kind)) + "/" + KindPlural(kind)
}

// EntryPath joins the vault root with the kind directory, an optional
// subfolder, and a filename, and rejects any result that escapes the kind
// directory (and with it the vault root).
func EntryPath(vaultRoot, kind, subfolder, filename string) (string, error) {
	kindDir := filepath.Join(vaultRoot, string(CategoryFor(kind)), KindPlural(kind))
	parts := []string{kindDir}
	if subfolder != "" {
		parts = append(parts, filepath.FromSlash(subfolder))
	}
	parts = append(parts, filename)

	abs, err := filepath.Abs(filepath.Join(parts...))
	if err != nil {
		return "", errs.Wrap(errs.PathTraversal, err, "resolve entry path")
	}
	absDir, err := filepath.Abs(kindDir)
	if err != nil {
		return "", errs.Wrap(errs.PathTraversal, err, "resolve kind directory")
	}
	if !strings.HasPrefix(abs, absDir+string(filepath.Separator)) {
		return "", errs.New(errs.PathTraversal, "path escapes kind directory: %s", filename)
	}
	return abs, nil
}

// Slugify converts text to a deterministic filename slug: lowercase,
// non-alphanumerics collapsed to single dashes, truncated to 60 characters
// with any trailing incomplete word removed.
func Slugify(text string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 60 {
		cut := slug[:60]
		// Drop the trailing partial word unless the cut landed on a boundary.
		if slug[60] != '-' {
			if i := strings.LastIndexByte(cut, '-'); i > 0 {
				cut = cut[:i]
			}
		}
		slug = strings.Trim(cut, "-")
	}
	return slug
}

// Filename computes the deterministic markdown filename for an entry.
// Entity kinds with an identity key use the slugged key so that upserts
// land on the same file; everything else appends an id suffix for
// uniqueness.
func Filename(e *Entry) string {
	if CategoryFor(e.Kind) == Entity && e.IdentityKey != "" {
		return Slugify(e.IdentityKey) + ".md"
	}
	base := e.Title
	if base == "" {
		base = e.Body
		if len(base) > 40 {
			base = base[:40]
		}
	}
	slug := Slugify(base)
	suffix := e.ID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	if slug == "" {
		return strings.ToLower(suffix) + ".md"
	}
	return slug + "-" + strings.ToLower(suffix) + ".md"
}

// CategoryDirs lists the three top-level vault directories.
func CategoryDirs() []string {
	return []string{string(Knowledge), string(Entity), string(Event)}
}

// KindFromPath derives the kind from a vault-relative file path of the form
// "<category>/<plural>/...". Returns "" when the path has no kind directory.
func KindFromPath(relPath string) string {
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	if len(parts) < 3 {
		return ""
	}
	dir := strings.ToLower(parts[1])
	if singular, ok := singularFromPlural[dir]; ok {
		return singular
	}
	return singularize(dir)
}

// singularize inverts pluralize for kinds not in the known table.
func singularize(word string) string {
	switch {
	case strings.HasSuffix(word, "ies") && len(word) > 3:
		return word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "es") && len(word) > 2 && pluralize(word[:len(word)-2]) == word:
		return word[:len(word)-2]
	case strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss") && len(word) > 1:
		return word[:len(word)-1]
	default:
		return word
	}
}
