// Package entry defines the vault entry model: kinds, categories, IDs,
// on-disk paths, and the markdown frontmatter format.
package entry

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Category determines write and retrieval semantics for a kind.
type Category string

const (
	Knowledge Category = "knowledge"
	Entity    Category = "entity"
	Event     Category = "event"
)

// Field size limits enforced on capture input.
const (
	MaxTitleLen       = 500
	MaxBodyLen        = 100 * 1024
	MaxMetaLen        = 10 * 1024
	MaxTags           = 20
	MaxTagLen         = 100
	MaxSourceLen      = 200
	MaxIdentityKeyLen = 200
)

// Envelope holds the ciphertext form of an entry's content. When an entry
// carries a non-nil Envelope its plaintext Title, Body, and Meta are empty;
// the two forms are never persisted together.
type Envelope struct {
	Title []byte
	Body  []byte
	Meta  []byte
	IV    []byte
}

// Entry is the atomic unit of the vault: one markdown file, one primary
// store row, and derived index entries.
type Entry struct {
	ID          string
	Kind        string
	Category    Category
	Title       string
	Body        string
	Meta        map[string]any
	Tags        []string
	Source      string
	IdentityKey string
	ExpiresAt   *time.Time
	FilePath    string
	CreatedAt   time.Time
	UserID      string // empty means single-tenant/local mode

	Sealed *Envelope // non-nil when content is encrypted
}

// entropy is monotonic so that IDs minted within the same millisecond still
// sort in creation order.
var entropy = &ulid.LockedMonotonicReader{MonotonicReader: ulid.Monotonic(rand.Reader, 0)}

// NewID returns a fresh 26-character Crockford base32 ULID. IDs are
// lexicographically ordered by creation time.
func NewID() string {
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// Expired reports whether the entry's TTL has passed at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// AgeDays returns the entry age in fractional days at the given instant.
func (e *Entry) AgeDays(now time.Time) float64 {
	return now.Sub(e.CreatedAt).Hours() / 24
}

// EmbedText returns the text embedded for the vector index.
func (e *Entry) EmbedText() string {
	if e.Title == "" {
		return e.Body
	}
	return e.Title + "\n" + e.Body
}
