// Package capture produces canonical entries on disk and in the primary
// store, exactly once, under safe paths.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/contextvault/contextvault/internal/config"
	"github.com/contextvault/contextvault/internal/entry"
	"github.com/contextvault/contextvault/internal/errs"
	"github.com/contextvault/contextvault/internal/store"
	"github.com/contextvault/contextvault/internal/tenant"
)

// Input is the capture request. Pointer fields distinguish "absent" from
// "set to empty" for update merges.
type Input struct {
	ID          string // update mode when set
	Kind        string
	Title       *string
	Body        string
	Meta        map[string]any
	Tags        []string
	Source      *string
	Folder      string
	IdentityKey string
	ExpiresAt   *time.Time
}

func (in *Input) title() string {
	if in.Title == nil {
		return ""
	}
	return *in.Title
}

func (in *Input) source() string {
	if in.Source == nil {
		return ""
	}
	return *in.Source
}

// Capture creates an entry (or upserts an entity) from the input: one file
// written in a single syscall, one row inserted in one transaction. With
// Input.ID set it updates instead.
func Capture(tc *tenant.Context, in Input) (*entry.Entry, error) {
	if in.ID != "" {
		return Update(tc, in)
	}
	if err := requireVault(tc); err != nil {
		return nil, err
	}
	if !entry.ValidKind(in.Kind) {
		return nil, errs.New(errs.InvalidKind, "invalid kind %q", in.Kind)
	}
	if err := validate(&in); err != nil {
		return nil, err
	}

	category := entry.CategoryFor(in.Kind)
	if category == entry.Entity && in.IdentityKey == "" {
		return nil, errs.New(errs.MissingIdentityKey,
			"kind %q is an entity and requires identity_key", in.Kind)
	}

	// Entity upsert: a row already stored for (user, kind, identity_key)
	// is replaced in place. Limits gate new inserts only, so the lookup
	// comes first.
	if category == entry.Entity {
		existing, err := tc.Store.GetByIdentity(tc.UserID, in.Kind, in.IdentityKey)
		if err != nil {
			return nil, errs.Wrap(errs.Unknown, err, "identity lookup")
		}
		if existing != nil {
			in.ID = existing.ID
			return upsertExisting(tc, in, existing)
		}
	}

	if err := tc.CheckWrite(contentBytes(&in)); err != nil {
		return nil, err
	}

	e := &entry.Entry{
		ID:          entry.NewID(),
		Kind:        in.Kind,
		Category:    category,
		Title:       in.title(),
		Body:        in.Body,
		Meta:        in.Meta,
		Tags:        in.Tags,
		Source:      in.source(),
		IdentityKey: in.IdentityKey,
		ExpiresAt:   in.ExpiresAt,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		UserID:      tc.UserID,
	}

	path, err := entry.EntryPath(tc.VaultRoot, e.Kind, in.Folder, entry.Filename(e))
	if err != nil {
		return nil, err
	}
	e.FilePath = path

	if err := seal(tc, e); err != nil {
		return nil, err
	}
	hash, err := writeFile(e)
	if err != nil {
		return nil, err
	}

	row, err := store.FromEntry(e, hash)
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, err, "encode row")
	}
	if err := tc.Store.InsertEntry(row, embed(tc, e)); err != nil {
		os.Remove(e.FilePath)
		log.Error().Err(err).Str("entry_id", e.ID).Str("op", "capture").Msg("insert failed")
		return nil, errs.Wrap(errs.Unknown, err, "insert entry")
	}
	return e, nil
}

// Update merges provided fields into an existing entry and rewrites file,
// row, and vector. id, kind, and identity_key are immutable.
func Update(tc *tenant.Context, in Input) (*entry.Entry, error) {
	if err := requireVault(tc); err != nil {
		return nil, err
	}
	row, err := tc.Store.GetByIDAny(tc.UserID, in.ID)
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, err, "lookup entry")
	}
	if row == nil {
		return nil, errs.New(errs.NotFound, "entry %s not found", in.ID)
	}
	if in.Kind != "" && in.Kind != row.Kind {
		return nil, errs.New(errs.InvalidUpdate, "kind is immutable")
	}
	if in.IdentityKey != "" && in.IdentityKey != row.IdentityKey {
		return nil, errs.New(errs.InvalidUpdate, "identity_key is immutable")
	}

	e, err := row.ToEntry()
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, err, "decode row")
	}
	if err := unseal(tc, e); err != nil {
		return nil, err
	}

	mergeInput(e, &in)
	if err := validateEntry(e); err != nil {
		return nil, err
	}

	if err := seal(tc, e); err != nil {
		return nil, err
	}
	hash, err := writeFile(e)
	if err != nil {
		return nil, err
	}

	updated, err := store.FromEntry(e, hash)
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, err, "encode row")
	}
	if err := tc.Store.UpdateEntry(updated, embed(tc, e)); err != nil {
		log.Error().Err(err).Str("entry_id", e.ID).Str("op", "update").Msg("update failed")
		return nil, errs.Wrap(errs.Unknown, err, "update entry")
	}
	return e, nil
}

// upsertExisting replaces a stored entity in place, keeping id and
// created_at. The file moves only when the deterministic name changed
// (e.g. a different folder).
func upsertExisting(tc *tenant.Context, in Input, row *store.Row) (*entry.Entry, error) {
	e, err := row.ToEntry()
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, err, "decode row")
	}
	if err := unseal(tc, e); err != nil {
		return nil, err
	}

	mergeInput(e, &in)
	if err := validateEntry(e); err != nil {
		return nil, err
	}

	newPath, err := entry.EntryPath(tc.VaultRoot, e.Kind, in.Folder, entry.Filename(e))
	if err != nil {
		return nil, err
	}
	oldPath := e.FilePath
	if in.Folder != "" || oldPath == "" {
		e.FilePath = newPath
	}

	if err := seal(tc, e); err != nil {
		return nil, err
	}
	hash, err := writeFile(e)
	if err != nil {
		return nil, err
	}
	if oldPath != "" && oldPath != e.FilePath {
		os.Remove(oldPath)
	}

	updated, err := store.FromEntry(e, hash)
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, err, "encode row")
	}
	if err := tc.Store.UpdateEntry(updated, embed(tc, e)); err != nil {
		log.Error().Err(err).Str("entry_id", e.ID).Str("op", "upsert").Msg("upsert failed")
		return nil, errs.Wrap(errs.Unknown, err, "upsert entry")
	}
	return e, nil
}

// Delete removes an entry: file first, then vector, then row, so that a
// crash mid-delete leaves only an orphan row for the next reindex to reap.
// A missing or foreign-owned id is NOT_FOUND either way.
func Delete(tc *tenant.Context, id string) error {
	row, err := tc.Store.GetByIDAny(tc.UserID, id)
	if err != nil {
		return errs.Wrap(errs.Unknown, err, "lookup entry")
	}
	if row == nil {
		return errs.New(errs.NotFound, "entry %s not found", id)
	}
	if row.FilePath != "" {
		if err := os.Remove(row.FilePath); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.IOError, err, "remove entry file")
		}
	}
	found, err := tc.Store.DeleteEntry(tc.UserID, id)
	if err != nil {
		log.Error().Err(err).Str("entry_id", id).Str("op", "delete").Msg("delete failed")
		return errs.Wrap(errs.Unknown, err, "delete entry")
	}
	if !found {
		return errs.New(errs.NotFound, "entry %s not found", id)
	}
	return nil
}

func requireVault(tc *tenant.Context) error {
	if !config.HasMarker(tc.VaultRoot) {
		return errs.New(errs.VaultNotFound, "vault root %s is not initialized", tc.VaultRoot)
	}
	return nil
}

func mergeInput(e *entry.Entry, in *Input) {
	if in.Body != "" {
		e.Body = in.Body
	}
	if in.Title != nil {
		e.Title = *in.Title
	}
	if in.Meta != nil {
		e.Meta = in.Meta
	}
	if in.Tags != nil {
		e.Tags = in.Tags
	}
	if in.Source != nil {
		e.Source = *in.Source
	}
	if in.ExpiresAt != nil {
		e.ExpiresAt = in.ExpiresAt
	}
}

func validate(in *Input) error {
	return validateFields(in.title(), in.Body, in.Meta, in.Tags, in.source(), in.IdentityKey)
}

func validateEntry(e *entry.Entry) error {
	return validateFields(e.Title, e.Body, e.Meta, e.Tags, e.Source, e.IdentityKey)
}

func validateFields(title, body string, meta map[string]any, tags []string, source, identityKey string) error {
	if body == "" {
		return errs.New(errs.InvalidInput, "body is required")
	}
	if len(body) > entry.MaxBodyLen {
		return errs.New(errs.InvalidInput, "body exceeds %d bytes", entry.MaxBodyLen)
	}
	if len(title) > entry.MaxTitleLen {
		return errs.New(errs.InvalidInput, "title exceeds %d characters", entry.MaxTitleLen)
	}
	if len(source) > entry.MaxSourceLen {
		return errs.New(errs.InvalidInput, "source exceeds %d characters", entry.MaxSourceLen)
	}
	if len(identityKey) > entry.MaxIdentityKeyLen {
		return errs.New(errs.InvalidInput, "identity_key exceeds %d characters", entry.MaxIdentityKeyLen)
	}
	if len(tags) > entry.MaxTags {
		return errs.New(errs.InvalidInput, "too many tags (max %d)", entry.MaxTags)
	}
	for _, t := range tags {
		if t == "" || len(t) > entry.MaxTagLen {
			return errs.New(errs.InvalidInput, "invalid tag %q", t)
		}
	}
	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return errs.New(errs.InvalidInput, "meta is not serializable")
		}
		if len(data) > entry.MaxMetaLen {
			return errs.New(errs.InvalidInput, "meta exceeds %d bytes", entry.MaxMetaLen)
		}
	}
	return nil
}

func contentBytes(in *Input) int64 {
	n := int64(len(in.Body) + len(in.title()))
	if in.Meta != nil {
		if data, err := json.Marshal(in.Meta); err == nil {
			n += int64(len(data))
		}
	}
	return n
}

// seal encrypts the entry's content when the context carries an Encrypter.
// Plaintext fields are cleared so they are never persisted alongside
// ciphertext.
func seal(tc *tenant.Context, e *entry.Entry) error {
	if tc.Encrypter == nil {
		return nil
	}
	var metaJSON []byte
	if len(e.Meta) > 0 {
		var err error
		metaJSON, err = json.Marshal(e.Meta)
		if err != nil {
			return errs.Wrap(errs.Unknown, err, "marshal meta")
		}
	}
	env, err := tc.Encrypter.Encrypt(e.Title, e.Body, metaJSON)
	if err != nil {
		// Encryption errors on write abort the write.
		return errs.Wrap(errs.Unknown, err, "encrypt entry")
	}
	e.Sealed = env
	e.Title, e.Body, e.Meta = "", "", nil
	return nil
}

// unseal decrypts a sealed entry in memory so update merges see plaintext.
func unseal(tc *tenant.Context, e *entry.Entry) error {
	if e.Sealed == nil {
		return nil
	}
	if tc.Decrypter == nil {
		return errs.New(errs.Unknown, "entry %s is encrypted and no decrypter is configured", e.ID)
	}
	title, body, metaJSON, err := tc.Decrypter.Decrypt(e.Sealed)
	if err != nil {
		return errs.Wrap(errs.Unknown, err, "decrypt entry")
	}
	e.Title, e.Body = title, body
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Meta); err != nil {
			return errs.Wrap(errs.Unknown, err, "decode meta")
		}
	}
	e.Sealed = nil
	return nil
}

// writeFile serializes the entry and writes it whole in one syscall.
// Returns the content hash stored for reindex classification.
func writeFile(e *entry.Entry) (string, error) {
	data, err := entry.Serialize(e)
	if err != nil {
		return "", errs.Wrap(errs.Unknown, err, "serialize entry")
	}
	if err := os.MkdirAll(filepath.Dir(e.FilePath), 0o755); err != nil {
		return "", errs.Wrap(errs.IOError, err, "create entry dir")
	}
	if err := os.WriteFile(e.FilePath, data, 0o644); err != nil {
		return "", errs.Wrap(errs.IOError, err, "write entry file")
	}
	return ContentHash(data), nil
}

// ContentHash is the hash reindex classifies file changes by.
func ContentHash(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// embed derives the entry's vector, or nil when embedding is unavailable
// or the content is sealed (ciphertext is opaque to the embedder).
func embed(tc *tenant.Context, e *entry.Entry) []float32 {
	if e.Sealed != nil || tc.Embedder == nil {
		return nil
	}
	return tc.Embedder.EmbedOne(context.Background(), e.EmbedText())
}
