// Package index keeps the derived indices converged with the on-disk
// vault tree.
package index

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/contextvault/contextvault/internal/capture"
	"github.com/contextvault/contextvault/internal/entry"
	"github.com/contextvault/contextvault/internal/store"
	"github.com/contextvault/contextvault/internal/tenant"
)

// Stats holds the reconciliation counts of one reindex pass.
type Stats struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
	Expired   int `json:"expired"`
	Errors    int `json:"errors"`
}

// ProgressFunc reports reindex progress: files processed so far, total, and
// the path being processed.
type ProgressFunc func(current, total int, path string)

// skipDirs are directory names never walked.
var skipDirs = map[string]bool{
	".git":    true,
	".trash":  true,
	".backup": true,
}

// pending is one file selected for (re-)insertion.
type pending struct {
	e    *entry.Entry
	hash string
}

// Reindex reconciles the primary store with the vault tree: removals
// first, then additions, then updates, with embeddings generated in one
// batch call across everything that changed. Idempotent — a second pass
// over an unchanged tree reports only unchanged files.
func Reindex(tc *tenant.Context, progress ProgressFunc) (*Stats, error) {
	stats := &Stats{}

	files, err := walkVault(tc.VaultRoot)
	if err != nil {
		return nil, fmt.Errorf("walk vault: %w", err)
	}
	sort.Strings(files) // deterministic insert order, deterministic rowids

	pathIdx, err := tc.Store.PathIndex()
	if err != nil {
		return nil, fmt.Errorf("path index: %w", err)
	}

	now := time.Now().UTC()
	onDisk := make(map[string]bool, len(files))
	var added, updated []pending

	for i, path := range files {
		onDisk[path] = true
		if progress != nil {
			progress(i+1, len(files), path)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			stats.Errors++
			continue
		}
		rel, _ := filepath.Rel(tc.VaultRoot, path)
		e, err := entry.Parse(data, entry.KindFromPath(rel))
		if err != nil {
			stats.Errors++
			continue
		}
		e.FilePath = path
		e.UserID = tc.UserID
		if e.Category == "" {
			e.Category = entry.CategoryFor(e.Kind)
		}

		// Self-heal: files dropped in by hand get an id (and timestamp)
		// written back.
		if e.ID == "" {
			e.ID = entry.NewID()
			if e.CreatedAt.IsZero() {
				e.CreatedAt = now.Truncate(time.Second)
			}
			healed, err := entry.Serialize(e)
			if err != nil {
				stats.Errors++
				continue
			}
			if err := os.WriteFile(path, healed, 0o644); err != nil {
				stats.Errors++
				continue
			}
			data = healed
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now.Truncate(time.Second)
		}

		// Expired files are reaped: file and row both go, so expired
		// entries stop shadowing live results.
		if e.Expired(now) {
			stats.Expired++
			os.Remove(path)
			if _, ok := pathIdx[path]; ok {
				if _, err := tc.Store.DeleteByPath(path); err != nil {
					stats.Errors++
				}
				delete(pathIdx, path)
			}
			onDisk[path] = false
			continue
		}

		hash := capture.ContentHash(data)
		info, known := pathIdx[path]
		switch {
		case !known:
			added = append(added, pending{e: e, hash: hash})
		case info.ContentHash != hash:
			updated = append(updated, pending{e: e, hash: hash})
		default:
			stats.Unchanged++
		}
	}

	// Removals first: rows whose file no longer exists.
	for path := range pathIdx {
		if onDisk[path] {
			continue
		}
		ok, err := tc.Store.DeleteByPath(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("reindex removal failed")
			stats.Errors++
			continue
		}
		if ok {
			stats.Removed++
		}
	}

	// One embedding call covers every added and updated entry.
	vectors := batchEmbed(tc, append(append([]pending{}, added...), updated...))

	for i, p := range added {
		row, err := store.FromEntry(p.e, p.hash)
		if err != nil {
			stats.Errors++
			continue
		}
		if err := tc.Store.InsertEntry(row, vectors[i]); err != nil {
			log.Error().Err(err).Str("path", p.e.FilePath).Msg("reindex insert failed")
			stats.Errors++
			continue
		}
		stats.Added++
	}
	for i, p := range updated {
		// Replace wholesale so a file rewritten with a fresh id converges
		// on the file's view.
		if _, err := tc.Store.DeleteByPath(p.e.FilePath); err != nil {
			stats.Errors++
			continue
		}
		row, err := store.FromEntry(p.e, p.hash)
		if err != nil {
			stats.Errors++
			continue
		}
		if err := tc.Store.InsertEntry(row, vectors[len(added)+i]); err != nil {
			log.Error().Err(err).Str("path", p.e.FilePath).Msg("reindex update failed")
			stats.Errors++
			continue
		}
		stats.Updated++
	}

	_ = tc.Store.SetMeta("last_reindex_time", now.Format(time.RFC3339))
	if tc.Embedder != nil {
		if provider, model := tc.Embedder.ModelInfo(); provider != "" {
			_ = tc.Store.SetMeta("embed_provider", provider)
			_ = tc.Store.SetMeta("embed_model", model)
		}
	}

	log.Info().
		Int("added", stats.Added).Int("updated", stats.Updated).
		Int("removed", stats.Removed).Int("unchanged", stats.Unchanged).
		Int("expired", stats.Expired).Int("errors", stats.Errors).
		Msg("reindex complete")
	return stats, nil
}

// batchEmbed returns one vector slot per pending entry (nil for sealed
// content or when the embedder is unavailable).
func batchEmbed(tc *tenant.Context, all []pending) [][]float32 {
	vectors := make([][]float32, len(all))
	if tc.Embedder == nil || !tc.Embedder.Available() {
		return vectors
	}
	var texts []string
	var slots []int
	for i, p := range all {
		if p.e.Sealed != nil {
			continue
		}
		texts = append(texts, p.e.EmbedText())
		slots = append(slots, i)
	}
	if len(texts) == 0 {
		return vectors
	}
	embedded := tc.Embedder.EmbedDocuments(context.Background(), texts)
	if len(embedded) != len(texts) {
		return vectors
	}
	for j, i := range slots {
		vectors[i] = embedded[j]
	}
	return vectors
}

// IndexEntry re-derives the embedding for an already-stored entry and
// replaces its vector. The lexical shadow is refreshed by the store
// triggers on the row write itself.
func IndexEntry(tc *tenant.Context, e *entry.Entry) error {
	row, err := tc.Store.GetByIDAny(tc.UserID, e.ID)
	if err != nil {
		return fmt.Errorf("lookup entry: %w", err)
	}
	if row == nil {
		return fmt.Errorf("entry %s not stored", e.ID)
	}
	if e.Sealed != nil || tc.Embedder == nil || !tc.Embedder.Available() {
		return nil
	}
	vec := tc.Embedder.EmbedOne(context.Background(), e.EmbedText())
	if vec == nil {
		return nil
	}
	return tc.Store.ReplaceVector(row.RowID, vec)
}

// ReindexPath reconciles a single file, used by the watcher for
// incremental updates. A missing file removes the row; anything else goes
// through parse, heal, classify, and insert.
func ReindexPath(tc *tenant.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_, err := tc.Store.DeleteByPath(path)
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	rel, _ := filepath.Rel(tc.VaultRoot, path)
	e, err := entry.Parse(data, entry.KindFromPath(rel))
	if err != nil {
		return fmt.Errorf("parse file: %w", err)
	}
	e.FilePath = path
	e.UserID = tc.UserID
	if e.Category == "" {
		e.Category = entry.CategoryFor(e.Kind)
	}
	now := time.Now().UTC()
	if e.ID == "" {
		e.ID = entry.NewID()
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now.Truncate(time.Second)
		}
		if data, err = entry.Serialize(e); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("heal file: %w", err)
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.Truncate(time.Second)
	}

	hash := capture.ContentHash(data)
	existing, err := tc.Store.GetByPath(path)
	if err != nil {
		return err
	}
	if existing != nil && existing.ContentHash == hash {
		return nil
	}
	if existing != nil {
		if _, err := tc.Store.DeleteByPath(path); err != nil {
			return err
		}
	}

	row, err := store.FromEntry(e, hash)
	if err != nil {
		return err
	}
	var vec []float32
	if e.Sealed == nil && tc.Embedder != nil {
		vec = tc.Embedder.EmbedOne(context.Background(), e.EmbedText())
	}
	return tc.Store.InsertEntry(row, vec)
}

// walkVault returns every markdown file under the vault's category
// directories.
func walkVault(root string) ([]string, error) {
	var files []string
	for _, dir := range entry.CategoryDirs() {
		base := filepath.Join(root, dir)
		if _, err := os.Stat(base); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasSuffix(d.Name(), ".md") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
