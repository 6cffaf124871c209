package tools

import (
	"context"

	"github.com/contextvault/contextvault/internal/capture"
	"github.com/contextvault/contextvault/internal/errs"
	"github.com/contextvault/contextvault/internal/index"
	"github.com/contextvault/contextvault/internal/search"
	"github.com/contextvault/contextvault/internal/store"
)

// Administrative operations: reindex, manifest, import, export. Reindex
// runs through the dispatch wrapper without awaiting the auto-reindex
// (reindex IS the reconciliation). Manifest and export run through the
// wrapper and await the auto-reindex like the tool operations. Import calls
// capture per entry directly, outside the wrapper and its timeout.

// Reindex runs a full reconciliation pass immediately and marks the
// lifecycle reindex as done so later tool calls don't repeat it.
func (d *Dispatcher) Reindex(ctx context.Context, progress index.ProgressFunc) (*index.Stats, error) {
	v, _, err := d.run(ctx, "reindex", false, func(context.Context) (any, error) {
		stats, err := index.Reindex(d.tc, progress)
		if err != nil {
			return nil, errs.Wrap(errs.Unknown, err, "reindex")
		}
		d.mu.Lock()
		d.phase = reindexDone
		d.reindexErr = nil
		d.mu.Unlock()
		return stats, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*index.Stats), nil
}

// ManifestResult is the sync-collaborator manifest.
type ManifestResult struct {
	Entries []store.ManifestEntry `json:"entries"`
}

// Manifest lists the tenant's current non-expired rows.
func (d *Dispatcher) Manifest(ctx context.Context) (*ManifestResult, error) {
	v, _, err := d.run(ctx, "manifest", true, func(context.Context) (any, error) {
		entries, err := d.tc.Store.Manifest(d.tc.UserID)
		if err != nil {
			return nil, errs.Wrap(errs.Unknown, err, "manifest")
		}
		if entries == nil {
			entries = []store.ManifestEntry{}
		}
		return &ManifestResult{Entries: entries}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ManifestResult), nil
}

// ImportProgress reports import progress: entries processed and total.
type ImportProgress func(done, total int)

// ImportResult summarizes an import batch.
type ImportResult struct {
	Imported int      `json:"imported"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Import captures a batch of entries sequentially. The first
// LIMIT_EXCEEDED aborts the rest of the batch; other per-entry failures
// are recorded and skipped.
func (d *Dispatcher) Import(ctx context.Context, batch []capture.Input, progress ImportProgress) (*ImportResult, error) {
	res := &ImportResult{}
	for i := range batch {
		select {
		case <-ctx.Done():
			return res, errs.New(errs.Timeout, "import cancelled after %d entries", res.Imported)
		default:
		}
		batch[i].Kind = normalizeKindInput(batch[i].Kind)
		if _, err := capture.Capture(d.tc, batch[i]); err != nil {
			if errs.Is(err, errs.LimitExceeded) {
				res.Errors = append(res.Errors, err.Error())
				return res, err
			}
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
		} else {
			res.Imported++
		}
		if progress != nil {
			progress(i+1, len(batch))
		}
	}
	return res, nil
}

// ExportResult carries the tenant's entries in wire form, decrypted at the
// boundary when the context can.
type ExportResult struct {
	Entries []EntryView `json:"entries"`
}

// Export returns every live entry for the tenant.
func (d *Dispatcher) Export(ctx context.Context) (*ExportResult, error) {
	v, _, err := d.run(ctx, "export", true, func(context.Context) (any, error) {
		rs, err := search.ListPage(d.tc, search.Query{Limit: search.MaxLimit}, 0)
		if err != nil {
			return nil, err
		}
		out := &ExportResult{Entries: []EntryView{}}
		offset := 0
		for len(rs) > 0 {
			out.Entries = append(out.Entries, d.results(rs, false)...)
			offset += len(rs)
			rs, err = search.ListPage(d.tc, search.Query{Limit: search.MaxLimit}, offset)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ExportResult), nil
}
