// Package tools exposes the engine's seven operations behind a shared
// dispatch wrapper: validation, a 60-second timeout, the one-shot
// auto-reindex, and decryption at the read boundary.
package tools

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/contextvault/contextvault/internal/capture"
	"github.com/contextvault/contextvault/internal/entry"
	"github.com/contextvault/contextvault/internal/errs"
	"github.com/contextvault/contextvault/internal/index"
	"github.com/contextvault/contextvault/internal/search"
	"github.com/contextvault/contextvault/internal/tenant"
)

// OpTimeout is the wall-clock budget per operation. Timeouts cancel the
// caller but do not roll back committed writes.
const OpTimeout = 60 * time.Second

// maxReindexAttempts bounds auto-reindex retries across successive calls.
const maxReindexAttempts = 2

// URLParser is the external collaborator ingest_url delegates to. Fetching
// and HTML conversion happen on the other side of this interface.
type URLParser interface {
	Parse(ctx context.Context, url string) (capture.Input, error)
}

// Options configures a dispatcher.
type Options struct {
	Parser URLParser
	// InlineIndex skips the auto-reindex entirely: hosted per-tenant
	// writes go through capture and indexEntry inline, so the store is
	// already authoritative.
	InlineIndex  bool
	Version      string
	ResolvedFrom string
}

type reindexPhase int

const (
	reindexNotStarted reindexPhase = iota
	reindexInProgress
	reindexDone
	reindexFailed
)

// Dispatcher binds the seven operations to one tenant context for one
// serve-time lifecycle.
type Dispatcher struct {
	tc   *tenant.Context
	opts Options

	inflight atomic.Int64

	mu              sync.Mutex
	phase           reindexPhase
	reindexDoneCh   chan struct{}
	reindexErr      error
	reindexAttempts int
}

// New creates a dispatcher for a tenant context.
func New(tc *tenant.Context, opts Options) *Dispatcher {
	return &Dispatcher{tc: tc, opts: opts}
}

// InFlight returns the number of operations currently executing.
func (d *Dispatcher) InFlight() int64 {
	return d.inflight.Load()
}

// run is the shared wrapper: counts the op, enforces the timeout, awaits
// the one-shot auto-reindex, and collects degradation notes.
func (d *Dispatcher) run(ctx context.Context, op string, needsIndex bool,
	fn func(context.Context) (any, error)) (any, []string, error) {

	d.inflight.Add(1)
	defer d.inflight.Add(-1)

	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()

	var notes []string
	if needsIndex && !d.opts.InlineIndex {
		if err := d.awaitReindex(ctx); err != nil {
			notes = append(notes, "reindex_failed: "+err.Error())
		}
	}

	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		log.Warn().Str("op", op).Msg("operation timed out")
		return nil, notes, errs.New(errs.Timeout, "%s exceeded %s", op, OpTimeout)
	case r := <-ch:
		return r.v, notes, r.err
	}
}

// awaitReindex drives the per-lifecycle state machine
// not-started -> in-progress -> done | failed. Concurrent callers await
// the same in-progress pass; a failed pass is retried on later calls until
// the attempt budget is spent, after which responses carry the
// reindex_failed note and the store is treated as authoritative.
func (d *Dispatcher) awaitReindex(ctx context.Context) error {
	for {
		d.mu.Lock()
		switch d.phase {
		case reindexDone:
			d.mu.Unlock()
			return nil
		case reindexFailed:
			err := d.reindexErr
			d.mu.Unlock()
			return err
		case reindexInProgress:
			ch := d.reindexDoneCh
			d.mu.Unlock()
			select {
			case <-ch:
				continue // re-read the resulting phase
			case <-ctx.Done():
				return ctx.Err()
			}
		case reindexNotStarted:
			d.phase = reindexInProgress
			d.reindexDoneCh = make(chan struct{})
			ch := d.reindexDoneCh
			d.mu.Unlock()

			_, err := index.Reindex(d.tc, nil)

			d.mu.Lock()
			d.reindexAttempts++
			switch {
			case err == nil:
				d.phase = reindexDone
			case d.reindexAttempts >= maxReindexAttempts:
				d.phase = reindexFailed
				d.reindexErr = err
			default:
				d.phase = reindexNotStarted
			}
			d.mu.Unlock()
			close(ch)
			return err
		}
	}
}

// EntryView is the wire form of an entry in responses.
type EntryView struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Category    string          `json:"category"`
	Title       string          `json:"title,omitempty"`
	Body        string          `json:"body,omitempty"`
	Meta        map[string]any  `json:"meta,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Source      string          `json:"source,omitempty"`
	IdentityKey string          `json:"identity_key,omitempty"`
	CreatedAt   string          `json:"created_at"`
	ExpiresAt   string          `json:"expires_at,omitempty"`
	Score       json.RawMessage `json:"score,omitempty"`
	Encrypted   bool            `json:"encrypted,omitempty"`
}

// view decrypts an entry at the boundary (when the context can) and maps
// it to the wire form.
func (d *Dispatcher) view(e *entry.Entry, score float64, scored bool) EntryView {
	if e.Sealed != nil && d.tc.Decrypter != nil {
		if title, body, metaJSON, err := d.tc.Decrypter.Decrypt(e.Sealed); err == nil {
			e.Title, e.Body = title, body
			if len(metaJSON) > 0 {
				_ = json.Unmarshal(metaJSON, &e.Meta)
			}
			e.Sealed = nil
		} else {
			log.Warn().Err(err).Str("entry_id", e.ID).Msg("decrypt at boundary failed")
		}
	}
	v := EntryView{
		ID:          e.ID,
		Kind:        e.Kind,
		Category:    string(e.Category),
		Title:       e.Title,
		Body:        e.Body,
		Meta:        e.Meta,
		Tags:        e.Tags,
		Source:      e.Source,
		IdentityKey: e.IdentityKey,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
		Encrypted:   e.Sealed != nil,
	}
	if e.ExpiresAt != nil {
		v.ExpiresAt = e.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if scored {
		v.Score = json.RawMessage(formatScore(score))
	}
	return v
}

// formatScore renders scores with three decimals, matching the exact-match
// short-circuit's fixed 1.000.
func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}

// parseTime parses an optional RFC3339 bound.
func parseTime(s, field string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, errs.New(errs.InvalidInput, "%s must be RFC3339: %v", field, err)
	}
	t = t.UTC()
	return &t, nil
}

// results maps scored search results to wire views.
func (d *Dispatcher) results(rs []search.Result, scored bool) []EntryView {
	views := make([]EntryView, 0, len(rs))
	for _, r := range rs {
		views = append(views, d.view(r.Entry, r.Score, scored))
	}
	return views
}
