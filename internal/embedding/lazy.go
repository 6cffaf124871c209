package embedding

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// State is the lifecycle of the lazy embedder.
type State int

const (
	// Unattempted means no initialization has been tried yet.
	Unattempted State = iota
	// Ready means the provider initialized and is serving embeddings.
	Ready
	// Unavailable means initialization failed; retrieval runs lexical-only.
	Unavailable
)

// Lazy wraps a Provider behind a single initialization path. Embedding is
// optional: when the provider cannot be constructed the vector index is
// skipped and callers surface a degradation note instead of failing.
// A later NewLazy (e.g. manual reindex after installing a model) promotes
// writes again.
type Lazy struct {
	mu    sync.Mutex
	state State
	p     Provider
	cfg   Config
	note  string
}

// NewLazy returns an uninitialized embedder; the first use attempts
// construction.
func NewLazy(cfg Config) *Lazy {
	return &Lazy{cfg: cfg}
}

// NewLazyWith wraps an already-constructed provider (tests inject fakes
// this way).
func NewLazyWith(p Provider) *Lazy {
	if p == nil {
		return &Lazy{state: Unavailable, note: "embeddings unavailable"}
	}
	return &Lazy{state: Ready, p: p}
}

// ensure is the single initialization path.
func (l *Lazy) ensure() Provider {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Unattempted {
		p, err := New(l.cfg)
		if err != nil {
			l.state = Unavailable
			l.note = "embeddings unavailable: " + err.Error()
			log.Warn().Err(err).Msg("embedding provider unavailable, lexical-only retrieval")
		} else {
			l.state = Ready
			l.p = p
		}
	}
	return l.p
}

// Available reports whether embeddings can be produced, attempting
// initialization if needed.
func (l *Lazy) Available() bool {
	return l.ensure() != nil
}

// Note returns the degradation note, or "" when the embedder is healthy.
func (l *Lazy) Note() string {
	l.ensure()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.note
}

// ModelInfo returns provider and model names, or ("", "") when unavailable.
func (l *Lazy) ModelInfo() (provider, model string) {
	p := l.ensure()
	if p == nil {
		return "", ""
	}
	return p.Name(), p.Model()
}

// EmbedQuery embeds a query, returning nil when the embedder is
// unavailable (never an error for the unavailable state — the caller
// degrades to lexical-only).
func (l *Lazy) EmbedQuery(ctx context.Context, text string) []float32 {
	p := l.ensure()
	if p == nil {
		return nil
	}
	vec, err := p.EmbedQuery(ctx, text)
	if err != nil {
		log.Warn().Err(err).Msg("query embedding failed")
		return nil
	}
	normalize(vec)
	return vec
}

// EmbedDocuments embeds a batch of documents, returning nil when
// unavailable. Per-batch failure degrades rather than erroring: the
// lexical index still covers the entries.
func (l *Lazy) EmbedDocuments(ctx context.Context, texts []string) [][]float32 {
	p := l.ensure()
	if p == nil || len(texts) == 0 {
		return nil
	}
	vecs, err := p.EmbedDocuments(ctx, texts)
	if err != nil {
		log.Warn().Err(err).Int("batch", len(texts)).Msg("batch embedding failed")
		return nil
	}
	for _, v := range vecs {
		normalize(v)
	}
	return vecs
}

// EmbedOne embeds a single document, returning nil when unavailable.
func (l *Lazy) EmbedOne(ctx context.Context, text string) []float32 {
	vecs := l.EmbedDocuments(ctx, []string{text})
	if len(vecs) == 0 {
		return nil
	}
	return vecs[0]
}
