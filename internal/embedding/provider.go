// Package embedding provides the vector-index embedding pipeline.
//
// Supported providers:
//   - ollama (default): local embeddings, no API keys.
//   - openai-compatible: any server exposing /v1/embeddings.
//   - none: lexical-only mode, the vector index stays empty.
//
// The index dimensionality is fixed at 384. A provider returning vectors of
// a different width fails each embedding call, and the affected entries and
// queries fall back to lexical-only retrieval.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Provider generates embedding vectors from text. Document and query
// embeddings must come from the same model within one index.
type Provider interface {
	// EmbedDocuments embeds a batch of documents in a single call.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Name returns the provider identifier (e.g. "ollama").
	Name() string

	// Model returns the embedding model name.
	Model() string

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// Config holds provider settings.
type Config struct {
	Provider string // "ollama" (default), "openai-compatible", "none"
	Model    string
	APIKey   string
	BaseURL  string
}

// New creates a provider from the config. The "none" provider is reported
// as an error so callers treat it as unavailable.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "ollama":
		return newOllamaProvider(cfg)
	case "openai", "openai-compatible":
		return newOpenAIProvider(cfg)
	case "none":
		return nil, fmt.Errorf("embedding provider is \"none\" (lexical-only mode)")
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", cfg.Provider)
	}
}

// validateVector checks dimensionality and rejects all-zero vectors, which
// indicate a provider error.
func validateVector(vec []float32, wantDims int) error {
	if len(vec) != wantDims {
		return fmt.Errorf("embedding dimension mismatch: expected %d, got %d", wantDims, len(vec))
	}
	for _, v := range vec {
		if math.Float32bits(v) != 0 {
			return nil
		}
	}
	return fmt.Errorf("embedding is all zeros")
}

// normalize scales a vector to unit L2 length in place so that the vector
// index's cosine distance stays in [0,2].
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
