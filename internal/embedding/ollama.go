package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/contextvault/contextvault/internal/config"
)

// Retry settings for Ollama HTTP requests.
const (
	ollamaMaxRetries = 3
	ollamaRetryBase  = 2 * time.Second // delays: 0s, 2s, 4s
)

// ollamaProvider generates embeddings via a local Ollama instance.
type ollamaProvider struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// newOllamaProvider validates the base URL (localhost only) and returns the
// provider.
func newOllamaProvider(cfg Config) (*ollamaProvider, error) {
	model := cfg.Model
	if model == "" {
		// The 384-dim default; the index width is fixed.
		model = "all-minilm"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if err := validateLocalhostOnly(baseURL); err != nil {
		return nil, err
	}
	return &ollamaProvider{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

func (p *ollamaProvider) Name() string    { return "ollama" }
func (p *ollamaProvider) Model() string   { return p.model }
func (p *ollamaProvider) Dimensions() int { return config.EmbeddingDim }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (p *ollamaProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return p.embed(ctx, texts)
}

func (p *ollamaProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// embed calls /api/embed with the whole batch; model cost is amortized
// across the batch in a single request.
func (p *ollamaProvider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < ollamaMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * ollamaRetryBase):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.baseURL+"/api/embed", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("ollama request: %w", err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read ollama response: %w", err)
			continue
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Client errors (missing model, bad request) will not heal on
			// retry.
			return nil, fmt.Errorf("ollama HTTP %d: %s", resp.StatusCode, truncate(body, 200))
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("ollama HTTP %d: %s", resp.StatusCode, truncate(body, 200))
			continue
		}

		var out ollamaEmbedResponse
		if err := json.Unmarshal(body, &out); err != nil {
			lastErr = fmt.Errorf("decode ollama response: %w", err)
			continue
		}
		if out.Error != "" {
			return nil, fmt.Errorf("ollama: %s", out.Error)
		}
		if len(out.Embeddings) != len(texts) {
			return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs",
				len(out.Embeddings), len(texts))
		}
		for _, vec := range out.Embeddings {
			if err := validateVector(vec, config.EmbeddingDim); err != nil {
				return nil, err
			}
		}
		return out.Embeddings, nil
	}
	return nil, lastErr
}

// validateLocalhostOnly rejects base URLs that point off-box.
func validateLocalhostOnly(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid embedding base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("embedding base URL must use http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" && host != "::1" {
		return fmt.Errorf("ollama base URL must point to localhost")
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
