package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/contextvault/contextvault/internal/config"
)

// openaiProvider speaks the OpenAI-compatible /v1/embeddings protocol
// (llama.cpp, vLLM, LM Studio, or the hosted API).
type openaiProvider struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
}

func newOpenAIProvider(cfg Config) (*openaiProvider, error) {
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Provider == "openai-compatible" {
			return nil, fmt.Errorf("openai-compatible provider requires a base URL")
		}
		baseURL = "https://api.openai.com"
	}
	if cfg.Provider == "openai" && cfg.APIKey == "" {
		return nil, fmt.Errorf("openai provider requires an API key")
	}
	return &openaiProvider{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		model:      model,
		apiKey:     cfg.APIKey,
	}, nil
}

func (p *openaiProvider) Name() string    { return "openai" }
func (p *openaiProvider) Model() string   { return p.model }
func (p *openaiProvider) Dimensions() int { return config.EmbeddingDim }

type openaiEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *openaiProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return p.embed(ctx, texts)
}

func (p *openaiProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *openaiProvider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(openaiEmbedRequest{
		Model:      p.model,
		Input:      texts,
		Dimensions: config.EmbeddingDim,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embeddings response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings HTTP %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var out openaiEmbedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("embeddings: %s", out.Error.Message)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d inputs", len(out.Data), len(texts))
	}

	// The API may return items out of order; the index field is
	// authoritative.
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		if err := validateVector(d.Embedding, config.EmbeddingDim); err != nil {
			return nil, err
		}
		vecs[i] = d.Embedding
	}
	return vecs, nil
}
