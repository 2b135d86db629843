package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const (
	// DefaultOllamaURL is the default Ollama API endpoint
	DefaultOllamaURL = "http://localhost:11434"

	// DefaultOllamaModel is the default embedding model
	DefaultOllamaModel = "all-minilm:l6-v2"

	// OllamaDimension is the output size of all-minilm
	OllamaDimension = 384

	apiPathEmbed = "/api/embed"
	apiPathTags  = "/api/tags"
)

// DefaultOllamaAliases maps sentence-transformer identifiers to Ollama tags
func DefaultOllamaAliases() map[string]string {
	return map[string]string{
		"all-MiniLM-L6-v2":        "all-minilm:l6-v2",
		"paraphrase-MiniLM-L6-v2": "all-minilm:l6-v2",
		"all-mpnet-base-v2":       "nomic-embed-text",
	}
}

// OllamaProvider generates embeddings using a local Ollama server
type OllamaProvider struct {
	settings httpSettings
	client   *http.Client
	cache    *Cache
}

// NewOllamaProvider creates an Ollama embedder. The endpoint option takes the
// server base URL, not the embed path.
func NewOllamaProvider(cache *Cache, opts ...HTTPOption) *OllamaProvider {
	base := []HTTPOption{WithModelAliases(DefaultOllamaAliases()), WithRateLimit(0)}
	settings := newHTTPSettings(DefaultOllamaURL, DefaultOllamaModel, OllamaDimension, append(base, opts...))
	return &OllamaProvider{
		settings: settings,
		client:   &http.Client{Timeout: settings.timeout},
		cache:    cache,
	}
}

func (p *OllamaProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}, Model: req.Model})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (p *OllamaProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	if len(req.Texts) > MaxBatchSize {
		return nil, fmt.Errorf("%w: max %d texts allowed", ErrBatchTooLarge, MaxBatchSize)
	}

	model := p.settings.resolveModel(req.Model)
	embeddings, err := cachedBatch(p.cache, model, req.Texts, func(missing []string) ([]*Embedding, error) {
		return retryWithBackoff(ctx, p.settings.retry, func() ([]*Embedding, error) {
			if err := p.settings.wait(ctx); err != nil {
				return nil, err
			}
			return p.embed(ctx, missing, model)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}

	return &BatchEmbeddingResponse{Embeddings: embeddings, Provider: ProviderOllama, Model: model}, nil
}

func (p *OllamaProvider) embed(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.settings.url+apiPathEmbed, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Provider: ProviderOllama, Code: resp.StatusCode, Body: formatErrorBody(resp.Body)}
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}

	embeddings := make([]*Embedding, len(result.Embeddings))
	for i, v := range result.Embeddings {
		embeddings[i] = &Embedding{Vector: v, Dimension: len(v), Provider: ProviderOllama, Model: model}
	}
	return embeddings, nil
}

// IsAvailable checks if Ollama is running and accessible
func (p *OllamaProvider) IsAvailable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.settings.url+apiPathTags, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama is not running: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *OllamaProvider) Dimension() int  { return p.settings.dimension }
func (p *OllamaProvider) Provider() string { return ProviderOllama }
func (p *OllamaProvider) Model() string    { return p.settings.model }

func (p *OllamaProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// formatErrorBody reads and formats the response body for error messages
func formatErrorBody(body io.Reader) string {
	respBody, err := io.ReadAll(body)
	if err != nil {
		return fmt.Sprintf("(failed to read response body: %v)", err)
	}
	return string(respBody)
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}
