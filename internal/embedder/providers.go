package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderLocal  = "local"

	// Environment variables holding API keys
	EnvJinaAPIKey   = "JINA_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"

	// Default API endpoints
	DefaultJinaURL   = "https://api.jina.ai/v1/embeddings"
	DefaultOpenAIURL = "https://api.openai.com/v1/embeddings"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536

	// Batch limits
	DefaultBatchSize = 32
	MaxBatchSize     = 100

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0

	// DefaultRequestsPerSecond throttles remote providers
	DefaultRequestsPerSecond = 5
)

// HTTPOption configures an HTTP-backed provider
type HTTPOption func(*httpSettings)

type httpSettings struct {
	url       string
	model     string
	dimension int
	aliases   map[string]string
	timeout   time.Duration
	limiter   *rate.Limiter
	retry     RetryConfig
}

// WithEndpoint overrides the API endpoint
func WithEndpoint(url string) HTTPOption {
	return func(s *httpSettings) { s.url = url }
}

// WithDefaultModel sets the model used when a request names none
func WithDefaultModel(model string, dimension int) HTTPOption {
	return func(s *httpSettings) {
		s.model = model
		if dimension > 0 {
			s.dimension = dimension
		}
	}
}

// WithModelAliases maps public embedding model identifiers to provider
// model names, e.g. "all-MiniLM-L6-v2" -> "all-minilm:l6-v2". Entries are
// merged over the provider's default aliases.
func WithModelAliases(aliases map[string]string) HTTPOption {
	return func(s *httpSettings) {
		if s.aliases == nil {
			s.aliases = make(map[string]string, len(aliases))
		}
		maps.Copy(s.aliases, aliases)
	}
}

// DefaultOpenAIAliases maps sentence-transformer identifiers to OpenAI models
func DefaultOpenAIAliases() map[string]string {
	return map[string]string{
		"all-MiniLM-L6-v2":        "text-embedding-3-small",
		"paraphrase-MiniLM-L6-v2": "text-embedding-3-small",
		"all-mpnet-base-v2":       "text-embedding-3-large",
	}
}

// DefaultJinaAliases maps sentence-transformer identifiers to Jina models
func DefaultJinaAliases() map[string]string {
	return map[string]string{
		"all-MiniLM-L6-v2":        "jina-embeddings-v2-small-en",
		"paraphrase-MiniLM-L6-v2": "jina-embeddings-v2-small-en",
		"all-mpnet-base-v2":       "jina-embeddings-v3",
	}
}

// WithRequestTimeout sets the HTTP client timeout
func WithRequestTimeout(timeout time.Duration) HTTPOption {
	return func(s *httpSettings) { s.timeout = timeout }
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64) HTTPOption {
	return func(s *httpSettings) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithRetry overrides the retry policy
func WithRetry(cfg RetryConfig) HTTPOption {
	return func(s *httpSettings) { s.retry = cfg }
}

func newHTTPSettings(url, model string, dimension int, opts []HTTPOption) httpSettings {
	s := httpSettings{
		url:       url,
		model:     model,
		dimension: dimension,
		timeout:   30 * time.Second,
		limiter:   rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), 1),
		retry:     DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s *httpSettings) resolveModel(requested string) string {
	if requested == "" {
		return s.model
	}
	if alias, ok := s.aliases[requested]; ok {
		return alias
	}
	return requested
}

func (s *httpSettings) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// RemoteProvider implements Embedder against an OpenAI-compatible
// /v1/embeddings API (OpenAI, Jina AI)
type RemoteProvider struct {
	name       string
	apiKey     string
	settings   httpSettings
	httpClient *http.Client
	cache      *Cache
}

// NewJinaProvider creates a new Jina AI embedder
func NewJinaProvider(apiKey string, cache *Cache, opts ...HTTPOption) (*RemoteProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv(EnvJinaAPIKey)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvJinaAPIKey)
	}
	opts = append([]HTTPOption{WithModelAliases(DefaultJinaAliases())}, opts...)
	return newRemoteProvider(ProviderJina, apiKey, cache,
		newHTTPSettings(DefaultJinaURL, DefaultJinaModel, JinaDimension, opts)), nil
}

// NewOpenAIProvider creates a new OpenAI embedder
func NewOpenAIProvider(apiKey string, cache *Cache, opts ...HTTPOption) (*RemoteProvider, error) {
	if apiKey == "" {
		apiKey = os.Getenv(EnvOpenAIAPIKey)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvOpenAIAPIKey)
	}
	opts = append([]HTTPOption{WithModelAliases(DefaultOpenAIAliases())}, opts...)
	return newRemoteProvider(ProviderOpenAI, apiKey, cache,
		newHTTPSettings(DefaultOpenAIURL, DefaultOpenAIModel, OpenAIDimension, opts)), nil
}

func newRemoteProvider(name, apiKey string, cache *Cache, settings httpSettings) *RemoteProvider {
	return &RemoteProvider{
		name:     name,
		apiKey:   apiKey,
		settings: settings,
		httpClient: &http.Client{
			Timeout: settings.timeout,
		},
		cache: cache,
	}
}

func (p *RemoteProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{
		Texts: []string{req.Text},
		Model: req.Model,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", ErrProviderFailed)
	}

	return resp.Embeddings[0], nil
}

func (p *RemoteProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
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
			return p.callAPI(ctx, missing, model)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   p.name,
		Model:      model,
	}, nil
}

func (p *RemoteProvider) callAPI(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": model,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.settings.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Provider: p.name, Code: resp.StatusCode, Body: string(bodyBytes)}
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(apiResp.Data) != len(texts) {
		return nil, fmt.Errorf("api returned %d embeddings for %d inputs", len(apiResp.Data), len(texts))
	}

	// The API does not promise response order
	sort.Slice(apiResp.Data, func(i, j int) bool { return apiResp.Data[i].Index < apiResp.Data[j].Index })

	embeddings := make([]*Embedding, len(apiResp.Data))
	for i, data := range apiResp.Data {
		embeddings[i] = &Embedding{
			Vector:    data.Embedding,
			Dimension: len(data.Embedding),
			Provider:  p.name,
			Model:     model,
		}
	}

	return embeddings, nil
}

func (p *RemoteProvider) Dimension() int {
	return p.settings.dimension
}

func (p *RemoteProvider) Provider() string {
	return p.name
}

func (p *RemoteProvider) Model() string {
	return p.settings.model
}

func (p *RemoteProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// cachedBatch serves texts from cache and calls fetch once for the misses,
// storing what it returns. Results come back in input order.
func cachedBatch(cache *Cache, model string, texts []string, fetch func([]string) ([]*Embedding, error)) ([]*Embedding, error) {
	out := make([]*Embedding, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if cache != nil {
			if emb, ok := cache.Get(CacheKey(model, text)); ok {
				out[i] = emb
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := fetch(missing)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(missing) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d inputs", len(fetched), len(missing))
	}

	for j, emb := range fetched {
		key := CacheKey(model, missing[j])
		emb.Key = key
		if cache != nil {
			cache.Set(key, emb)
		}
		out[missingIdx[j]] = emb
	}
	return out, nil
}
