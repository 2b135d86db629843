package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrInvalidInput is returned for a malformed batch
	ErrInvalidInput = errors.New("invalid input")
	// ErrProviderFailed wraps every failure reported by an embedding service
	ErrProviderFailed = errors.New("embedding provider failed")
	// ErrUnsupportedModel is returned for a provider or model that cannot be served
	ErrUnsupportedModel = errors.New("unsupported model")
	// ErrEmptyText is returned when a lyric or transcript is empty
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize
	ErrBatchTooLarge = errors.New("batch size exceeds limit")
	// ErrNoProviderEnabled is returned when a remote provider has no API key
	ErrNoProviderEnabled = errors.New("no embedding provider configured")
	// ErrDimensionMismatch is returned when a query vector cannot be compared
	// with the corpus vectors it is ranked against
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// DefaultCacheSize is the number of vectors a Cache keeps when unsized
const DefaultCacheSize = 10000

// Embedding is the vector for one lyric text under one model
type Embedding struct {
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
	Key       string // CacheKey(Model, text)
}

// EmbeddingRequest embeds a single text, typically a normalized transcript
type EmbeddingRequest struct {
	Text  string
	Model string // public model identifier, empty for the provider default
}

// BatchEmbeddingRequest embeds many texts, typically a slice of the corpus
type BatchEmbeddingRequest struct {
	Texts []string
	Model string
}

// BatchEmbeddingResponse holds one embedding per requested text, in order
type BatchEmbeddingResponse struct {
	Embeddings []*Embedding
	Provider   string
	Model      string
}

// Vectors returns the raw vectors in request order
func (r *BatchEmbeddingResponse) Vectors() [][]float32 {
	out := make([][]float32, len(r.Embeddings))
	for i, e := range r.Embeddings {
		out[i] = e.Vector
	}
	return out
}

// Embedder turns lyrics and transcripts into vectors. Requests name a model
// by its public identifier (all-MiniLM-L6-v2, all-mpnet-base-v2, ...) and
// each provider maps it to a model it can serve.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error)

	// GenerateBatch returns embeddings in request order
	GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)

	// Dimension is the vector size of the default model
	Dimension() int
	Provider() string
	Model() string
	Close() error
}

// Cache keeps recently embedded texts so a repeated transcript or an
// unchanged song costs no provider call. Safe for concurrent use.
type Cache struct {
	entries *lru.Cache[string, *Embedding]
}

// NewCache creates a cache holding up to size vectors
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, *Embedding](size)
	if err != nil {
		panic(fmt.Sprintf("embedder: lru with size %d: %v", size, err))
	}
	return &Cache{entries: entries}
}

// Get returns a copy of the cached embedding, so callers may normalize or
// scale the vector in place
func (c *Cache) Get(key string) (*Embedding, bool) {
	emb, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	out := *emb
	out.Vector = slices.Clone(emb.Vector)
	return &out, true
}

// Set stores emb, evicting the least recently used entry when full
func (c *Cache) Set(key string, emb *Embedding) {
	c.entries.Add(key, emb)
}

// Len reports how many vectors are cached
func (c *Cache) Len() int {
	return c.entries.Len()
}

// CacheKey identifies text under model. The same lyric line embedded by two
// models never shares an entry.
func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return model + ":" + hex.EncodeToString(sum[:])
}

// ValidateRequest rejects an empty text
func ValidateRequest(req EmbeddingRequest) error {
	if req.Text == "" {
		return ErrEmptyText
	}
	return nil
}

// ValidateBatchRequest rejects an empty batch or any empty text in it.
// Songs without lyrics must be filtered out before embedding.
func ValidateBatchRequest(req BatchEmbeddingRequest) error {
	if len(req.Texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}
	if i := slices.Index(req.Texts, ""); i >= 0 {
		return fmt.Errorf("%w: text at index %d is empty", ErrInvalidInput, i)
	}
	return nil
}
