package embedder

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/dshills/lyricmatch/internal/normalize"
)

const (
	// LocalDimension is the output size for MiniLM-sized models
	LocalDimension = 384
	// LocalWideDimension is the output size for mpnet-sized models
	LocalWideDimension = 768
)

// LocalProvider is an offline embedder based on feature hashing. Content
// words and adjacent word pairs are hashed into signed buckets and the
// result is L2-normalized, so texts sharing vocabulary have high cosine
// similarity. It needs no network and is fully deterministic.
type LocalProvider struct {
	model string
	cache *Cache
}

// NewLocalProvider creates a new local embedder
func NewLocalProvider(cache *Cache) (*LocalProvider, error) {
	return &LocalProvider{
		model: "all-MiniLM-L6-v2",
		cache: cache,
	}, nil
}

// LocalModelDimension returns the vector size the local provider emits for model
func LocalModelDimension(model string) int {
	if strings.Contains(strings.ToLower(model), "mpnet") {
		return LocalWideDimension
	}
	return LocalDimension
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = l.model
	}

	key := CacheKey(model, req.Text)
	if l.cache != nil {
		if emb, ok := l.cache.Get(key); ok {
			return emb, nil
		}
	}

	dim := LocalModelDimension(model)
	emb := &Embedding{
		Vector:    hashEmbed(req.Text, model, dim),
		Dimension: dim,
		Provider:  ProviderLocal,
		Model:     model,
		Key:       key,
	}

	if l.cache != nil {
		l.cache.Set(key, emb)
	}
	return emb, nil
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text, Model: req.Model})
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		embeddings[i] = emb
	}

	model := req.Model
	if model == "" {
		model = l.model
	}
	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      model,
	}, nil
}

func (l *LocalProvider) Dimension() int {
	return LocalModelDimension(l.model)
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}

// hashEmbed seeds the hash with the model name so different models produce
// unrelated vector spaces
func hashEmbed(text, model string, dim int) []float32 {
	_, tokens := normalize.Text(text)
	content := normalize.ContentTokens(tokens)
	if len(content) == 0 {
		content = tokens
	}

	vector := make([]float32, dim)
	add := func(feature string, weight float32) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(model))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(feature))
		sum := h.Sum64()
		bucket := int(sum % uint64(dim))
		if sum&(1<<63) != 0 {
			weight = -weight
		}
		vector[bucket] += weight
	}

	for i, tok := range content {
		add(tok, 1)
		if i > 0 {
			add(content[i-1]+" "+tok, 0.5)
		}
	}

	return NormalizeVector(vector)
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}
