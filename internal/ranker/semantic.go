package ranker

import (
	"context"
	"fmt"
	"math"

	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/embedcache"
	"github.com/dshills/lyricmatch/internal/embedder"
	"github.com/dshills/lyricmatch/pkg/types"
)

// Semantic ranks songs by cosine similarity between the query embedding and
// cached corpus embeddings
type Semantic struct {
	cache    *embedcache.Cache
	embedder embedder.Embedder
	minScore float64
}

// NewSemantic creates a semantic ranker. Songs scoring below minScore are
// dropped.
func NewSemantic(cache *embedcache.Cache, emb embedder.Embedder, minScore float64) *Semantic {
	return &Semantic{cache: cache, embedder: emb, minScore: minScore}
}

// Rank embeds the cleaned query with model and scores every song in snap.
// The result is sorted but not truncated.
func (s *Semantic) Rank(ctx context.Context, snap *corpus.Snapshot, cleaned, model string) ([]types.RankedMatch, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: semantic ranking requires an embedding model", ErrEngineMisconfigured)
	}
	if s.embedder == nil || s.cache == nil {
		return nil, fmt.Errorf("%w: no embedding provider configured", ErrEngineMisconfigured)
	}
	if cleaned == "" || snap.Len() == 0 {
		return nil, nil
	}

	entry, err := s.cache.Vectors(ctx, snap, model, s.embedder)
	if err != nil {
		return nil, unavailable(ctx, err)
	}
	emb, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: cleaned, Model: model})
	if err != nil {
		return nil, unavailable(ctx, err)
	}
	if len(emb.Vector) != entry.Dimension && len(entry.Vectors) > 0 {
		return nil, fmt.Errorf("%w: %w: query has %d dimensions, corpus has %d",
			ErrEmbeddingUnavailable, embedder.ErrDimensionMismatch, len(emb.Vector), entry.Dimension)
	}

	queryNorm := norm(emb.Vector)
	if queryNorm == 0 {
		return nil, nil
	}

	var matches []types.RankedMatch
	for i, v := range entry.Vectors {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		score := clamp01(cosine(emb.Vector, v, queryNorm))
		if score < s.minScore || score == 0 {
			continue
		}
		m := newMatch(snap.Songs[i], score, types.MatchNeural)
		m.SemanticScore = types.Float(score)
		matches = append(matches, m)
	}
	types.SortMatches(matches)
	return matches, nil
}

// unavailable wraps provider failures. Cancellation is passed through so
// callers can tell it from an outage.
func unavailable(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
}

func norm(v []float32) float64 {
	sum := 0.0
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(query, doc []float32, queryNorm float64) float64 {
	dot, docSum := 0.0, 0.0
	for i, x := range doc {
		dot += float64(query[i]) * float64(x)
		docSum += float64(x) * float64(x)
	}
	if docSum == 0 {
		return 0
	}
	return dot / (queryNorm * math.Sqrt(docSum))
}
