package ranker

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/embedcache"
	"github.com/dshills/lyricmatch/internal/embedder"
	"github.com/dshills/lyricmatch/internal/normalize"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/pkg/types"
)

var (
	// ErrEngineMisconfigured is returned for an unknown engine, a missing
	// embedding model or an invalid hybrid weight
	ErrEngineMisconfigured = errors.New("ranking engine misconfigured")
	// ErrEmbeddingUnavailable wraps embedding provider failures
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")
)

const (
	DefaultTopK               = 5
	MaxTopK                   = 100
	DefaultFuzzyFallbackBelow = 0.25
	DefaultMinSemanticScore   = 0.2
	DefaultResultCacheSize    = 1000
	DefaultResultTTL          = time.Hour
)

// Request is one ranking query. Tokens may be supplied when the caller has
// already normalized the query; otherwise Query is normalized.
type Request struct {
	Query          string
	Tokens         []string
	TopK           int
	EmbeddingModel string
	HybridWeight   *float64 // Nil selects the configured default
	UseCache       bool
}

// Response contains ranked matches and metadata
type Response struct {
	Matches    []types.RankedMatch
	Engine     policy.Engine
	Duration   time.Duration
	Candidates int // Scored songs before truncation to TopK
	CacheHit   bool
}

// Options tunes the rankers. Zero values select defaults.
type Options struct {
	FuzzyFallbackBelow float64
	MinSemanticScore   float64
	HybridWeight       *float64
	IndexCacheSize     int
	ResultCacheSize    int
	ResultTTL          time.Duration
}

// cacheEntry represents a cached response with expiration time
type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// Ranker dispatches queries to the engine a job or request selects
type Ranker struct {
	lexical  *Lexical
	semantic *Semantic
	hybrid   *Hybrid
	weight   float64
	ttl      time.Duration
	cache    *lru.Cache[[32]byte, *cacheEntry]
	cacheMu  sync.RWMutex
}

// New creates a ranker. cache and emb may be nil when only the tfidf
// engine is used.
func New(cache *embedcache.Cache, emb embedder.Embedder, opts *Options) *Ranker {
	if opts == nil {
		opts = &Options{}
	}
	fallback := opts.FuzzyFallbackBelow
	if fallback <= 0 {
		fallback = DefaultFuzzyFallbackBelow
	}
	minScore := opts.MinSemanticScore
	if minScore <= 0 {
		minScore = DefaultMinSemanticScore
	}
	weight := DefaultHybridWeight
	if opts.HybridWeight != nil {
		weight = *opts.HybridWeight
	}
	size := opts.ResultCacheSize
	if size <= 0 {
		size = DefaultResultCacheSize
	}
	ttl := opts.ResultTTL
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}

	results, err := lru.New[[32]byte, *cacheEntry](size)
	if err != nil {
		// This should never happen with valid size parameter
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}

	lexical := NewLexical(fallback, opts.IndexCacheSize)
	semantic := NewSemantic(cache, emb, minScore)
	return &Ranker{
		lexical:  lexical,
		semantic: semantic,
		hybrid:   NewHybrid(lexical, semantic),
		weight:   weight,
		ttl:      ttl,
		cache:    results,
	}
}

// Rank scores req against snap with engine
func (r *Ranker) Rank(ctx context.Context, snap *corpus.Snapshot, engine policy.Engine, req Request) (*Response, error) {
	startTime := time.Now()
	if snap == nil {
		return nil, corpus.ErrNoSnapshot
	}

	cleaned, tokens := prepare(req)
	k := req.TopK
	if k <= 0 {
		k = DefaultTopK
	}
	if k > MaxTopK {
		k = MaxTopK
	}
	weight := r.weight
	if req.HybridWeight != nil {
		weight = *req.HybridWeight
	}

	key := computeQueryHash(snap.ID, engine, req.EmbeddingModel, weight, cleaned, k)
	if req.UseCache {
		if cached, ok := r.checkCache(key); ok {
			cached.CacheHit = true
			cached.Duration = time.Since(startTime)
			return cached, nil
		}
	}

	if !knownEngine(engine) {
		return nil, fmt.Errorf("%w: unknown engine %q", ErrEngineMisconfigured, engine)
	}
	if len(normalize.ContentTokens(tokens)) == 0 {
		// nothing but stop words or punctuation carries no signal
		return &Response{Engine: engine, Duration: time.Since(startTime)}, nil
	}

	var (
		matches []types.RankedMatch
		err     error
	)
	switch engine {
	case policy.EngineTFIDF:
		matches, err = r.lexical.Rank(ctx, snap, tokens, k)
	case policy.EngineNeural:
		matches, err = r.semantic.Rank(ctx, snap, cleaned, req.EmbeddingModel)
	case policy.EngineHybrid:
		if req.EmbeddingModel == "" {
			return nil, fmt.Errorf("%w: hybrid ranking requires an embedding model", ErrEngineMisconfigured)
		}
		matches, err = r.hybrid.Rank(ctx, snap, cleaned, tokens, req.EmbeddingModel, weight, k)
	default:
		return nil, fmt.Errorf("%w: unknown engine %q", ErrEngineMisconfigured, engine)
	}
	if err != nil {
		return nil, err
	}

	candidates := len(matches)
	matches = truncate(matches, k)
	decorate(snap, matches, tokens)

	response := &Response{
		Matches:    matches,
		Engine:     engine,
		Duration:   time.Since(startTime),
		Candidates: candidates,
	}
	if req.UseCache && len(matches) > 0 {
		r.storeInCache(key, response)
	}
	return response, nil
}

// Warm prepares per-snapshot state. It matches corpus.ReloadFunc.
func (r *Ranker) Warm(_ context.Context, snap *corpus.Snapshot) {
	if snap == nil {
		return
	}
	r.lexical.Warm(snap)
	r.InvalidateCache()
}

func knownEngine(engine policy.Engine) bool {
	switch engine {
	case policy.EngineTFIDF, policy.EngineNeural, policy.EngineHybrid:
		return true
	}
	return false
}

func prepare(req Request) (string, []string) {
	if req.Tokens != nil {
		return strings.Join(req.Tokens, " "), req.Tokens
	}
	return normalize.Text(req.Query)
}

// decorate fills match evidence for the returned page only
func decorate(snap *corpus.Snapshot, matches []types.RankedMatch, tokens []string) {
	for i := range matches {
		song, _, ok := snap.Lookup(matches[i].SongID)
		if !ok {
			continue
		}
		docTokens := song.Tokens
		if docTokens == nil {
			docTokens = normalize.Tokenize(song.LyricsNormalized)
		}
		matches[i].MatchedPhraseCount = normalize.MatchedPhraseCount(tokens, song.LyricsNormalized)
		matches[i].MatchPercentage = normalize.MatchPercentage(tokens, docTokens)
	}
}

// checkCache looks up a cached response
func (r *Ranker) checkCache(key [32]byte) (*Response, bool) {
	now := time.Now()

	r.cacheMu.RLock()
	entry, found := r.cache.Get(key)
	if !found {
		r.cacheMu.RUnlock()
		return nil, false
	}

	if now.After(entry.expiresAt) {
		r.cacheMu.RUnlock()

		r.cacheMu.Lock()
		r.cache.Remove(key)
		r.cacheMu.Unlock()
		return nil, false
	}

	response := copyResponse(entry.response)
	r.cacheMu.RUnlock()
	return response, true
}

func (r *Ranker) storeInCache(key [32]byte, response *Response) {
	entry := &cacheEntry{
		response:  copyResponse(response),
		expiresAt: time.Now().Add(r.ttl),
	}
	r.cacheMu.Lock()
	r.cache.Add(key, entry)
	r.cacheMu.Unlock()
}

// InvalidateCache drops every cached response
func (r *Ranker) InvalidateCache() {
	r.cacheMu.Lock()
	r.cache.Purge()
	r.cacheMu.Unlock()
}

// copyResponse creates a deep copy of a Response
func copyResponse(src *Response) *Response {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Matches = make([]types.RankedMatch, len(src.Matches))
	for i, m := range src.Matches {
		dst.Matches[i] = m
		if m.LexicalScore != nil {
			dst.Matches[i].LexicalScore = types.Float(*m.LexicalScore)
		}
		if m.SemanticScore != nil {
			dst.Matches[i].SemanticScore = types.Float(*m.SemanticScore)
		}
	}
	return &dst
}

// computeQueryHash computes a unique hash for a ranking request
func computeQueryHash(snapshotID int64, engine policy.Engine, model string, weight float64, cleaned string, k int) [32]byte {
	var data strings.Builder
	fmt.Fprintf(&data, "%d|%s|%s|%.4f|%d|", snapshotID, engine, model, weight, k)
	data.WriteString(cleaned)
	return sha256.Sum256([]byte(data.String()))
}
