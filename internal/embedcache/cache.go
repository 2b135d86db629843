package embedcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/embedder"
)

const (
	// DefaultMemoryEntries is the number of entries kept in memory
	DefaultMemoryEntries = 8
	// DefaultBuildConcurrency is the number of embedding batches in flight
	DefaultBuildConcurrency = 4
	// DefaultBuildTimeout bounds one corpus embedding build
	DefaultBuildTimeout = 15 * time.Minute
)

// Options configures a Cache
type Options struct {
	MemoryEntries    int
	BatchSize        int
	BuildConcurrency int
	// BuildTimeout bounds a build independently of the callers waiting on it
	BuildTimeout time.Duration
	Logger       *slog.Logger
}

// Stats are cumulative cache counters
type Stats struct {
	MemoryHits  int64 `json:"memory_hits"`
	BackendHits int64 `json:"backend_hits"`
	Misses      int64 `json:"misses"`
	Builds      int64 `json:"builds"`
	Corrupt     int64 `json:"corrupt"`
	Pruned      int64 `json:"pruned"`
}

// Cache resolves corpus embeddings through an in-memory tier, a durable
// backend and finally the embedder. Concurrent requests for one key share a
// single build.
type Cache struct {
	backend      Backend
	memory       *lru.Cache[Key, *Entry]
	group        singleflight.Group
	batchSize    int
	concurrency  int
	buildTimeout time.Duration
	logger       *slog.Logger

	memoryHits  atomic.Int64
	backendHits atomic.Int64
	misses      atomic.Int64
	builds      atomic.Int64
	corrupt     atomic.Int64
	pruned      atomic.Int64
}

// New creates a cache. A nil backend keeps entries in memory only.
func New(backend Backend, opts *Options) *Cache {
	if opts == nil {
		opts = &Options{}
	}
	size := opts.MemoryEntries
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	memory, err := lru.New[Key, *Entry](size)
	if err != nil {
		memory, _ = lru.New[Key, *Entry](DefaultMemoryEntries)
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = embedder.DefaultBatchSize
	}
	if batch > embedder.MaxBatchSize {
		batch = embedder.MaxBatchSize
	}
	conc := opts.BuildConcurrency
	if conc <= 0 {
		conc = DefaultBuildConcurrency
	}
	timeout := opts.BuildTimeout
	if timeout <= 0 {
		timeout = DefaultBuildTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		backend:      backend,
		memory:       memory,
		batchSize:    batch,
		concurrency:  conc,
		buildTimeout: timeout,
		logger:       logger,
	}
}

// Vectors returns the embeddings of every song in snap under modelID,
// building and storing them on a miss
func (c *Cache) Vectors(ctx context.Context, snap *corpus.Snapshot, modelID string, emb embedder.Embedder) (*Entry, error) {
	if snap == nil {
		return nil, corpus.ErrNoSnapshot
	}
	key := Key{SnapshotID: snap.ID, ModelID: modelID}

	if e, ok := c.memory.Get(key); ok {
		if err := e.Verify(snap); err == nil {
			c.memoryHits.Add(1)
			return e, nil
		}
		c.memory.Remove(key)
	}

	if e, ok := c.loadVerified(ctx, key, snap); ok {
		c.backendHits.Add(1)
		c.memory.Add(key, e)
		return e, nil
	}

	c.misses.Add(1)
	// The build is shared by every caller of this key, so it must not die
	// with whichever caller happened to start it. Each caller stops waiting
	// on its own context instead.
	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		// a concurrent builder may have finished while we were loading
		if e, ok := c.memory.Get(key); ok && e.Verify(snap) == nil {
			return e, nil
		}
		bctx, cancel := context.WithTimeout(buildCtx, c.buildTimeout)
		defer cancel()
		return c.build(bctx, key, snap, emb)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	}
}

// loadVerified reads key from the backend. A corrupt or mismatched entry is
// deleted so it can be rebuilt.
func (c *Cache) loadVerified(ctx context.Context, key Key, snap *corpus.Snapshot) (*Entry, bool) {
	if c.backend == nil {
		return nil, false
	}
	e, err := c.backend.Load(ctx, key)
	if err == nil {
		err = e.Verify(snap)
	}
	switch {
	case err == nil:
		return e, true
	case errors.Is(err, ErrNotFound):
		return nil, false
	case errors.Is(err, ErrCorrupt), errors.Is(err, ErrMismatch):
		c.corrupt.Add(1)
		c.logger.Warn("discarding invalid embedding cache entry", "key", key.String(), "error", err)
		if derr := c.backend.Delete(ctx, key); derr != nil {
			c.logger.Warn("failed to delete embedding cache entry", "key", key.String(), "error", derr)
		}
		return nil, false
	default:
		c.logger.Warn("embedding cache backend read failed", "key", key.String(), "error", err)
		return nil, false
	}
}

func (c *Cache) build(ctx context.Context, key Key, snap *corpus.Snapshot, emb embedder.Embedder) (*Entry, error) {
	if emb == nil {
		return nil, embedder.ErrNoProviderEnabled
	}
	start := time.Now()
	c.builds.Add(1)

	texts := embeddingTexts(snap)
	vectors := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for offset := 0; offset < len(texts); offset += c.batchSize {
		end := min(offset+c.batchSize, len(texts))
		g.Go(func() error {
			resp, err := emb.GenerateBatch(gctx, embedder.BatchEmbeddingRequest{
				Texts: texts[offset:end],
				Model: key.ModelID,
			})
			if err != nil {
				return fmt.Errorf("embedding songs %d-%d: %w", offset, end-1, err)
			}
			batch := resp.Vectors()
			if len(batch) != end-offset {
				return fmt.Errorf("%w: got %d embeddings for %d texts", embedder.ErrProviderFailed, len(batch), end-offset)
			}
			copy(vectors[offset:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := emb.Dimension()
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: song %d has dimension %d, want %d", embedder.ErrDimensionMismatch, i, len(v), dim)
		}
	}

	entry := &Entry{
		Key:       key,
		Checksum:  snap.Checksum,
		Dimension: dim,
		Vectors:   vectors,
		CreatedAt: time.Now().UTC(),
	}

	if c.backend != nil {
		err := c.backend.Store(ctx, entry)
		switch {
		case errors.Is(err, ErrExists):
			// another writer won; prefer its entry when it verifies
			if stored, ok := c.loadVerified(ctx, key, snap); ok {
				entry = stored
			}
		case err != nil:
			c.logger.Warn("failed to persist embedding cache entry", "key", key.String(), "error", err)
		}
	}

	c.memory.Add(key, entry)
	c.logger.Info("built corpus embeddings",
		"snapshot_id", key.SnapshotID,
		"model", key.ModelID,
		"songs", len(vectors),
		"dimension", dim,
		"duration", time.Since(start))
	return entry, nil
}

// embeddingTexts returns normalized lyrics in snapshot order. Providers
// reject empty input, so a song whose lyrics normalize to nothing is
// embedded by its title.
func embeddingTexts(snap *corpus.Snapshot) []string {
	texts := snap.Texts()
	for i, t := range texts {
		if strings.TrimSpace(t) != "" {
			continue
		}
		s := snap.Songs[i]
		texts[i] = strings.TrimSpace(s.Title + " " + s.Artist)
		if texts[i] == "" {
			texts[i] = s.ID
		}
	}
	return texts
}

// OnSnapshot drops entries for every snapshot other than snap. It matches
// corpus.ReloadFunc.
func (c *Cache) OnSnapshot(ctx context.Context, snap *corpus.Snapshot) {
	if snap == nil {
		return
	}
	for _, k := range c.memory.Keys() {
		if k.SnapshotID != snap.ID {
			c.memory.Remove(k)
		}
	}
	if c.backend == nil {
		return
	}
	n, err := c.backend.Prune(ctx, snap.ID)
	if err != nil {
		c.logger.Warn("failed to prune embedding cache", "snapshot_id", snap.ID, "error", err)
		return
	}
	c.pruned.Add(int64(n))
	if n > 0 {
		c.logger.Info("pruned embedding cache", "snapshot_id", snap.ID, "removed", n)
	}
}

// Stats returns a copy of the counters
func (c *Cache) Stats() Stats {
	return Stats{
		MemoryHits:  c.memoryHits.Load(),
		BackendHits: c.backendHits.Load(),
		Misses:      c.misses.Load(),
		Builds:      c.builds.Load(),
		Corrupt:     c.corrupt.Load(),
		Pruned:      c.pruned.Load(),
	}
}
