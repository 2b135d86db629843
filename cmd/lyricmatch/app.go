package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/lyricmatch/internal/audio"
	"github.com/dshills/lyricmatch/internal/config"
	"github.com/dshills/lyricmatch/internal/corpus"
	"github.com/dshills/lyricmatch/internal/embedcache"
	"github.com/dshills/lyricmatch/internal/embedder"
	"github.com/dshills/lyricmatch/internal/jobs"
	"github.com/dshills/lyricmatch/internal/pipeline"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/ranker"
	"github.com/dshills/lyricmatch/internal/storage"
	"github.com/dshills/lyricmatch/internal/transcriber"
)

// app holds the wired services shared by the subcommands
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db     *storage.SQLiteStorage
	corpus *corpus.Store
	cache  *embedcache.Cache
	emb    embedder.Embedder
	ranker *ranker.Ranker
	policy *policy.Policy
}

// newLogger builds the slog handler described by the log section. Output
// always goes to stderr so stdout stays free for results and MCP traffic.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openApp loads configuration, opens the database and publishes the first
// corpus snapshot. An empty corpus is not an error.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if dir := filepath.Dir(cfg.Storage.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, db: db, policy: policy.New(cfg.TierTable())}
	if err := a.wire(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := a.corpus.Reload(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("loading corpus: %w", err)
	}
	return a, nil
}

func (a *app) wire() error {
	backend, err := a.cacheBackend()
	if err != nil {
		return err
	}
	a.cache = embedcache.New(backend, &embedcache.Options{
		MemoryEntries:    a.cfg.Cache.MemoryEntries,
		BatchSize:        a.cfg.Cache.BatchSize,
		BuildConcurrency: a.cfg.Cache.BuildConcurrency,
		BuildTimeout:     a.cfg.Cache.BuildTimeout,
		Logger:           a.logger,
	})

	a.emb, err = embedder.New(a.cfg.Embedding)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}

	weight := a.cfg.Ranking.HybridWeight
	a.ranker = ranker.New(a.cache, a.emb, &ranker.Options{
		FuzzyFallbackBelow: a.cfg.Ranking.FuzzyFallbackBelow,
		MinSemanticScore:   a.cfg.Ranking.MinSemanticScore,
		HybridWeight:       &weight,
		ResultCacheSize:    a.cfg.Ranking.ResultCacheSize,
		ResultTTL:          a.cfg.Ranking.ResultTTL,
	})

	a.corpus = corpus.NewStore(a.db, a.logger)
	a.corpus.OnReload(a.cache.OnSnapshot)
	a.corpus.OnReload(a.ranker.Warm)
	return nil
}

// cacheBackend returns nil for the memory backend
func (a *app) cacheBackend() (embedcache.Backend, error) {
	switch a.cfg.Cache.Backend {
	case "sqlite", "":
		return embedcache.NewSQLBackend(a.db), nil
	case "file":
		b, err := embedcache.NewFileBackend(a.cfg.Cache.Dir)
		if err != nil {
			return nil, fmt.Errorf("opening embedding cache: %w", err)
		}
		return b, nil
	case "memory":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", a.cfg.Cache.Backend)
	}
}

// newPipeline builds the job stages. A non-nil tr replaces the HTTP
// transcriber.
func (a *app) newPipeline(tr transcriber.Transcriber) *pipeline.Pipeline {
	decoder := audio.NewAutoDecoder()
	decoder.FFmpeg.Binary = a.cfg.Audio.FFmpegPath
	if a.cfg.Audio.FFmpegTimeout > 0 {
		decoder.FFmpeg.Timeout = a.cfg.Audio.FFmpegTimeout
	}
	if tr == nil {
		tr = transcriber.NewHTTP(a.cfg.Transcriber)
	}
	return pipeline.New(decoder, tr, a.ranker, a.corpus, a.policy)
}

// newOrchestrator creates and starts the job orchestrator
func (a *app) newOrchestrator(ctx context.Context, tr transcriber.Transcriber) *jobs.Orchestrator {
	o := jobs.New(a.policy, a.newPipeline(tr), &jobs.Options{
		Workers:        a.cfg.Jobs.Workers,
		QueueSize:      a.cfg.Jobs.QueueSize,
		StallTimeout:   a.cfg.Jobs.StallTimeout,
		Retention:      a.cfg.Jobs.Retention,
		StoreRetention: a.cfg.Jobs.StoreRetention,
		RetryOnce:      a.cfg.Jobs.RetryOnce,
		TopK:           a.cfg.Ranking.TopK,
		Store:          a.db,
		Logger:         a.logger,
	})
	o.Start(ctx)
	return o
}

// Close releases the embedder and the database
func (a *app) Close() error {
	var errs []error
	if a.emb != nil {
		errs = append(errs, a.emb.Close())
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}
