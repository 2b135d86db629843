// Package config loads lyricmatch settings from a YAML file, a .env file and
// LYRICMATCH_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dshills/lyricmatch/internal/embedder"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/internal/transcriber"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "LYRICMATCH_"

// Config is the full application configuration
type Config struct {
	Storage     StorageConfig      `yaml:"storage"`
	Cache       CacheConfig        `yaml:"cache"`
	Jobs        JobsConfig         `yaml:"jobs"`
	Ranking     RankingConfig      `yaml:"ranking"`
	Embedding   embedder.Config    `yaml:"embedding"`
	Transcriber transcriber.Config `yaml:"transcriber"`
	Audio       AudioConfig        `yaml:"audio"`
	HTTP        HTTPConfig         `yaml:"http"`
	Log         LogConfig          `yaml:"log"`
	// Tiers replaces the built-in tier table when set
	Tiers policy.Table `yaml:"tiers"`
}

// StorageConfig locates the SQLite database
type StorageConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig selects where corpus embeddings are persisted
type CacheConfig struct {
	// Backend is "sqlite" (the main database), "file" or "memory"
	Backend          string        `yaml:"backend"`
	Dir              string        `yaml:"dir"`
	MemoryEntries    int           `yaml:"memory_entries"`
	BatchSize        int           `yaml:"batch_size"`
	BuildConcurrency int           `yaml:"build_concurrency"`
	BuildTimeout     time.Duration `yaml:"build_timeout"`
}

// JobsConfig tunes the orchestrator
type JobsConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	StallTimeout   time.Duration `yaml:"stall_timeout"`
	Retention      time.Duration `yaml:"retention"`
	StoreRetention time.Duration `yaml:"store_retention"`
	RetryOnce      bool          `yaml:"retry_once"`
}

// RankingConfig tunes the rankers
type RankingConfig struct {
	TopK               int           `yaml:"top_k"`
	HybridWeight       float64       `yaml:"hybrid_weight"`
	FuzzyFallbackBelow float64       `yaml:"fuzzy_fallback_below"`
	MinSemanticScore   float64       `yaml:"min_semantic_score"`
	ResultCacheSize    int           `yaml:"result_cache_size"`
	ResultTTL          time.Duration `yaml:"result_ttl"`
}

// AudioConfig controls decoding
type AudioConfig struct {
	FFmpegPath    string        `yaml:"ffmpeg_path"`
	FFmpegTimeout time.Duration `yaml:"ffmpeg_timeout"`
}

// HTTPConfig controls the API server
type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// LogConfig controls the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns the built-in configuration
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Storage: StorageConfig{Path: filepath.Join(dataDir, "lyricmatch.db")},
		Cache: CacheConfig{
			Backend:          "sqlite",
			Dir:              filepath.Join(dataDir, "embeddings"),
			MemoryEntries:    4,
			BatchSize:        64,
			BuildConcurrency: 4,
			BuildTimeout:     15 * time.Minute,
		},
		Jobs: JobsConfig{
			Workers:        4,
			QueueSize:      64,
			StallTimeout:   2 * time.Minute,
			Retention:      time.Hour,
			StoreRetention: 7 * 24 * time.Hour,
		},
		Ranking: RankingConfig{
			TopK:               5,
			HybridWeight:       0.7,
			FuzzyFallbackBelow: 0.25,
			MinSemanticScore:   0.2,
			ResultCacheSize:    1000,
			ResultTTL:          time.Hour,
		},
		Embedding: embedder.Config{CacheSize: 10000},
		Transcriber: transcriber.Config{
			Timeout: 2 * time.Minute,
			Models:  transcriber.DefaultModelNames(),
		},
		Audio: AudioConfig{FFmpegPath: "ffmpeg", FFmpegTimeout: time.Minute},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
			ReadTimeout:    time.Minute,
			WriteTimeout:   time.Minute,
			PollInterval:   250 * time.Millisecond,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lyricmatch"
	}
	return filepath.Join(home, ".lyricmatch")
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file. A .env file in the working directory is
// loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays LYRICMATCH_* variables. Provider API keys fall back to
// the provider's conventional variable.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v := getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v := getenv(EnvPrefix + name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v := getenv(EnvPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("DB_PATH", &c.Storage.Path)
	str("CACHE_BACKEND", &c.Cache.Backend)
	str("CACHE_DIR", &c.Cache.Dir)
	integer("WORKERS", &c.Jobs.Workers)
	integer("QUEUE_SIZE", &c.Jobs.QueueSize)
	duration("STALL_TIMEOUT", &c.Jobs.StallTimeout)
	duration("JOB_RETENTION", &c.Jobs.Retention)
	boolean("RETRY_ONCE", &c.Jobs.RetryOnce)
	integer("TOP_K", &c.Ranking.TopK)
	float("HYBRID_WEIGHT", &c.Ranking.HybridWeight)
	str("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	str("EMBEDDING_ENDPOINT", &c.Embedding.Endpoint)
	str("EMBEDDING_API_KEY", &c.Embedding.APIKey)
	str("TRANSCRIBER_URL", &c.Transcriber.Endpoint)
	str("TRANSCRIBER_API_KEY", &c.Transcriber.APIKey)
	str("FFMPEG_PATH", &c.Audio.FFmpegPath)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	if v := getenv(EnvPrefix + "ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = splitList(v)
	}

	if c.Embedding.APIKey == "" {
		switch strings.ToLower(c.Embedding.Provider) {
		case embedder.ProviderOpenAI:
			c.Embedding.APIKey = getenv(embedder.EnvOpenAIAPIKey)
		case embedder.ProviderJina:
			c.Embedding.APIKey = getenv(embedder.EnvJinaAPIKey)
		}
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks value ranges and cross-field constraints
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	switch c.Cache.Backend {
	case "sqlite", "memory":
	case "file":
		if c.Cache.Dir == "" {
			errs = append(errs, errors.New("cache.dir is required for the file backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q must be sqlite, file or memory", c.Cache.Backend))
	}
	if c.Jobs.Workers < 1 {
		errs = append(errs, fmt.Errorf("jobs.workers must be at least 1, got %d", c.Jobs.Workers))
	}
	if c.Jobs.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("jobs.queue_size must be at least 1, got %d", c.Jobs.QueueSize))
	}
	if c.Jobs.StallTimeout <= 0 {
		errs = append(errs, errors.New("jobs.stall_timeout must be positive"))
	}
	if c.Jobs.Retention <= 0 {
		errs = append(errs, errors.New("jobs.retention must be positive"))
	}
	if c.Ranking.TopK < 1 || c.Ranking.TopK > 100 {
		errs = append(errs, fmt.Errorf("ranking.top_k must be between 1 and 100, got %d", c.Ranking.TopK))
	}
	if c.Ranking.HybridWeight < 0 || c.Ranking.HybridWeight > 1 {
		errs = append(errs, fmt.Errorf("ranking.hybrid_weight must be in [0, 1], got %v", c.Ranking.HybridWeight))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	for tier, caps := range c.Tiers {
		if caps.MaxUploadBytes <= 0 {
			errs = append(errs, fmt.Errorf("tiers.%s.max_upload_bytes must be positive", tier))
		}
		if caps.MaxClipDuration <= 0 {
			errs = append(errs, fmt.Errorf("tiers.%s.max_clip_duration must be positive", tier))
		}
		if len(caps.Engines) == 0 {
			errs = append(errs, fmt.Errorf("tiers.%s must allow at least one engine", tier))
		}
		for _, e := range caps.Engines {
			if e.RequiresEmbedding() && len(caps.EmbeddingModels) == 0 {
				errs = append(errs, fmt.Errorf("tiers.%s allows %s but no embedding models", tier, e))
			}
		}
	}
	return errors.Join(errs...)
}

// TierTable returns the configured tier table, or the built-in one
func (c *Config) TierTable() policy.Table {
	if len(c.Tiers) == 0 {
		return policy.DefaultTable()
	}
	return c.Tiers
}
