package embedder

import (
	"fmt"
	"strings"
	"time"
)

// Config holds embedder configuration
type Config struct {
	Provider          string            `yaml:"provider"`
	APIKey            string            `yaml:"api_key"`
	Endpoint          string            `yaml:"endpoint"`
	CacheSize         int               `yaml:"cache_size"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	Timeout           time.Duration     `yaml:"timeout"`
	ModelAliases      map[string]string `yaml:"model_aliases"`
}

// New creates the embedder named by cfg.Provider. ModelAliases are merged
// over the provider's default aliases.
func New(cfg Config) (Embedder, error) {
	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}

	var opts []HTTPOption
	if cfg.Endpoint != "" {
		opts = append(opts, WithEndpoint(cfg.Endpoint))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithRequestTimeout(cfg.Timeout))
	}
	if cfg.RequestsPerSecond > 0 {
		opts = append(opts, WithRateLimit(cfg.RequestsPerSecond))
	}
	if len(cfg.ModelAliases) > 0 {
		opts = append(opts, WithModelAliases(cfg.ModelAliases))
	}

	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case ProviderJina:
		return NewJinaProvider(cfg.APIKey, cache, opts...)
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.APIKey, cache, opts...)
	case ProviderOllama:
		return NewOllamaProvider(cache, opts...), nil
	case ProviderLocal, "":
		return NewLocalProvider(cache)
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}
