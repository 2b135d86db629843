package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lyricmatch/internal/policy"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lyricmatch.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, policy.DefaultTable(), cfg.TierTable())
	assert.Equal(t, "sqlite", cfg.Cache.Backend)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: /tmp/lm.db
jobs:
  workers: 8
  stall_timeout: 30s
  retry_once: true
ranking:
  top_k: 10
  hybrid_weight: 0.5
tiers:
  free:
    speech_models: [tiny]
    engines: [tfidf]
    max_upload_bytes: 1048576
    max_clip_duration: 15s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/lm.db", cfg.Storage.Path)
	assert.Equal(t, 8, cfg.Jobs.Workers)
	assert.Equal(t, 30*time.Second, cfg.Jobs.StallTimeout)
	assert.True(t, cfg.Jobs.RetryOnce)
	assert.Equal(t, 10, cfg.Ranking.TopK)
	assert.Equal(t, 0.5, cfg.Ranking.HybridWeight)
	assert.Equal(t, 64, cfg.Jobs.QueueSize, "unset fields keep defaults")

	table := cfg.TierTable()
	require.Contains(t, table, policy.TierFree)
	assert.NotContains(t, table, policy.TierPremium)
	assert.Equal(t, 15*time.Second, table[policy.TierFree].MaxClipDuration)
	assert.Equal(t, []policy.SpeechModel{policy.SpeechTiny}, table[policy.TierFree].SpeechModels)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"LYRICMATCH_DB_PATH":            "/data/songs.db",
		"LYRICMATCH_WORKERS":            "2",
		"LYRICMATCH_STALL_TIMEOUT":      "45s",
		"LYRICMATCH_HYBRID_WEIGHT":      "0.9",
		"LYRICMATCH_RETRY_ONCE":         "true",
		"LYRICMATCH_ALLOWED_ORIGINS":    "http://a.test, http://b.test",
		"LYRICMATCH_EMBEDDING_PROVIDER": "openai",
		"OPENAI_API_KEY":                "sk-test",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, "/data/songs.db", cfg.Storage.Path)
	assert.Equal(t, 2, cfg.Jobs.Workers)
	assert.Equal(t, 45*time.Second, cfg.Jobs.StallTimeout)
	assert.Equal(t, 0.9, cfg.Ranking.HybridWeight)
	assert.True(t, cfg.Jobs.RetryOnce)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
}

func TestEnvOverridesRejectBadValues(t *testing.T) {
	env := map[string]string{
		"LYRICMATCH_WORKERS":       "many",
		"LYRICMATCH_STALL_TIMEOUT": "soon",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) string { return env[k] })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LYRICMATCH_WORKERS")
	assert.Contains(t, err.Error(), "LYRICMATCH_STALL_TIMEOUT")
	assert.Equal(t, 4, cfg.Jobs.Workers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"no workers", func(c *Config) { c.Jobs.Workers = 0 }, "jobs.workers"},
		{"bad weight", func(c *Config) { c.Ranking.HybridWeight = 1.2 }, "hybrid_weight"},
		{"bad top k", func(c *Config) { c.Ranking.TopK = 500 }, "top_k"},
		{"bad backend", func(c *Config) { c.Cache.Backend = "redis" }, "cache.backend"},
		{"file without dir", func(c *Config) { c.Cache.Backend, c.Cache.Dir = "file", "" }, "cache.dir"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"neural without models", func(c *Config) {
			c.Tiers = policy.Table{"pro": {
				Engines:         []policy.Engine{policy.EngineNeural},
				MaxUploadBytes:  1,
				MaxClipDuration: time.Second,
			}}
		}, "no embedding models"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
