package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(2<<20), cfg.Server.MaxPayloadBytes)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, 100, cfg.RateLimit.PerMinute)
	assert.True(t, cfg.RateLimit.LocalFastPath)
	assert.Equal(t, 5, cfg.Breaker.Threshold)
	assert.Equal(t, 30, cfg.Breaker.TimeoutSecs)
	assert.Equal(t, 60, cfg.Breaker.WindowSecs)
	assert.Equal(t, 5, cfg.Pool.QueueTimeoutSecs)
	assert.Equal(t, 1000, cfg.Judge.MaxTokens)
	assert.Equal(t, 60, cfg.Judge.TimeoutSecs)
	assert.InDelta(t, 0.1, cfg.Judge.Temperature, 1e-9)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache.internal:6380/2")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "250")
	t.Setenv("CIRCUIT_BREAKER_THRESHOLD", "9")
	t.Setenv("CIRCUIT_BREAKER_TIMEOUT", "45")
	t.Setenv("LLM_TIMEOUT", "120")
	t.Setenv("MAX_PAYLOAD_SIZE", "1048576")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://cache.internal:6380/2", cfg.Redis.URL)
	assert.Equal(t, 250, cfg.RateLimit.PerMinute)
	assert.Equal(t, 9, cfg.Breaker.Threshold)
	assert.Equal(t, 45, cfg.Breaker.TimeoutSecs)
	assert.Equal(t, 120, cfg.Judge.TimeoutSecs)
	assert.Equal(t, int64(1048576), cfg.Server.MaxPayloadBytes)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDebugPromotesLogLevel(t *testing.T) {
	t.Setenv("DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level,
		"debug mode should promote the default log level")
}

func TestLoadDebugDoesNotOverrideExplicitLevel(t *testing.T) {
	t.Setenv("DEBUG", "true")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoadProvidersDefaultsOnEmptyPath(t *testing.T) {
	descs, err := LoadProviders("")
	require.NoError(t, err)
	require.NotEmpty(t, descs)

	seen := map[string]bool{}
	for _, d := range descs {
		assert.False(t, seen[d.ID], "default descriptor IDs must be unique: %s", d.ID)
		seen[d.ID] = true
		assert.NotEmpty(t, d.Model)
		assert.NotEmpty(t, d.APIKeyEnv)
	}
	assert.Equal(t, 0, descs[0].Priority, "the default chain must start at priority zero")
}

func TestLoadProvidersFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - id: primary
    type: openai
    model: gpt-4o-mini
    api_key_env: OPENAI_API_KEY
    priority: 0
    timeout: 30s
    max_concurrent: 4
  - id: fallback
    type: anthropic
    model: claude-3-5-haiku-latest
    api_key_env: ANTHROPIC_API_KEY
    priority: 1
`), 0o600))

	descs, err := LoadProviders(path)
	require.NoError(t, err)
	require.Len(t, descs, 2)

	assert.Equal(t, "primary", descs[0].ID)
	assert.Equal(t, 30*time.Second, descs[0].Timeout)
	assert.Equal(t, 4, descs[0].MaxConcurrent)
	assert.Equal(t, "anthropic", descs[1].Type)
}

func TestLoadProvidersRejectsBadFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadProviders(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("empty provider list", func(t *testing.T) {
		path := filepath.Join(dir, "empty.yaml")
		require.NoError(t, os.WriteFile(path, []byte("providers: []\n"), 0o600))
		_, err := LoadProviders(path)
		assert.Error(t, err)
	})

	t.Run("unknown provider type", func(t *testing.T) {
		path := filepath.Join(dir, "badtype.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - id: x
    type: carrier-pigeon
    model: m
    api_key_env: X_KEY
`), 0o600))
		_, err := LoadProviders(path)
		assert.Error(t, err, "descriptor validation must reject unknown adapter types")
	})

	t.Run("duplicate ids", func(t *testing.T) {
		path := filepath.Join(dir, "dupe.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - id: same
    type: openai
    model: m
    api_key_env: X_KEY
  - id: same
    type: openai
    model: m
    api_key_env: X_KEY
`), 0o600))
		_, err := LoadProviders(path)
		assert.Error(t, err)
	})
}

func TestDefaultProvidersValidate(t *testing.T) {
	for _, d := range DefaultProviders() {
		assert.NoError(t, validate.Struct(d), "built-in descriptor %q must pass validation", d.ID)
	}
}
