package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every variable Load reads so ambient values on the test
// machine cannot leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		switch {
		case strings.HasPrefix(name, "SWIMCOACH_"),
			strings.HasPrefix(name, "OTEL_"),
			strings.HasPrefix(name, "REDIS_"),
			strings.HasPrefix(name, "QDRANT_"),
			name == "ANTHROPIC_API_KEY", name == "OPENAI_API_KEY",
			name == "GEMINI_API_KEY", name == "OLLAMA_URL", name == "DATABASE_URL":
			t.Setenv(name, "")
		}
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_INT_OK", "42")
	n, err := envInt("TEST_INT_OK", 7)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = envInt("TEST_INT_UNSET", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	t.Setenv("TEST_INT_BAD", "abc")
	_, err = envInt("TEST_INT_BAD", 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `TEST_INT_BAD="abc" is not a valid integer`)
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT_OK", "0.25")
	f, err := envFloat("TEST_FLOAT_OK", 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, f, 1e-9)

	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err = envFloat("TEST_FLOAT_BAD", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `TEST_FLOAT_BAD="fast" is not a valid number`)
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL_OK", "true")
	b, err := envBool("TEST_BOOL_OK", false)
	require.NoError(t, err)
	assert.True(t, b)

	t.Setenv("TEST_BOOL_BAD", "yes please")
	_, err = envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `TEST_BOOL_BAD="yes please" is not a valid boolean`)
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR_OK", "90s")
	d, err := envDuration("TEST_DUR_OK", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	t.Setenv("TEST_DUR_BAD", "soon")
	_, err = envDuration("TEST_DUR_BAD", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `TEST_DUR_BAD="soon" is not a valid duration`)
}

func TestEnvStrAndList(t *testing.T) {
	assert.Equal(t, "fallback", envStr("TEST_STR_UNSET", "fallback"))

	t.Setenv("TEST_LIST", " a, ,b ,c")
	assert.Equal(t, []string{"a", "b", "c"}, envList("TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, envList("TEST_LIST_UNSET", []string{"x"}))
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, ProviderMock, cfg.VisionProvider)
	assert.Equal(t, 3, cfg.MaxIterations)
	assert.InDelta(t, 0.5, cfg.InitialFPS, 1e-9)
	assert.Equal(t, 20, cfg.InitialMaxFrames)
	assert.Equal(t, 10, cfg.MaxFramesPerRequest)
	assert.Equal(t, 3, cfg.DailyAnalysisLimit)
	assert.Equal(t, 100, cfg.MaxUploadMB)
	assert.Equal(t, int64(100*1024*1024), cfg.MaxUploadBytes())
	assert.InDelta(t, 120, cfg.MaxVideoSeconds, 1e-9)
	assert.Equal(t, "memory://", cfg.StoreURL())
	assert.Equal(t, "swimcoach", cfg.ServiceName)
	assert.Equal(t, 48*time.Hour, cfg.UsagePurgeAfter)
	assert.Empty(t, cfg.APIKeys)
}

func TestLoadAnthropicKeySelectsProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, cfg.VisionProvider)
	assert.Equal(t, "sk-test", cfg.VisionAPIKey())
}

func TestLoadReportsEveryBadValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("SWIMCOACH_PORT", "eighty")
	t.Setenv("SWIMCOACH_VISION_TIMEOUT", "forever")
	t.Setenv("SWIMCOACH_SCHEDULER_ENABLED", "maybe")

	_, err := Load()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `SWIMCOACH_PORT="eighty"`)
	assert.Contains(t, msg, `SWIMCOACH_VISION_TIMEOUT="forever"`)
	assert.Contains(t, msg, `SWIMCOACH_SCHEDULER_ENABLED="maybe"`)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown provider", func(c *Config) { c.VisionProvider = "clippy" }, "not one of anthropic"},
		{"openai without key", func(c *Config) { c.VisionProvider = ProviderOpenAI }, "OPENAI_API_KEY is required"},
		{"gemini without key", func(c *Config) { c.VisionProvider = ProviderGemini }, "GEMINI_API_KEY is required"},
		{"zero iterations", func(c *Config) { c.MaxIterations = 0 }, "SWIMCOACH_MAX_ITERATIONS"},
		{"too many iterations", func(c *Config) { c.MaxIterations = 6 }, "SWIMCOACH_MAX_ITERATIONS"},
		{"no upload size", func(c *Config) { c.MaxUploadMB = 0 }, "SWIMCOACH_MAX_UPLOAD_MB"},
		{"postgres without url", func(c *Config) { c.StorageBackend = "postgres" }, "DATABASE_URL is required"},
		{"postgres blobs on sqlite", func(c *Config) { c.StorageBackend = "sqlite"; c.BlobBackend = "postgres" }, "requires SWIMCOACH_STORAGE_BACKEND=postgres"},
		{"unknown usage backend", func(c *Config) { c.UsageBackend = "etcd" }, "SWIMCOACH_USAGE_BACKEND"},
		{"openai embeddings without key", func(c *Config) { c.EmbeddingProvider = "openai" }, "openai embedding provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, base.Validate())
}

func TestStoreURL(t *testing.T) {
	c := Config{StorageBackend: "sqlite", SQLitePath: "/tmp/s.db"}
	assert.Equal(t, "sqlite:///tmp/s.db", c.StoreURL())
	c = Config{StorageBackend: "postgres", DatabaseURL: "postgres://u@h/db"}
	assert.Equal(t, "postgres://u@h/db", c.StoreURL())
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "swimcoach.yaml")
	yaml := `
server:
  port: 9090
  cors_origins:
    - https://coach.example
    - http://localhost:5173
engine:
  max_iterations: 2
usage:
  daily_limit: 5
storage:
  backend: sqlite
  sqlite_path: /var/lib/swimcoach.db
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("SWIMCOACH_CONFIG_FILE", path)
	t.Setenv("SWIMCOACH_DAILY_ANALYSIS_LIMIT", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, []string{"https://coach.example", "http://localhost:5173"}, cfg.CORSOrigins)
	assert.Equal(t, 2, cfg.MaxIterations)
	assert.Equal(t, 7, cfg.DailyAnalysisLimit, "environment wins over the file")
	assert.Equal(t, "sqlite:///var/lib/swimcoach.db", cfg.StoreURL())
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("SWIMCOACH_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")
}
