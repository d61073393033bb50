// Package config loads and validates application configuration from
// environment variables, with an optional YAML file supplying defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxRequestBody  int64 // JSON request bodies; uploads use MaxUploadMB.

	// Auth settings. With no API keys configured the API is open and
	// callers identify themselves with X-User-Id.
	APIKeys           []string
	BypassKeys        []string // Keys exempt from the daily analysis limit.
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiration     time.Duration

	// Vision provider settings.
	VisionProvider    string // anthropic, openai, gemini, ollama, mock
	AnthropicAPIKey   string
	OpenAIAPIKey      string
	GeminiAPIKey      string
	OllamaURL         string
	VisionModel       string
	VisionBaseURL     string
	VisionMaxTokens   int
	VisionTemperature float64
	VisionTimeout     time.Duration

	// Analysis engine settings.
	MaxIterations       int
	InitialFPS          float64
	InitialMaxFrames    int
	MaxFramesPerRequest int

	// Video settings.
	VideoProcessor  string // ffmpeg or mock
	FFmpegPath      string
	FFprobePath     string
	FFmpegMaxProcs  int
	MaxUploadMB     int
	MaxVideoSeconds float64

	// Usage limit settings.
	DailyAnalysisLimit int
	UsageBackend       string // store (the session database) or redis
	RedisAddr          string
	RedisPassword      string
	RedisDB            int

	// Storage settings.
	StorageBackend string // memory, postgres, sqlite
	DatabaseURL    string
	DBMaxConns     int
	SQLitePath     string
	BlobBackend    string // memory, fs, postgres
	BlobDir        string

	// Knowledge settings.
	EmbeddingProvider   string // none, openai, ollama
	EmbeddingModel      string
	EmbeddingDimensions int
	QdrantURL           string
	QdrantAPIKey        string
	QdrantCollection    string

	// HTTP token bucket, per caller.
	RateLimitRPS   float64
	RateLimitBurst int

	// Scheduler settings.
	UsagePurgeCron   string
	UsagePurgeAfter  time.Duration
	SchedulerEnabled bool
	ConfigFile       string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Logging.
	LogLevel  string
	LogFormat string // json or text
}

// Vision provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
	ProviderMock      = "mock"
)

// MaxIterationsCeiling is the highest accepted SWIMCOACH_MAX_ITERATIONS.
const MaxIterationsCeiling = 5

// Load reads configuration. If SWIMCOACH_CONFIG_FILE names a YAML file, its
// values are used wherever the matching environment variable is unset.
// Every malformed value is reported, not just the first.
func Load() (Config, error) {
	l := &loader{}
	path := os.Getenv("SWIMCOACH_CONFIG_FILE")
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		l.file = v
	}

	anthropicKey := l.str("ANTHROPIC_API_KEY", "vision.anthropic_api_key", "")
	defaultProvider := ProviderMock
	if anthropicKey != "" {
		defaultProvider = ProviderAnthropic
	}

	cfg := Config{
		Port:            l.int("SWIMCOACH_PORT", "server.port", 8080),
		ReadTimeout:     l.duration("SWIMCOACH_READ_TIMEOUT", "server.read_timeout", 60*time.Second),
		WriteTimeout:    l.duration("SWIMCOACH_WRITE_TIMEOUT", "server.write_timeout", 5*time.Minute),
		ShutdownTimeout: l.duration("SWIMCOACH_SHUTDOWN_TIMEOUT", "server.shutdown_timeout", 30*time.Second),
		CORSOrigins:     l.list("SWIMCOACH_CORS_ORIGINS", "server.cors_origins", []string{"http://localhost:3000"}),
		MaxRequestBody:  int64(l.int("SWIMCOACH_MAX_REQUEST_BODY_BYTES", "server.max_request_body_bytes", 1024*1024)),

		APIKeys:           l.list("SWIMCOACH_API_KEYS", "auth.api_keys", nil),
		BypassKeys:        l.list("SWIMCOACH_RATE_LIMIT_BYPASS_KEYS", "auth.bypass_keys", nil),
		JWTPrivateKeyPath: l.str("SWIMCOACH_JWT_PRIVATE_KEY", "auth.jwt_private_key", ""),
		JWTPublicKeyPath:  l.str("SWIMCOACH_JWT_PUBLIC_KEY", "auth.jwt_public_key", ""),
		JWTExpiration:     l.duration("SWIMCOACH_JWT_EXPIRATION", "auth.jwt_expiration", 24*time.Hour),

		VisionProvider:    strings.ToLower(l.str("SWIMCOACH_VISION_PROVIDER", "vision.provider", defaultProvider)),
		AnthropicAPIKey:   anthropicKey,
		OpenAIAPIKey:      l.str("OPENAI_API_KEY", "vision.openai_api_key", ""),
		GeminiAPIKey:      l.str("GEMINI_API_KEY", "vision.gemini_api_key", ""),
		OllamaURL:         l.str("OLLAMA_URL", "vision.ollama_url", "http://localhost:11434"),
		VisionModel:       l.str("SWIMCOACH_VISION_MODEL", "vision.model", ""),
		VisionBaseURL:     l.str("SWIMCOACH_VISION_BASE_URL", "vision.base_url", ""),
		VisionMaxTokens:   l.int("SWIMCOACH_VISION_MAX_TOKENS", "vision.max_tokens", 4096),
		VisionTemperature: l.float("SWIMCOACH_VISION_TEMPERATURE", "vision.temperature", 0.7),
		VisionTimeout:     l.duration("SWIMCOACH_VISION_TIMEOUT", "vision.timeout", 120*time.Second),

		MaxIterations:       l.int("SWIMCOACH_MAX_ITERATIONS", "engine.max_iterations", 3),
		InitialFPS:          l.float("SWIMCOACH_INITIAL_FPS", "engine.initial_fps", 0.5),
		InitialMaxFrames:    l.int("SWIMCOACH_INITIAL_MAX_FRAMES", "engine.initial_max_frames", 20),
		MaxFramesPerRequest: l.int("SWIMCOACH_MAX_FRAMES_PER_REQUEST", "engine.max_frames_per_request", 10),

		VideoProcessor:  strings.ToLower(l.str("SWIMCOACH_VIDEO_PROCESSOR", "video.processor", "ffmpeg")),
		FFmpegPath:      l.str("SWIMCOACH_FFMPEG_PATH", "video.ffmpeg_path", "ffmpeg"),
		FFprobePath:     l.str("SWIMCOACH_FFPROBE_PATH", "video.ffprobe_path", "ffprobe"),
		FFmpegMaxProcs:  l.int("SWIMCOACH_FFMPEG_MAX_PROCS", "video.ffmpeg_max_procs", 4),
		MaxUploadMB:     l.int("SWIMCOACH_MAX_UPLOAD_MB", "video.max_upload_mb", 100),
		MaxVideoSeconds: l.float("SWIMCOACH_MAX_VIDEO_SECONDS", "video.max_seconds", 120),

		DailyAnalysisLimit: l.int("SWIMCOACH_DAILY_ANALYSIS_LIMIT", "usage.daily_limit", 3),
		UsageBackend:       strings.ToLower(l.str("SWIMCOACH_USAGE_BACKEND", "usage.backend", "store")),
		RedisAddr:          l.str("REDIS_ADDR", "usage.redis_addr", "localhost:6379"),
		RedisPassword:      l.str("REDIS_PASSWORD", "usage.redis_password", ""),
		RedisDB:            l.int("REDIS_DB", "usage.redis_db", 0),

		StorageBackend: strings.ToLower(l.str("SWIMCOACH_STORAGE_BACKEND", "storage.backend", "memory")),
		DatabaseURL:    l.str("DATABASE_URL", "storage.database_url", ""),
		DBMaxConns:     l.int("SWIMCOACH_DB_MAX_CONNS", "storage.max_conns", 10),
		SQLitePath:     l.str("SWIMCOACH_SQLITE_PATH", "storage.sqlite_path", "swimcoach.db"),
		BlobBackend:    strings.ToLower(l.str("SWIMCOACH_BLOB_BACKEND", "storage.blob_backend", "fs")),
		BlobDir:        l.str("SWIMCOACH_BLOB_DIR", "storage.blob_dir", "data"),

		EmbeddingProvider:   strings.ToLower(l.str("SWIMCOACH_EMBEDDING_PROVIDER", "knowledge.embedding_provider", "none")),
		EmbeddingModel:      l.str("SWIMCOACH_EMBEDDING_MODEL", "knowledge.embedding_model", ""),
		EmbeddingDimensions: l.int("SWIMCOACH_EMBEDDING_DIMENSIONS", "knowledge.embedding_dimensions", 1536),
		QdrantURL:           l.str("QDRANT_URL", "knowledge.qdrant_url", ""),
		QdrantAPIKey:        l.str("QDRANT_API_KEY", "knowledge.qdrant_api_key", ""),
		QdrantCollection:    l.str("QDRANT_COLLECTION", "knowledge.qdrant_collection", "swim_knowledge"),

		RateLimitRPS:   l.float("SWIMCOACH_RATE_LIMIT_RPS", "ratelimit.rps", 5),
		RateLimitBurst: l.int("SWIMCOACH_RATE_LIMIT_BURST", "ratelimit.burst", 20),

		UsagePurgeCron:   l.str("SWIMCOACH_USAGE_PURGE_CRON", "scheduler.usage_purge_cron", "0 15 * * * *"),
		UsagePurgeAfter:  l.duration("SWIMCOACH_USAGE_PURGE_AFTER", "scheduler.usage_purge_after", 48*time.Hour),
		SchedulerEnabled: l.bool("SWIMCOACH_SCHEDULER_ENABLED", "scheduler.enabled", true),
		ConfigFile:       path,

		OTELEndpoint: l.str("OTEL_EXPORTER_OTLP_ENDPOINT", "otel.endpoint", ""),
		OTELInsecure: l.bool("OTEL_EXPORTER_OTLP_INSECURE", "otel.insecure", false),
		ServiceName:  l.str("OTEL_SERVICE_NAME", "otel.service_name", "swimcoach"),

		LogLevel:  strings.ToLower(l.str("SWIMCOACH_LOG_LEVEL", "log.level", "info")),
		LogFormat: strings.ToLower(l.str("SWIMCOACH_LOG_FORMAT", "log.format", "json")),
	}

	if err := errors.Join(l.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	switch c.VisionProvider {
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for the anthropic vision provider"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai vision provider"))
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini vision provider"))
		}
	case ProviderOllama, ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("SWIMCOACH_VISION_PROVIDER %q is not one of anthropic, openai, gemini, ollama, mock", c.VisionProvider))
	}

	if c.MaxIterations < 1 || c.MaxIterations > MaxIterationsCeiling {
		errs = append(errs, fmt.Errorf("SWIMCOACH_MAX_ITERATIONS must be between 1 and %d", MaxIterationsCeiling))
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("SWIMCOACH_MAX_UPLOAD_MB must be positive"))
	}
	if c.MaxVideoSeconds <= 0 {
		errs = append(errs, errors.New("SWIMCOACH_MAX_VIDEO_SECONDS must be positive"))
	}
	if c.MaxRequestBody <= 0 {
		errs = append(errs, errors.New("SWIMCOACH_MAX_REQUEST_BODY_BYTES must be positive"))
	}

	switch c.StorageBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres storage backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("SWIMCOACH_STORAGE_BACKEND %q is not one of memory, postgres, sqlite", c.StorageBackend))
	}
	switch c.BlobBackend {
	case "memory", "fs":
	case "postgres":
		if c.StorageBackend != "postgres" {
			errs = append(errs, errors.New("SWIMCOACH_BLOB_BACKEND=postgres requires SWIMCOACH_STORAGE_BACKEND=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("SWIMCOACH_BLOB_BACKEND %q is not one of memory, fs, postgres", c.BlobBackend))
	}
	switch c.UsageBackend {
	case "store", "redis":
	default:
		errs = append(errs, fmt.Errorf("SWIMCOACH_USAGE_BACKEND %q is not one of store, redis", c.UsageBackend))
	}
	switch c.VideoProcessor {
	case "ffmpeg", "mock":
	default:
		errs = append(errs, fmt.Errorf("SWIMCOACH_VIDEO_PROCESSOR %q is not one of ffmpeg, mock", c.VideoProcessor))
	}
	switch c.EmbeddingProvider {
	case "none", "ollama":
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai embedding provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("SWIMCOACH_EMBEDDING_PROVIDER %q is not one of none, openai, ollama", c.EmbeddingProvider))
	}
	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("SWIMCOACH_EMBEDDING_DIMENSIONS must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// StoreURL is the storage.Open URL for the configured backend.
func (c Config) StoreURL() string {
	switch c.StorageBackend {
	case "postgres":
		return c.DatabaseURL
	case "sqlite":
		return "sqlite://" + c.SQLitePath
	default:
		return "memory://"
	}
}

// MaxUploadBytes is the upload cap in bytes.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
}

// VisionAPIKey returns the key for the selected vision provider.
func (c Config) VisionAPIKey() string {
	switch c.VisionProvider {
	case ProviderAnthropic:
		return c.AnthropicAPIKey
	case ProviderOpenAI:
		return c.OpenAIAPIKey
	case ProviderGemini:
		return c.GeminiAPIKey
	default:
		return ""
	}
}

// loader resolves each setting from the environment, then the config
// file, then the default, collecting parse errors as it goes.
type loader struct {
	file *viper.Viper
	errs []error
}

func (l *loader) raw(key, path string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if l.file == nil || path == "" || !l.file.IsSet(path) {
		return ""
	}
	switch v := l.file.Get(path).(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ",")
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (l *loader) str(key, path, defaultVal string) string {
	if v := l.raw(key, path); v != "" {
		return v
	}
	return defaultVal
}

func (l *loader) int(key, path string, defaultVal int) int {
	n, err := parseInt(key, l.raw(key, path), defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return n
}

func (l *loader) float(key, path string, defaultVal float64) float64 {
	f, err := parseFloat(key, l.raw(key, path), defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return f
}

func (l *loader) bool(key, path string, defaultVal bool) bool {
	b, err := parseBool(key, l.raw(key, path), defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return b
}

func (l *loader) duration(key, path string, defaultVal time.Duration) time.Duration {
	d, err := parseDuration(key, l.raw(key, path), defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return d
}

func (l *loader) list(key, path string, defaultVal []string) []string {
	return parseList(l.raw(key, path), defaultVal)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	return parseInt(key, os.Getenv(key), defaultVal)
}

func envFloat(key string, defaultVal float64) (float64, error) {
	return parseFloat(key, os.Getenv(key), defaultVal)
}

func envBool(key string, defaultVal bool) (bool, error) {
	return parseBool(key, os.Getenv(key), defaultVal)
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	return parseDuration(key, os.Getenv(key), defaultVal)
}

func envList(key string, defaultVal []string) []string {
	return parseList(os.Getenv(key), defaultVal)
}

func parseInt(key, v string, defaultVal int) (int, error) {
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func parseFloat(key, v string, defaultVal float64) (float64, error) {
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func parseBool(key, v string, defaultVal bool) (bool, error) {
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func parseDuration(key, v string, defaultVal time.Duration) (time.Duration, error) {
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

func parseList(v string, defaultVal []string) []string {
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
