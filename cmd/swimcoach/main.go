package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/ashita-ai/swimcoach/internal/auth"
	"github.com/ashita-ai/swimcoach/internal/blob"
	"github.com/ashita-ai/swimcoach/internal/coach"
	"github.com/ashita-ai/swimcoach/internal/config"
	"github.com/ashita-ai/swimcoach/internal/knowledge"
	"github.com/ashita-ai/swimcoach/internal/mcp"
	"github.com/ashita-ai/swimcoach/internal/ratelimit"
	"github.com/ashita-ai/swimcoach/internal/scheduler"
	"github.com/ashita-ai/swimcoach/internal/server"
	"github.com/ashita-ai/swimcoach/internal/service/coaching"
	"github.com/ashita-ai/swimcoach/internal/storage"
	"github.com/ashita-ai/swimcoach/internal/telemetry"
	"github.com/ashita-ai/swimcoach/internal/video"
	"github.com/ashita-ai/swimcoach/internal/vision"
	"github.com/ashita-ai/swimcoach/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// newLogger returns a JSON logger, or a colourised text logger for local
// development when format is "text".
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if strings.EqualFold(format, "text") {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("swimcoach starting",
		"version", version,
		"port", cfg.Port,
		"vision_provider", cfg.VisionProvider,
		"storage", cfg.StorageBackend,
	)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Session store (migrations are applied for Postgres).
	store, err := storage.Open(ctx, cfg.StoreURL(), int32(cfg.DBMaxConns), migrations.FS, logger) //nolint:gosec // validated in config.Validate
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = store.Close(context.Background()) }()
	db, _ := store.(*storage.DB)
	if db != nil {
		db.RegisterPoolMetrics()
	}

	blobs, err := blob.Open(blob.Config{Backend: cfg.BlobBackend, Dir: cfg.BlobDir}, db, logger)
	if err != nil {
		return fmt.Errorf("blob: %w", err)
	}

	visionClient, err := vision.New(ctx, vision.Config{
		Provider:    cfg.VisionProvider,
		APIKey:      cfg.VisionAPIKey(),
		BaseURL:     visionBaseURL(cfg),
		Model:       cfg.VisionModel,
		MaxTokens:   cfg.VisionMaxTokens,
		Temperature: cfg.VisionTemperature,
		Timeout:     cfg.VisionTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("vision: %w", err)
	}

	processor, err := newProcessor(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("video: %w", err)
	}

	know, closeKnowledge, err := newKnowledge(ctx, cfg, db, logger)
	if err != nil {
		return fmt.Errorf("knowledge: %w", err)
	}
	defer closeKnowledge()

	apiKeys, err := auth.NewKeySet(cfg.APIKeys)
	if err != nil {
		return fmt.Errorf("auth: api keys: %w", err)
	}
	bypassKeys, err := auth.NewKeySet(cfg.BypassKeys)
	if err != nil {
		return fmt.Errorf("auth: bypass keys: %w", err)
	}
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if apiKeys.Len() == 0 {
		logger.Warn("auth: no API keys configured, the API is open and callers identify with X-User-Id")
	}

	counter, closeCounter, err := newUsageCounter(ctx, cfg, store, logger)
	if err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	defer closeCounter()
	usage := ratelimit.NewUsagePolicy(counter, cfg.DailyAnalysisLimit, bypassKeys, logger)

	engine := coach.NewEngine(visionClient, processor, coach.Config{
		MaxIterations:       cfg.MaxIterations,
		InitialFPS:          cfg.InitialFPS,
		InitialMaxFrames:    cfg.InitialMaxFrames,
		MaxFramesPerRequest: cfg.MaxFramesPerRequest,
	}, logger)

	// Coaching service (shared by HTTP and MCP handlers).
	coachingSvc := coaching.New(coaching.Deps{
		Store:     store,
		Blobs:     blobs,
		Engine:    engine,
		Processor: processor,
		Knowledge: know,
		Usage:     usage,
		Logger:    logger,
	})

	mcpSrv := mcp.New(coachingSvc, know, logger, version)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		Store:               store,
		Blobs:               blobs,
		Engine:              engine,
		Processor:           processor,
		Usage:               usage,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Coaching:            coachingSvc,
		Knowledge:           know,
		KnowledgeHealth:     know,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		APIKeys:             apiKeys,
		BypassKeys:          bypassKeys,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		CORSOrigins:         cfg.CORSOrigins,
		MaxRequestBodyBytes: cfg.MaxRequestBody,
		MaxUploadBytes:      cfg.MaxUploadBytes(),
		MaxVideoSeconds:     cfg.MaxVideoSeconds,
	})

	// Background jobs.
	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.New(logger, time.Minute)
		if err := sched.Add(cfg.UsagePurgeCron, scheduler.NewUsagePurgeJob(store, cfg.UsagePurgeAfter, logger)); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		sched.Start()
	}

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop taking requests and drain in-flight analyses,
	// then let a running scheduled job finish.
	logger.Info("swimcoach shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if sched != nil {
		schedCtx, schedCancel := context.WithTimeout(context.Background(), 10*time.Second)
		sched.Stop(schedCtx)
		schedCancel()
	}

	logger.Info("swimcoach stopped")
	return nil
}

func visionBaseURL(cfg config.Config) string {
	if cfg.VisionBaseURL != "" {
		return cfg.VisionBaseURL
	}
	if cfg.VisionProvider == config.ProviderOllama {
		return cfg.OllamaURL
	}
	return ""
}

func newProcessor(ctx context.Context, cfg config.Config, logger *slog.Logger) (video.Processor, error) {
	if cfg.VideoProcessor == "mock" {
		logger.Warn("video: using mock processor; uploads are not decoded")
		return video.NewMockProcessor(), nil
	}
	return video.NewFFmpegProcessor(ctx, video.FFmpegConfig{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		MaxProcs:    int64(cfg.FFmpegMaxProcs),
	}, logger)
}

// newKnowledge builds the reference-material service. Chunks live in
// Postgres when it is the session store and in memory otherwise; Qdrant is
// used for semantic search when QDRANT_URL is set.
func newKnowledge(ctx context.Context, cfg config.Config, db *storage.DB, logger *slog.Logger) (*knowledge.Service, func(), error) {
	var chunks knowledge.ChunkStore = knowledge.NewMemoryChunks()
	if db != nil {
		chunks = db
	}

	embedder := knowledge.NewEmbedder(knowledge.EmbedderConfig{
		Provider:   cfg.EmbeddingProvider,
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    embedderBaseURL(cfg),
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
	})
	logger.Info("knowledge: embedding provider", "provider", cfg.EmbeddingProvider, "dimensions", cfg.EmbeddingDimensions)

	closeFn := func() {}
	var index knowledge.Index
	if cfg.QdrantURL != "" {
		qdrantIndex, err := knowledge.NewQdrantIndex(knowledge.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			_ = qdrantIndex.Close()
			return nil, nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIndex
		closeFn = func() { _ = qdrantIndex.Close() }
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	return knowledge.NewService(chunks, embedder, index, logger), closeFn, nil
}

func embedderBaseURL(cfg config.Config) string {
	if cfg.EmbeddingProvider == "ollama" {
		return cfg.OllamaURL
	}
	return ""
}

// newUsageCounter picks where daily analysis counts live: the session
// store by default, or Redis so several instances share one count.
func newUsageCounter(ctx context.Context, cfg config.Config, store storage.Store, logger *slog.Logger) (ratelimit.UsageCounter, func(), error) {
	if cfg.UsageBackend != "redis" {
		return store, func() {}, nil
	}
	client, err := ratelimit.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("usage: redis counter", "addr", cfg.RedisAddr)
	return ratelimit.NewRedisCounter(client, ""), func() { _ = client.Close() }, nil
}
