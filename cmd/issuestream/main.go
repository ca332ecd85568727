package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/issuestream/issuestream/internal/auth"
	"github.com/issuestream/issuestream/internal/cluster"
	"github.com/issuestream/issuestream/internal/config"
	"github.com/issuestream/issuestream/internal/mcp"
	"github.com/issuestream/issuestream/internal/model"
	"github.com/issuestream/issuestream/internal/ratelimit"
	"github.com/issuestream/issuestream/internal/search"
	"github.com/issuestream/issuestream/internal/server"
	"github.com/issuestream/issuestream/internal/service/assign"
	"github.com/issuestream/issuestream/internal/service/embedding"
	"github.com/issuestream/issuestream/internal/storage"
	"github.com/issuestream/issuestream/internal/telemetry"
	"github.com/issuestream/issuestream/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("ISSUESTREAM_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("issuestream starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates. Migrations are embedded so they work regardless of working
	// directory.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	if err := bootstrapCredential(ctx, db, cfg, logger); err != nil {
		return fmt.Errorf("credential bootstrap: %w", err)
	}

	embedder := newEmbeddingProvider(cfg, logger)

	// Vector search index and outbox worker (optional — falls back to an
	// in-process index if QDRANT_URL is empty, so the decision core always
	// has a searcher to retrieve candidates from).
	//
	// directWrite controls whether the assign service upserts a persisted
	// issue's centroid into the index itself. Qdrant gets its sync from the
	// outbox worker instead (async, durable across restarts); the in-process
	// MemoryIndex has no outbox and would otherwise never be populated, so
	// the assign service writes to it directly.
	var searcher search.Index
	var outboxWorker *search.OutboxWorker
	var directWrite bool
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}

		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		outboxWorker.Start(ctx)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)

		// Wake the outbox worker the moment a write commits instead of waiting
		// up to OutboxPollInterval for the next tick. Best-effort: if no
		// notify DSN is configured the worker still converges on its own
		// polling schedule, just with more latency.
		if db.HasNotifyConn() {
			if err := db.Listen(ctx, storage.ChannelIssueUpdates); err != nil {
				logger.Warn("notify: listen failed, outbox will rely on polling", "error", err)
			} else {
				go listenForIssueUpdates(ctx, db, outboxWorker, logger)
			}
		}
	} else {
		memIndex := search.NewMemoryIndex()
		searcher = memIndex
		directWrite = true
		logger.Info("qdrant: disabled (no QDRANT_URL), using in-process search index")
	}

	assignSvc := assign.New(db, embedder, searcher, directWrite, logger, cluster.DefaultConfig())

	mcpSrv := mcp.New(db, searcher, embedder, logger, version)

	limiter := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer func() { _ = limiter.Close() }()

	// Per-credential rate limiting, shared across replicas via Redis. Only
	// enabled when a Redis URL is configured; otherwise the per-IP
	// MemoryLimiter above is the only enforcement layer.
	var credLimiter *ratelimit.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		redisClient := redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()
		credLimiter = ratelimit.New(redisClient, logger, cfg.RateLimitFailClosed)
		logger.Info("credential rate limiting: redis", "limit", cfg.CredentialRateLimit, "window", cfg.CredentialRateLimitWindow)
	} else {
		logger.Info("credential rate limiting: disabled (no ISSUESTREAM_REDIS_URL)")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		AssignSvc:           assignSvc,
		Embedder:            embedder,
		Searcher:            searcher,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		RateLimiter:         limiter,
		TrustProxy:          cfg.TrustProxy,
		CredentialLimiter:   credLimiter,
		CredentialRule:      ratelimit.Rule{Prefix: "credential", Limit: cfg.CredentialRateLimit, Window: cfg.CredentialRateLimitWindow},
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("issuestream shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if outboxWorker != nil {
		outboxCtx, outboxCancel := context.WithTimeout(context.Background(), 20*time.Second)
		outboxWorker.Drain(outboxCtx)
		outboxCancel()
	}

	slog.Info("issuestream stopped")
	return nil
}

// listenForIssueUpdates relays storage.ChannelIssueUpdates notifications to
// the outbox worker's Wake until ctx is cancelled. A transient
// WaitForNotification error (including one recovered by the connection's own
// reconnect-with-backoff) just loops back around rather than exiting, since
// the worker's poll ticker is still running underneath as a fallback.
func listenForIssueUpdates(ctx context.Context, db *storage.DB, outboxWorker *search.OutboxWorker, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, _, err := db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("notify: wait for issue update failed", "error", err)
			continue
		}
		outboxWorker.Wake()
	}
}

// bootstrapCredential creates the configured initial credential if no
// credential exists yet. Lets a fresh deployment mint its first wire-source
// or reader client without a separate admin API — the operator supplies the
// name/key/role via configuration once, up front, instead of through an
// authenticated endpoint that would otherwise need to exist before any
// credential does.
func bootstrapCredential(ctx context.Context, db *storage.DB, cfg config.Config, logger *slog.Logger) error {
	if cfg.BootstrapCredentialName == "" {
		return nil
	}
	exists, err := db.CredentialExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	hash, err := auth.HashAPIKey(cfg.BootstrapAPIKey)
	if err != nil {
		return err
	}
	role := model.Role(cfg.BootstrapRole)
	if _, err := db.CreateCredential(ctx, model.Credential{
		Name:       cfg.BootstrapCredentialName,
		Role:       role,
		APIKeyHash: hash,
	}); err != nil {
		return err
	}
	logger.Info("bootstrap credential created", "name", cfg.BootstrapCredentialName, "role", role)
	return nil
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if a key is present, else
// noop. Ollama is preferred: embeddings stay on-premises with no external API
// costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when ISSUESTREAM_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return p
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
