package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/david/oppforge/internal/api"
	"github.com/david/oppforge/internal/auth"
	"github.com/david/oppforge/internal/cache"
	"github.com/david/oppforge/internal/cli"
	"github.com/david/oppforge/internal/config"
	"github.com/david/oppforge/internal/db"
	"github.com/david/oppforge/internal/dedup"
	"github.com/david/oppforge/internal/logging"
	"github.com/david/oppforge/internal/merge"
	"github.com/david/oppforge/internal/oracle"
	"github.com/david/oppforge/internal/pipeline"
	"github.com/david/oppforge/internal/sources"
)

// store is everything the server needs from the storage backend.
type store interface {
	pipeline.Store
	api.Store
	auth.AdminStore
	oracle.ScoreStore
	sources.RunRecorder
}

func main() {
	envLoader := cli.AddEnvFlag(flag.CommandLine, ".env", "Path to the .env file")
	flag.Parse()
	_, _ = envLoader.Load()

	cfg, err := config.Load()
	if err != nil {
		stderrLogger := zerolog.New(os.Stderr)
		stderrLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		stderrLogger := zerolog.New(os.Stderr)
		stderrLogger.Fatal().Err(err).Msg("invalid log level")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		st       store
		index    dedup.Index
		clusters dedup.ClusterStore
	)
	switch cfg.Storage {
	case "postgres":
		pool, err := db.Connect(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MinConns: cfg.DBMinConns, MaxConns: cfg.DBMaxConns})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		if err := db.ApplyMigrations(ctx, pool, logger); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		st = db.NewStore(pool)
		index = db.NewFingerprintIndex(pool)
		clusters = db.NewClusterStore(pool)
	default:
		logger.Warn().Msg("running with in-memory storage; nothing survives a restart")
		st = db.NewMemoryStore()
		index = dedup.NewMemoryIndex()
		clusters = dedup.NewMemoryClusterStore()
	}

	var queue oracle.Queue = oracle.NewMemoryQueue()
	if cfg.RedisURL != "" {
		var rdb *redis.Client
		rdb, err = cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		index = cache.NewFingerprintCache(index, rdb, cfg.FingerprintCacheTTL, logger)
		queue = oracle.NewRedisQueue(rdb, "oppforge:score_queue", logger)
		logger.Info().Msg("redis fingerprint cache and score queue enabled")
	}

	registry, err := sources.LoadRegistry(cfg.SourcesFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load source registry")
	}
	ranking := registry.Ranking()

	clusterer := dedup.NewClusterer(clusters, dedup.Config{
		Threshold:   cfg.SimilarityThreshold,
		TieEpsilon:  cfg.SimilarityTieEpsilon,
		TitleWeight: cfg.SimilarityTitleWeight,
		Decay:       cfg.CentroidDecay,
		WindowDays:  cfg.ClusterWindowDays,
	}, logger)
	engine := merge.NewEngine(st, clusterer, ranking, merge.Config{}, logger)

	var (
		embedder    oracle.Embedder
		apiEmbedder api.Embedder
		worker      *oracle.Worker
	)
	ollama := oracle.NewOllamaClient(cfg.OllamaHost, cfg.OllamaEmbedModel, cfg.OllamaModel)
	if cfg.OllamaEmbedModel != "" {
		embedder, apiEmbedder = ollama, ollama
	}

	var scorer pipeline.Scorer
	var scoring oracle.Oracle
	switch cfg.OracleProvider {
	case "http":
		scoring = oracle.NewHTTPOracle(cfg.AIEngineURL, &http.Client{Timeout: cfg.OracleTimeout}, logger)
	case "ollama":
		scoring = oracle.NewLLMOracle(ollama, logger)
	default:
		logger.Warn().Msg("scoring disabled; records stay unscored")
	}
	if scoring != nil {
		worker = oracle.NewWorker(scoring, st, queue, embedder, oracle.WorkerConfig{
			Timeout:     cfg.OracleTimeout,
			MaxAttempts: cfg.OracleMaxAttempts,
			BackoffBase: cfg.OracleBackoffBase,
		}, logger)
		scorer = worker
	}

	pipe := pipeline.New(pipeline.Deps{
		Index:     index,
		Clusters:  clusters,
		Clusterer: clusterer,
		Merger:    engine,
		Store:     st,
		Scorer:    scorer,
	}, pipeline.Config{
		FingerprintRetention: time.Duration(cfg.FingerprintRetentionDays) * 24 * time.Hour,
	}, logger)

	fetcher := sources.NewRateLimitedFetcher(sources.FetchConfig{}, logger)
	connectors, err := sources.BuildConnectors(registry, fetcher, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build connectors")
	}
	runner := sources.NewRunner(connectors, pipe.Pooled(cfg.IngestWorkers), st, logger)

	authSvc, err := auth.NewService(st, auth.Config{
		JWTSecret:   cfg.JWTSecret,
		TokenTTL:    cfg.JWTTTL,
		AdminSecret: cfg.AdminSecret,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize auth")
	}
	if cfg.DefaultAdminEmail != "" && cfg.DefaultAdminPassword != "" {
		if err := authSvc.Bootstrap(ctx, cfg.DefaultAdminEmail, cfg.DefaultAdminPassword); err != nil {
			logger.Fatal().Err(err).Msg("failed to bootstrap admin account")
		}
	}

	if worker != nil {
		go func() {
			if err := worker.Run(ctx, cfg.ScorePollInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("scoring worker stopped")
			}
		}()
	}
	if cfg.ConnectorsEnabled {
		go func() {
			if err := runner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("source runner stopped")
			}
		}()
	}
	go reconcileLoop(ctx, pipe, cfg.ReconcileInterval, logger)

	srv := api.NewServer(api.Deps{
		Store:    st,
		Ingestor: pipe,
		Auth:     authSvc,
		Runner:   runner,
		Embedder: apiEmbedder,
	}, api.Config{
		CORSOrigins: cfg.CORSOriginsList(),
		JobTimeout:  10 * time.Minute,
	}, logger)

	go func() {
		logger.Info().Str("port", cfg.Port).Int("sources", len(connectors)).Msg("server starting")
		if err := srv.Start(cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// reconcileLoop retries deferred merges and runs cluster maintenance on a fixed
// interval.
func reconcileLoop(ctx context.Context, pipe *pipeline.Pipeline, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pipe.Reconcile(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("scheduled reconcile failed")
			}
			if _, err := pipe.Maintain(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("scheduled maintenance failed")
			}
		}
	}
}
