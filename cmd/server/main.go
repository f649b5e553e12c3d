package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"shellchat/internal/api"
	"shellchat/internal/chat"
	"shellchat/internal/config"
	"shellchat/internal/ledger"
	"shellchat/internal/monitor"
	"shellchat/internal/provider"
	"shellchat/internal/retrieval"
	"shellchat/internal/sandbox"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer()

	// Sandbox provider client
	sandboxKey := os.Getenv(cfg.Sandbox.APIKeyEnv)
	if sandboxKey == "" {
		log.Warn().Str("env", cfg.Sandbox.APIKeyEnv).Msg("sandbox API key not set; executions will fail")
	}
	providerClient := provider.NewClient(cfg.Sandbox.APIBase, sandboxKey)

	// LLM client (chat + embeddings)
	llmKey := os.Getenv(cfg.LLM.APIKeyEnv)
	if llmKey == "" {
		log.Warn().Str("env", cfg.LLM.APIKeyEnv).Msg("LLM API key not set; chat will fail")
	}
	clientConfig := openai.DefaultConfig(llmKey)
	if cfg.LLM.BaseURL != "" {
		clientConfig.BaseURL = cfg.LLM.BaseURL
	}
	llmClient := openai.NewClientWithConfig(clientConfig)

	// Storage: Postgres when a DSN is configured, in-memory otherwise.
	var (
		ledgerStore ledger.Store
		vectorStore retrieval.VectorStore
		dbHealthy   api.HealthChecker
	)
	if cfg.Database.DSN != "" {
		pool, err := ledger.NewPool(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		pgLedger := ledger.NewPostgres(pool)
		if err := pgLedger.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure ledger schema")
		}
		pgStore := retrieval.NewPostgresStore(pool, cfg.LLM.EmbeddingDims)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure message schema")
		}

		ledgerStore = pgLedger
		vectorStore = pgStore
		dbHealthy = func(ctx context.Context) bool { return pool.Ping(ctx) == nil }
	} else {
		log.Warn().Msg("no database DSN configured, using in-memory stores")
		ledgerStore = ledger.NewMemory()
		vectorStore = retrieval.NewMemoryStore()
	}

	ldg := ledger.New(ledgerStore)

	embedder := retrieval.NewEmbedder(
		llmClient,
		openai.EmbeddingModel(cfg.LLM.EmbeddingModel),
		cfg.Retrieval.EmbeddingCacheSize,
		metrics,
	)
	retriever := retrieval.NewRetriever(embedder, vectorStore, cfg.Retrieval.SimilarityThreshold, metrics)

	manager := sandbox.NewManager(providerClient, sandbox.ManagerConfig{
		Defaults:     cfg.Sandbox.Defaults,
		ProbeTimeout: cfg.Sandbox.ProbeTimeout,
	}, metrics)
	executor := sandbox.NewExecutor(manager, metrics)

	manager.StartSweeper(ctx, cfg.Sandbox.SweepInterval, cfg.Sandbox.IdleThreshold)

	orchestrator := chat.NewOrchestrator(chat.Options{
		LLM:              llmClient,
		Model:            cfg.LLM.ChatModel,
		Retriever:        retriever,
		Store:            vectorStore,
		Manager:          manager,
		Executor:         executor,
		Ledger:           ldg,
		Pricing:          cfg.Sandbox.Pricing,
		ContextMaxTokens: cfg.Retrieval.ContextMaxTokens,
		Metrics:          metrics,
		Tracer:           tracer,
	})

	handlers := api.NewHandlers(orchestrator, manager, executor, ldg, retriever, cfg.Sandbox.Pricing, metrics)
	server := api.NewServer(cfg, handlers, metrics,
		dbHealthy,
		func(ctx context.Context) bool { return providerClient.Healthy(ctx) },
		manager.Size,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	manager.Stop(shutdownCtx)
	ldg.Close(10 * time.Second)

	log.Info().Msg("shutdown complete")
}
