package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/backup"
	"github.com/memhive/memoryd/config"
	"github.com/memhive/memoryd/journal"
	"github.com/memhive/memoryd/llm"
	"github.com/memhive/memoryd/llm/anthropic"
	"github.com/memhive/memoryd/llm/ollamallm"
	"github.com/memhive/memoryd/llm/openai"
	memlogger "github.com/memhive/memoryd/logger"
	"github.com/memhive/memoryd/memory"
	"github.com/memhive/memoryd/memory/chromemstore"
	"github.com/memhive/memoryd/memory/memstore"
	"github.com/memhive/memoryd/memory/qdrantstore"
	"github.com/memhive/memoryd/memory/redisbus"
	"github.com/memhive/memoryd/memory/sqlitestore"
	"github.com/memhive/memoryd/migrations"
	"github.com/memhive/memoryd/ops"
	"github.com/memhive/memoryd/protocol"
	"github.com/memhive/memoryd/realtime"
	"github.com/memhive/memoryd/workers"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", config.Path(), "Path to config file")
		httpAddr   = flag.String("http", "", "TCP address for the streamable HTTP listener (overrides config)")
		stdio      = flag.Bool("stdio", false, "Serve the protocol over stdio instead of HTTP")
		logFile    = flag.String("logfile", "", "Path to log file (overrides config)")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logging to stdout)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logPath := cfg.Logging.File
	if *logFile != "" {
		logPath = *logFile
	}
	// Stdio transport owns stdout; logs must go to the file.
	if *stdio && logPath == "" {
		logPath = "memoryd.log"
	}
	if logPath != "" && (*pretty || cfg.Logging.Pretty) {
		return fmt.Errorf("pretty output and a log file are mutually exclusive")
	}
	logger, err := memlogger.InitWithOptions(logPath, cfg.Logging.Level, *pretty || cfg.Logging.Pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	dataDir := cfg.Storage.DataDir
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	logger.Info().
		Str("version", version).
		Str("dataDir", dataDir).
		Str("vectorBackend", cfg.Storage.VectorBackend).
		Msg("memoryd starting")

	// ---------------------------
	// 1. SQLite, migrations, record and graph stores
	// ---------------------------

	dbPath := filepath.Join(dataDir, "memoryd.db")
	db, err := sqlitestore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors

	if err := migrations.Run(db, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	records := sqlitestore.NewRecords(db, logger)
	graph := sqlitestore.NewGraph(db, logger)

	// ---------------------------
	// 2. Vector store
	// ---------------------------

	ctx := context.Background()
	vectors, err := openVectors(ctx, cfg, dataDir, logger)
	if err != nil {
		return err
	}

	// ---------------------------
	// 3. Event bus and leases
	// ---------------------------

	var (
		bus    memory.EventBus
		leases memory.LeaseManager
	)
	if cfg.Storage.Redis.Enabled {
		redisCfg := redisbus.Config{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		}
		logger.Info().Str("addr", redisCfg.Addr).Msg("Using Redis event bus and leases")
		bus = redisbus.NewBus(redisCfg, logger)
		leases = redisbus.NewLeases(redisCfg)
	} else {
		bus = memstore.NewBus()
		leases = memstore.NewLeases()
	}

	// ---------------------------
	// 4. Model providers
	// ---------------------------

	limiters := llm.NewRateLimiters(llm.RateLimitConfig{
		RPS:   cfg.LLM.RateRPS,
		Burst: cfg.LLM.RateBurst,
	})
	embedder, err := buildEmbedder(cfg, limiters, logger)
	if err != nil {
		return err
	}
	completer, err := buildCompleter(cfg, limiters, logger)
	if err != nil {
		return err
	}

	// ---------------------------
	// 5. Journal and engine
	// ---------------------------

	jrnl := journal.New(journal.NewSQLiteStore(db), cfg.Engine.UndoRetention, logger)

	engine := memory.NewEngine(memory.Deps{
		Records:   records,
		Vectors:   vectors,
		Graph:     graph,
		Bus:       bus,
		Leases:    leases,
		Embedder:  embedder,
		Completer: completer,
		Journal:   jrnl,
	}, memory.EngineConfig{
		MaxTextBytes:       cfg.Engine.MaxTextBytes,
		DedupThreshold:     cfg.Engine.DedupThreshold,
		DedupTopK:          cfg.Engine.DedupTopK,
		SearchWeights: memory.Weights{
			Semantic: cfg.Engine.SemanticWeight,
			Lexical:  cfg.Engine.LexicalWeight,
			Recency:  cfg.Engine.RecencyWeight,
		},
		RecencyTauDays:       cfg.Engine.RecencyTauDays,
		DefaultSharePolicy:   memory.SharePolicy(cfg.Engine.DefaultSharePolicy),
		AdmissionLimit:       cfg.Engine.AdmissionLimit,
		UndoRetention:        cfg.Engine.UndoRetention,
		SummarizeTargetChars: cfg.Workers.SummarizeTargetChars,
	}, logger)

	// ---------------------------
	// 6. Lifecycle workers
	// ---------------------------

	backups := backup.NewManager(dataDir, filepath.Join(dataDir, "backups"), logger)

	runner := workers.NewRunner(leases, cfg.Workers.Paused, cfg.Workers.DryRun, logger)
	registrations := []struct {
		worker   workers.Worker
		schedule string
	}{
		{workers.NewDedup(engine, leases, logger), cfg.Workers.DedupSchedule},
		{workers.NewSummarize(engine, cfg.Workers.SummarizeMinChars, cfg.Workers.SummarizeMinAge, logger), cfg.Workers.SummarizeSchedule},
		{workers.NewExpiry(engine, cfg.Workers.ExpiryGrace, cfg.Workers.ExpiryDefaultPolicy, logger), cfg.Workers.ExpirySchedule},
		{workers.NewSessions(engine, logger), cfg.Workers.SessionSchedule},
		{workers.NewPurge(jrnl, logger), cfg.Workers.PurgeSchedule},
		{workers.NewBackup(backups, cfg.Workers.BackupKeep, logger), cfg.Workers.BackupSchedule},
	}
	for _, reg := range registrations {
		if err := runner.Register(reg.worker, reg.schedule); err != nil {
			return fmt.Errorf("failed to register %s worker: %w", reg.worker.Kind(), err)
		}
	}
	if cfg.Workers.DedupApproval() {
		if err := runner.SetRequireApproval("dedup", true); err != nil {
			return err
		}
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	runner.Start(workerCtx)
	logger.Info().Int("workers", len(registrations)).Bool("dryRun", cfg.Workers.DryRun).Msg("Lifecycle workers scheduled")

	repairer := workers.NewRepairer(engine, logger)
	repairer.Start(workerCtx)

	// ---------------------------
	// 7. Telemetry, realtime coordinator, control plane
	// ---------------------------

	promReg := prometheus.NewRegistry()
	coord := realtime.New(bus, engine, realtime.NewMetrics(promReg), cfg.Realtime.QueueSize, logger)

	registry := ops.NewRegistry(ops.NewMetrics(promReg), cfg.Telemetry.SlowQueryThreshold, logger)
	service := ops.NewService(engine, coord, runner, backups, registry, logger)
	service.SetGatherer(promReg)

	if cfg.Telemetry.MetricsAddr != "" {
		go serveMetrics(cfg.Telemetry.MetricsAddr, promReg, logger)
	}

	// ---------------------------
	// 8. Protocol adapter
	// ---------------------------

	adapter := protocol.NewAdapter(registry, version, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if *stdio {
			logger.Info().Msg("Serving protocol on stdio")
			serverErr <- adapter.ServeStdio()
			return
		}
		addr := *httpAddr
		if addr == "" {
			addr = cfg.Server.TCP
		}
		if addr == "" {
			addr = "localhost:50052"
		}
		logger.Info().Str("address", addr).Msg("Serving protocol on HTTP")
		serverErr <- adapter.ServeHTTP(addr)
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			cancelWorkers()
			runner.Stop()
			repairer.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	}

	cancelWorkers()
	runner.Stop()
	repairer.Stop()
	logger.Info().Msg("memoryd shutdown complete")
	return nil
}

// openVectors builds the configured vector store backend.
func openVectors(ctx context.Context, cfg *config.ServerConfig, dataDir string, logger zerolog.Logger) (memory.VectorStore, error) {
	switch cfg.Storage.VectorBackend {
	case "", "chromem":
		store, err := chromemstore.New(chromemstore.Config{
			PersistPath: filepath.Join(dataDir, "vectors"),
			Collection:  "memories",
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem vector store: %w", err)
		}
		return store, nil
	case "qdrant":
		store, err := qdrantstore.New(ctx, qdrantstore.Config{
			Host:       cfg.Storage.Qdrant.Host,
			Port:       cfg.Storage.Qdrant.Port,
			APIKey:     cfg.Storage.Qdrant.APIKey,
			UseTLS:     cfg.Storage.Qdrant.UseTLS,
			Collection: cfg.Storage.Qdrant.Collection,
			Dimension:  cfg.LLM.EmbedDimensions,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Storage.VectorBackend)
	}
}

// buildEmbedder assembles the embedding provider with rate limiting,
// caching and retries. The local provider skips the limiter.
func buildEmbedder(cfg *config.ServerConfig, limiters *llm.RateLimiters, logger zerolog.Logger) (memory.Embedder, error) {
	var inner memory.Embedder
	switch cfg.LLM.EmbedProvider {
	case "", "local":
		inner = llm.NewLocalEmbedder(cfg.LLM.EmbedDimensions)
	case "openai":
		if cfg.LLM.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("missing llm.openai.api_key in config file")
		}
		inner = llm.WithEmbedRateLimit(openai.NewEmbedder(openai.Config{
			APIKey:     cfg.LLM.OpenAI.APIKey,
			BaseURL:    cfg.LLM.OpenAI.BaseURL,
			EmbedModel: cfg.LLM.OpenAI.EmbedModel,
		}), limiters, "openai", cfg.LLM.OpenAI.APIKey)
	case "ollama":
		embedder, err := ollamallm.NewEmbedder(ollamallm.Config{
			EmbedModel: cfg.LLM.Ollama.EmbedModel,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama embedder: %w", err)
		}
		inner = llm.WithEmbedRateLimit(embedder, limiters, "ollama", "")
	default:
		return nil, fmt.Errorf("unknown embed provider %q", cfg.LLM.EmbedProvider)
	}
	return llm.WithEmbedCache(llm.WithEmbedRetry(inner, llm.RetryConfig{}, logger), cfg.LLM.EmbedCacheSize), nil
}

// buildCompleter assembles the completion provider. "none" disables
// model-backed summarization; the engine falls back to extraction.
func buildCompleter(cfg *config.ServerConfig, limiters *llm.RateLimiters, logger zerolog.Logger) (memory.Completer, error) {
	var inner memory.Completer
	switch cfg.LLM.CompleteProvider {
	case "", "none":
		return nil, nil
	case "anthropic":
		if cfg.LLM.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("missing llm.anthropic.api_key in config file")
		}
		inner = llm.WithCompleteRateLimit(anthropic.NewCompleter(anthropic.Config{
			APIKey: cfg.LLM.Anthropic.APIKey,
			Model:  cfg.LLM.Anthropic.Model,
		}), limiters, "anthropic", cfg.LLM.Anthropic.APIKey)
	case "openai":
		if cfg.LLM.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("missing llm.openai.api_key in config file")
		}
		inner = llm.WithCompleteRateLimit(openai.NewCompleter(openai.Config{
			APIKey:        cfg.LLM.OpenAI.APIKey,
			BaseURL:       cfg.LLM.OpenAI.BaseURL,
			CompleteModel: cfg.LLM.OpenAI.CompleteModel,
		}), limiters, "openai", cfg.LLM.OpenAI.APIKey)
	case "ollama":
		completer, err := ollamallm.NewCompleter(ollamallm.Config{
			CompleteModel: cfg.LLM.Ollama.CompleteModel,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama completer: %w", err)
		}
		inner = llm.WithCompleteRateLimit(completer, limiters, "ollama", "")
	default:
		return nil, fmt.Errorf("unknown complete provider %q", cfg.LLM.CompleteProvider)
	}
	return llm.WithCompleteRetry(inner, llm.RetryConfig{}, logger), nil
}

// serveMetrics exposes the Prometheus registry over HTTP.
func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info().Str("address", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server failed")
	}
}
