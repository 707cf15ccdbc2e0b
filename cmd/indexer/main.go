package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stake-dao/forwarder-indexer/api"
	"github.com/stake-dao/forwarder-indexer/client"
	"github.com/stake-dao/forwarder-indexer/fetch"
	"github.com/stake-dao/forwarder-indexer/indexer"
	"github.com/stake-dao/forwarder-indexer/internal/config"
	"github.com/stake-dao/forwarder-indexer/internal/logger"
	"github.com/stake-dao/forwarder-indexer/replay"
	"github.com/stake-dao/forwarder-indexer/storage"
	"go.uber.org/zap"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		rpcEndpoint = flag.String("rpc", "", "Ethereum RPC endpoint URL")
		dataPath    = flag.String("data", "", "Event store path")
		backend     = flag.String("backend", "", "Storage backend (file, pebble)")
		watched     = flag.String("watched", "", "Comma-separated watched addresses")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")

		runOnce = flag.Bool("once", false, "Run a single ingest pass and exit")
		queryAt = flag.Uint64("query", 0, "Print active forwarders at the given unix time and exit (0 = disabled)")

		enableAPI = flag.Bool("api", false, "Enable API server")
		apiHost   = flag.String("api-host", "", "API server host")
		apiPort   = flag.Int("api-port", 0, "API server port")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("forwarder-indexer version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	applyFlags(cfg, *rpcEndpoint, *dataPath, *backend, *watched, *logLevel, *logFormat)
	applyAPIFlags(cfg, *enableAPI, *apiHost, *apiPort)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := initLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting forwarder indexer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Uint64("chain_id", cfg.Registry.ChainID),
		zap.String("registry", cfg.Registry.Address),
		zap.Int("watched", len(cfg.Registry.Watched)),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("storage_path", cfg.Storage.Path),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	store, err := storage.NewEventStore(&storage.Config{
		Backend: cfg.Storage.Backend,
		Path:    cfg.Storage.Path,
		Logger:  logger.WithComponent(log, "storage"),
	})
	if err != nil {
		log.Fatal("Failed to create event store", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Failed to close event store", zap.Error(err))
		}
	}()

	// A pure query run needs no RPC connection at all
	if *queryAt > 0 {
		if err := runQuery(ctx, cfg, store, *queryAt); err != nil {
			log.Fatal("Query failed", zap.Error(err))
		}
		return
	}

	ethClient, err := client.NewClient(&client.Config{
		Endpoint:        cfg.RPC.Endpoint,
		Timeout:         cfg.RPC.Timeout,
		RateLimit:       cfg.RPC.RateLimit,
		RateBurst:       cfg.RPC.RateBurst,
		HeaderCacheSize: client.DefaultHeaderCacheSize,
		Logger:          logger.WithComponent(log, "client"),
	})
	if err != nil {
		log.Fatal("Failed to create Ethereum client", zap.Error(err))
	}
	defer ethClient.Close()

	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		log.Fatal("Failed to get chain ID", zap.Error(err))
	}
	if chainID.Uint64() != cfg.Registry.ChainID {
		log.Fatal("Connected chain does not match configuration",
			zap.String("connected", chainID.String()),
			zap.Uint64("configured", cfg.Registry.ChainID),
		)
	}
	log.Info("Connected to chain", zap.String("chain_id", chainID.String()))

	registry := prometheus.NewRegistry()

	fetcher, err := fetch.NewFetcher(ethClient, &fetch.Config{
		Registry:   cfg.RegistryAddress(),
		ChunkSize:  cfg.Fetcher.ChunkSize,
		MaxRetries: cfg.Fetcher.MaxRetries,
		RetryDelay: cfg.Fetcher.RetryDelay,
	}, logger.WithComponent(log, "fetch"), fetch.NewMetrics(registry))
	if err != nil {
		log.Fatal("Failed to create fetcher", zap.Error(err))
	}

	ix, err := indexer.New(ethClient, fetcher, store, &indexer.Config{
		ChainID:     cfg.Registry.ChainID,
		DeployBlock: cfg.Registry.DeployBlock,
		DeployTime:  cfg.Registry.DeployTime,
		Watched:     cfg.WatchedAddresses(),
		Workers:     cfg.Indexer.Workers,
	}, logger.WithComponent(log, "indexer"), indexer.NewMetrics(registry))
	if err != nil {
		log.Fatal("Failed to create indexer", zap.Error(err))
	}

	if *runOnce {
		if err := ingestPass(ctx, ix, log); err != nil {
			log.Fatal("Ingest failed", zap.Error(err))
		}
		return
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiConfig := api.DefaultConfig()
		apiConfig.Host = cfg.API.Host
		apiConfig.Port = cfg.API.Port
		apiConfig.EnableRateLimit = cfg.API.EnableRateLimit
		apiConfig.RateLimitPerSecond = cfg.API.RateLimitPerSecond
		apiConfig.RateLimitBurst = cfg.API.RateLimitBurst
		apiConfig.EnableCORS = cfg.API.EnableCORS
		apiConfig.AllowedOrigins = cfg.API.AllowedOrigins

		apiServer, err = api.NewServer(apiConfig, logger.WithComponent(log, "api"), ix, registry)
		if err != nil {
			log.Fatal("Failed to create API server", zap.Error(err))
		}

		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("API server failed", zap.Error(err))
			}
		}()
		log.Info("API server started", zap.String("address", apiConfig.Address()))
	}

	// Periodic ingest loop
	errChan := make(chan error, 1)
	go func() {
		errChan <- ingestLoop(ctx, ix, cfg.Indexer.Interval, log)
	}()

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Ingest loop stopped with error", zap.Error(err))
		}
	}

	log.Info("Shutting down gracefully...")

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop API server gracefully", zap.Error(err))
		}
	}

	log.Info("Indexer stopped")
}

// ingestPass runs one ingest pass over every watched address
func ingestPass(ctx context.Context, ix *indexer.Indexer, log *zap.Logger) error {
	results, err := ix.IngestAll(ctx)
	for _, r := range results {
		log.Info("Ingest result",
			zap.String("watched", r.Watched.Hex()),
			zap.Uint64("from", r.FromBlock),
			zap.Uint64("to", r.ToBlock),
			zap.Int("fetched", r.Fetched),
			zap.Int("stored", r.Stored),
			zap.Uint64("checkpoint", r.Checkpoint),
			zap.Int("gaps", len(r.Gaps)),
		)
	}
	return err
}

// ingestLoop runs an ingest pass immediately and then on every interval tick
func ingestLoop(ctx context.Context, ix *indexer.Indexer, interval time.Duration, log *zap.Logger) error {
	if err := ingestPass(ctx, ix, log); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Transient RPC trouble should not kill the long-running mode
		log.Error("Ingest pass failed, will retry on next tick", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := ingestPass(ctx, ix, log); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error("Ingest pass failed, will retry on next tick", zap.Error(err))
			}
		}
	}
}

// runQuery prints the active forwarders for every watched address at the
// given unix time as JSON on stdout
func runQuery(ctx context.Context, cfg *config.Config, store storage.EventStore, at uint64) error {
	if at < cfg.Registry.DeployTime {
		return fmt.Errorf("cutoff %d predates registry deployment (%d)", at, cfg.Registry.DeployTime)
	}

	type entry struct {
		From       string `json:"from"`
		Start      uint64 `json:"start"`
		Expiration uint64 `json:"expiration"`
	}
	out := make(map[string][]entry)

	for _, watched := range cfg.WatchedAddresses() {
		key := storage.Key{ChainID: cfg.Registry.ChainID, Watched: watched}
		evts, err := store.Load(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to load event log for %s: %w", watched.Hex(), err)
		}
		entries := []entry{}
		for _, f := range replay.ActiveAt(evts, at) {
			entries = append(entries, entry{From: f.From.Hex(), Start: f.Start, Expiration: f.Expiration})
		}
		out[watched.Hex()] = entries
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// loadConfig loads configuration from file and environment variables
func loadConfig(configFile string) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, rpcEndpoint, dataPath, backend, watched, logLevel, logFormat string) {
	if rpcEndpoint != "" {
		cfg.RPC.Endpoint = rpcEndpoint
	}
	if dataPath != "" {
		cfg.Storage.Path = dataPath
	}
	if backend != "" {
		cfg.Storage.Backend = backend
	}
	if watched != "" {
		var addrs []string
		for _, part := range strings.Split(watched, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				addrs = append(addrs, trimmed)
			}
		}
		cfg.Registry.Watched = addrs
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
}

// applyAPIFlags applies API-related command-line flags to configuration
func applyAPIFlags(cfg *config.Config, enableAPI bool, apiHost string, apiPort int) {
	if enableAPI {
		cfg.API.Enabled = true
	}
	if apiHost != "" {
		cfg.API.Host = apiHost
	}
	if apiPort > 0 {
		cfg.API.Port = apiPort
	}
}

// initLogger initializes the logger based on configuration
func initLogger(level, format string) (*zap.Logger, error) {
	if format == "json" || format == "production" {
		return logger.NewProduction()
	}

	cfg := logger.Config{
		Level:       level,
		Encoding:    "console",
		Development: true,
	}
	return logger.NewWithConfig(&cfg)
}
