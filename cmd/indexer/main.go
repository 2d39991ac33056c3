package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/0xmhha/substrate-indexer/internal/config"
	"github.com/0xmhha/substrate-indexer/internal/logger"
	"github.com/0xmhha/substrate-indexer/pkg/api"
	"github.com/0xmhha/substrate-indexer/pkg/chainstate"
	"github.com/0xmhha/substrate-indexer/pkg/client"
	"github.com/0xmhha/substrate-indexer/pkg/decoder"
	"github.com/0xmhha/substrate-indexer/pkg/fetch"
	"github.com/0xmhha/substrate-indexer/pkg/ingest"
	"github.com/0xmhha/substrate-indexer/pkg/metrics"
	"github.com/0xmhha/substrate-indexer/pkg/plugin"
	"github.com/0xmhha/substrate-indexer/pkg/processor"
	"github.com/0xmhha/substrate-indexer/pkg/storage"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// flags override values from the config file and environment
type flags struct {
	configFile  string
	showVersion bool
	chainID     string
	rpc         string
	wsEndpoint  string
	dbDriver    string
	dbPath      string
	dbURL       string
	batchSize   int
	logLevel    string
	logFormat   string
	enableAPI   bool
	apiHost     string
	apiPort     int
	enableRedis bool
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML)")
	flag.BoolVar(&f.showVersion, "version", false, "Show version information and exit")
	flag.StringVar(&f.chainID, "chain", "", "Chain identifier keying the indexer state")
	flag.StringVar(&f.rpc, "rpc", "", "Comma-separated Substrate RPC endpoints")
	flag.StringVar(&f.wsEndpoint, "ws", "", "WebSocket endpoint for head subscriptions")
	flag.StringVar(&f.dbDriver, "db-driver", "", "Database driver (pebble, postgres)")
	flag.StringVar(&f.dbPath, "db", "", "Pebble database path")
	flag.StringVar(&f.dbURL, "db-url", "", "PostgreSQL connection url")
	flag.IntVar(&f.batchSize, "batch-size", 0, "Number of heights processed concurrently during backfill")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.logFormat, "log-format", "", "Log format (json, console)")
	flag.BoolVar(&f.enableAPI, "api", false, "Enable ops API server")
	flag.StringVar(&f.apiHost, "api-host", "", "Ops API server host")
	flag.IntVar(&f.apiPort, "api-port", 0, "Ops API server port")
	flag.BoolVar(&f.enableRedis, "redis", false, "Enable the Redis publisher extension")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()

	if f.showVersion {
		fmt.Printf("substrate-indexer version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = logger.WithChain(log, cfg.Chain.ID)

	log.Info("Starting indexer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.Strings("rpc_endpoints", cfg.RPC.Endpoints),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Int("batch_size", cfg.Indexer.BatchSize),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	store, err := storage.Open(ctx, &storage.Options{
		Backend:  cfg.Database.Driver,
		Path:     cfg.Database.Path,
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		ReadOnly: cfg.Database.ReadOnly,
		Logger:   logger.WithComponent(log, "storage"),
	})
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}

	nodeClient, err := client.NewClient(ctx, &client.Config{
		Endpoints: cfg.RPC.Endpoints,
		Timeout:   cfg.RPC.Timeout,
		RateLimit: cfg.RPC.RateLimit,
		RateBurst: cfg.RPC.RateBurst,
		Logger:    logger.WithComponent(log, "rpc"),
	})
	if err != nil {
		_ = store.Close()
		log.Fatal("Failed to connect to node", zap.Error(err))
	}

	blockDecoder := decoder.NewMetadataDecoder(nodeClient, logger.WithComponent(log, "decoder"))
	fetcher, err := fetch.NewFetcher(&fetch.Config{
		Client:  nodeClient,
		Decoder: blockDecoder,
		Logger:  logger.WithComponent(log, "fetch"),
	})
	if err != nil {
		log.Fatal("Failed to create fetcher", zap.Error(err))
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(metrics.WithRegisterer(promRegistry))

	registry, err := plugin.NewRegistry(logger.WithComponent(log, "plugin"), promRegistry)
	if err != nil {
		log.Fatal("Failed to create plugin registry", zap.Error(err))
	}

	var publisher *plugin.Publisher
	if cfg.Plugins.Redis.Enabled {
		publisher, err = plugin.NewRedisPublisher(ctx, plugin.PublisherConfig{
			Addr:          cfg.Plugins.Redis.Addr,
			Password:      cfg.Plugins.Redis.Password,
			DB:            cfg.Plugins.Redis.DB,
			ChannelPrefix: cfg.Plugins.Redis.ChannelPrefix,
		}, log)
		if err != nil {
			log.Fatal("Failed to start Redis publisher", zap.Error(err))
		}
		if err := registry.Register(publisher); err != nil {
			log.Fatal("Failed to register Redis publisher", zap.Error(err))
		}
	}

	proc := processor.New(store, registry, logger.WithComponent(log, "processor"))

	syncLog := logger.WithComponent(log, "sync")
	synchronizer, err := ingest.New(&ingest.Config{
		ChainID:    cfg.Chain.ID,
		BatchSize:  cfg.Indexer.BatchSize,
		MaxRetries: cfg.Indexer.MaxRetries,
		RetryDelay: cfg.Indexer.RetryDelay,
		Subscriber: &ingest.WSSubscriber{Config: client.SubscriptionConfig{
			Endpoint: cfg.RPC.WSEndpoint,
			Logger:   logger.WithComponent(log, "subscription"),
		}},
		OnRuntimeUpgrade: func(height uint64, oldVersion, newVersion uint32) {
			// blocks of the old version still in flight reload its metadata on demand
			blockDecoder.Evict(oldVersion)
			syncLog.Info("runtime upgraded, released metadata of the previous version",
				zap.Uint64("height", height),
				zap.Uint32("old_spec_version", oldVersion),
				zap.Uint32("new_spec_version", newVersion),
				zap.Int("cached_versions", blockDecoder.Len()),
			)
		},
	}, fetcher, proc, store, collector, syncLog)
	if err != nil {
		log.Fatal("Failed to create synchronizer", zap.Error(err))
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiConfig := api.DefaultConfig()
		apiConfig.Host = cfg.API.Host
		apiConfig.Port = cfg.API.Port

		apiServer, err = api.NewServer(apiConfig, api.Deps{
			ChainID:    cfg.Chain.ID,
			Store:      store,
			Metrics:    collector,
			Balances:   chainstate.NewReader(nodeClient, logger.WithComponent(log, "chainstate")),
			Extensions: registry,
			Gatherer:   promRegistry,
		}, logger.WithComponent(log, "api"))
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

	errChan := make(chan error, 1)
	go func() {
		errChan <- synchronizer.Start(ctx)
	}()

	// Start returns once live tracking is running; only a failure ends the process early
	var runErr error
	for done := false; !done; {
		select {
		case sig := <-sigChan:
			log.Info("Received shutdown signal", zap.String("signal", sig.String()))
			done = true
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Synchronizer stopped with error", zap.Error(err))
				runErr = err
				done = true
			}
		}
	}

	log.Info("Shutting down gracefully...")
	cancel()
	synchronizer.Stop()

	var closeErr error
	if apiServer != nil {
		closeErr = multierr.Append(closeErr, apiServer.Stop(context.Background()))
	}
	if publisher != nil {
		closeErr = multierr.Append(closeErr, publisher.Close())
	}
	nodeClient.Close()
	closeErr = multierr.Append(closeErr, store.Close())
	if closeErr != nil {
		log.Error("Errors during shutdown", zap.Error(closeErr))
	}

	log.Info("Indexer stopped",
		zap.Uint64("last_finalized", synchronizer.LastFinalized()),
		zap.Uint64("plugin_failures", registry.Failures()),
	)
	if runErr != nil {
		os.Exit(1)
	}
}

// loadConfig reads .env, the config file and the environment, then applies flags and validates
func loadConfig(f *flags) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &config.Config{}
	if f.configFile != "" {
		if err := cfg.LoadFromFile(f.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	applyFlags(cfg, f)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
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
func applyFlags(cfg *config.Config, f *flags) {
	if f.chainID != "" {
		cfg.Chain.ID = f.chainID
	}
	if f.rpc != "" {
		cfg.RPC.Endpoints = nil
		for _, ep := range strings.Split(f.rpc, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				cfg.RPC.Endpoints = append(cfg.RPC.Endpoints, ep)
			}
		}
	}
	if f.wsEndpoint != "" {
		cfg.RPC.WSEndpoint = f.wsEndpoint
	}
	if f.dbDriver != "" {
		cfg.Database.Driver = f.dbDriver
	}
	if f.dbPath != "" {
		cfg.Database.Path = f.dbPath
	}
	if f.dbURL != "" {
		cfg.Database.URL = f.dbURL
	}
	if f.batchSize > 0 {
		cfg.Indexer.BatchSize = f.batchSize
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.enableAPI {
		cfg.API.Enabled = true
	}
	if f.apiHost != "" {
		cfg.API.Host = f.apiHost
	}
	if f.apiPort > 0 {
		cfg.API.Port = f.apiPort
	}
	if f.enableRedis {
		cfg.Plugins.Redis.Enabled = true
	}
}
