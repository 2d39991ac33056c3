package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/0xmhha/substrate-indexer/internal/constants"
	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverPebble   = "pebble"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the indexer
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	RPC      RPCConfig      `yaml:"rpc"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	API      APIConfig      `yaml:"api"`
	Plugins  PluginsConfig  `yaml:"plugins"`
}

// ChainConfig identifies the chain being indexed
type ChainConfig struct {
	// ID keys the IndexerState row
	ID string `yaml:"id"`
}

// RPCConfig holds node connection configuration
type RPCConfig struct {
	// Endpoints are HTTP(S) or WS(S) JSON-RPC urls used round-robin for calls
	Endpoints []string `yaml:"endpoints"`
	// WSEndpoint serves head subscriptions. Defaults to the first ws(s) endpoint.
	WSEndpoint string `yaml:"ws_endpoint"`
	// Timeout per call, 0 disables
	Timeout time.Duration `yaml:"timeout"`
	// RateLimit in requests per second across the pool, 0 disables
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// DatabaseConfig holds persistence configuration
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	ReadOnly bool   `yaml:"readonly"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IndexerConfig holds synchronizer configuration
type IndexerConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// APIConfig holds ops HTTP server configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// PluginsConfig holds built-in extension configuration
type PluginsConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis publisher extension
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password,omitempty"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// NewConfig creates a configuration with defaults applied
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every unset field
func (c *Config) SetDefaults() {
	if c.Chain.ID == "" {
		c.Chain.ID = constants.DefaultChainID
	}
	if c.RPC.RateBurst == 0 {
		c.RPC.RateBurst = constants.DefaultRPCRateBurst
	}
	if c.RPC.WSEndpoint == "" {
		for _, ep := range c.RPC.Endpoints {
			if strings.HasPrefix(ep, "ws://") || strings.HasPrefix(ep, "wss://") {
				c.RPC.WSEndpoint = ep
				break
			}
		}
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverPebble
	}
	if c.Database.Driver == DriverPebble && c.Database.Path == "" {
		c.Database.Path = "./data"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = constants.DefaultPostgresMaxConns
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Indexer.BatchSize == 0 {
		c.Indexer.BatchSize = constants.DefaultBatchSize
	}
	if c.Indexer.MaxRetries == 0 {
		c.Indexer.MaxRetries = constants.DefaultMaxRetries
	}
	if c.Indexer.RetryDelay == 0 {
		c.Indexer.RetryDelay = constants.DefaultRetryDelay
	}

	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}

	if c.Plugins.Redis.Addr == "" {
		c.Plugins.Redis.Addr = "localhost:6379"
	}
	if c.Plugins.Redis.ChannelPrefix == "" {
		c.Plugins.Redis.ChannelPrefix = constants.DefaultRedisChannelPrefix
	}
}

// LoadFromEnv overrides values from INDEXER_* environment variables
func (c *Config) LoadFromEnv() error {
	if id := os.Getenv("INDEXER_CHAIN_ID"); id != "" {
		c.Chain.ID = id
	}

	if endpoints := os.Getenv("INDEXER_RPC_ENDPOINTS"); endpoints != "" {
		c.RPC.Endpoints = splitList(endpoints)
	}
	if ws := os.Getenv("INDEXER_RPC_WS_ENDPOINT"); ws != "" {
		c.RPC.WSEndpoint = ws
	}
	if timeout := os.Getenv("INDEXER_RPC_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_RPC_TIMEOUT: %w", err)
		}
		c.RPC.Timeout = duration
	}
	if limit := os.Getenv("INDEXER_RPC_RATE_LIMIT"); limit != "" {
		val, err := strconv.ParseFloat(limit, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_RPC_RATE_LIMIT: %w", err)
		}
		c.RPC.RateLimit = val
	}

	if driver := os.Getenv("INDEXER_DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if path := os.Getenv("INDEXER_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	// DATABASE_URL is honored when INDEXER_DB_URL is unset
	if dbURL := os.Getenv("INDEXER_DB_URL"); dbURL != "" {
		c.Database.URL = dbURL
	} else if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" && c.Database.URL == "" {
		c.Database.URL = dbURL
	}
	if readonly := os.Getenv("INDEXER_DB_READONLY"); readonly != "" {
		val, err := strconv.ParseBool(readonly)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_DB_READONLY: %w", err)
		}
		c.Database.ReadOnly = val
	}

	if level := os.Getenv("INDEXER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("INDEXER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	if batch := os.Getenv("INDEXER_BATCH_SIZE"); batch != "" {
		val, err := strconv.Atoi(batch)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_BATCH_SIZE: %w", err)
		}
		c.Indexer.BatchSize = val
	}
	if retries := os.Getenv("INDEXER_MAX_RETRIES"); retries != "" {
		val, err := strconv.Atoi(retries)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_MAX_RETRIES: %w", err)
		}
		c.Indexer.MaxRetries = val
	}
	if delay := os.Getenv("INDEXER_RETRY_DELAY"); delay != "" {
		duration, err := time.ParseDuration(delay)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_RETRY_DELAY: %w", err)
		}
		c.Indexer.RetryDelay = duration
	}

	if enabled := os.Getenv("INDEXER_API_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_ENABLED: %w", err)
		}
		c.API.Enabled = val
	}
	if host := os.Getenv("INDEXER_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("INDEXER_API_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_PORT: %w", err)
		}
		c.API.Port = val
	}

	if enabled := os.Getenv("INDEXER_REDIS_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_REDIS_ENABLED: %w", err)
		}
		c.Plugins.Redis.Enabled = val
	}
	if addr := os.Getenv("INDEXER_REDIS_ADDR"); addr != "" {
		c.Plugins.Redis.Addr = addr
	}
	if password := os.Getenv("INDEXER_REDIS_PASSWORD"); password != "" {
		c.Plugins.Redis.Password = password
	}
	if db := os.Getenv("INDEXER_REDIS_DB"); db != "" {
		val, err := strconv.Atoi(db)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_REDIS_DB: %w", err)
		}
		c.Plugins.Redis.DB = val
	}

	return nil
}

func splitList(s string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain.ID == "" {
		return fmt.Errorf("chain id is required")
	}

	if len(c.RPC.Endpoints) == 0 {
		return fmt.Errorf("at least one RPC endpoint is required")
	}
	for _, ep := range c.RPC.Endpoints {
		if err := validateURL(ep, "http", "https", "ws", "wss"); err != nil {
			return fmt.Errorf("invalid RPC endpoint %q: %w", ep, err)
		}
	}
	if c.RPC.WSEndpoint == "" {
		return fmt.Errorf("a websocket endpoint is required for head subscriptions")
	}
	if err := validateURL(c.RPC.WSEndpoint, "ws", "wss"); err != nil {
		return fmt.Errorf("invalid websocket endpoint %q: %w", c.RPC.WSEndpoint, err)
	}
	if c.RPC.Timeout < 0 {
		return fmt.Errorf("RPC timeout cannot be negative")
	}
	if c.RPC.RateLimit < 0 {
		return fmt.Errorf("RPC rate limit cannot be negative")
	}

	switch c.Database.Driver {
	case DriverPebble:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for pebble")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database url is required for postgres")
		}
	default:
		return fmt.Errorf("invalid database driver %q, must be one of: pebble, postgres", c.Database.Driver)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if c.Indexer.BatchSize <= 0 || c.Indexer.BatchSize > constants.MaxBatchSize {
		return fmt.Errorf("batch size must be between 1 and %d", constants.MaxBatchSize)
	}
	if c.Indexer.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Indexer.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}

	if c.API.Enabled && (c.API.Port < constants.MinPort || c.API.Port > constants.MaxPort) {
		return fmt.Errorf("invalid API port %d", c.API.Port)
	}

	if c.Plugins.Redis.Enabled && c.Plugins.Redis.Addr == "" {
		return fmt.Errorf("redis publisher enabled but no address configured")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// Load is a convenience method that loads configuration in the following order:
// 1. Load from file (if provided)
// 2. Load from environment variables (override file)
// 3. Set defaults for anything still unset
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
