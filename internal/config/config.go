package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stake-dao/forwarder-indexer/internal/constants"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the forwarder indexer
type Config struct {
	RPC      RPCConfig      `yaml:"rpc"`
	Registry RegistryConfig `yaml:"registry"`
	Storage  StorageConfig  `yaml:"storage"`
	Fetcher  FetcherConfig  `yaml:"fetcher"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Log      LogConfig      `yaml:"log"`
	API      APIConfig      `yaml:"api"`
}

// RPCConfig holds Ethereum RPC client configuration
type RPCConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	// RateLimit caps outgoing RPC requests per second (0 disables throttling)
	RateLimit float64 `yaml:"rate_limit"`
	// RateBurst is the throttle burst size
	RateBurst int `yaml:"rate_burst"`
}

// RegistryConfig identifies the forwarding registry and the addresses to track
type RegistryConfig struct {
	// ChainID is the numeric chain ID the registry lives on
	ChainID uint64 `yaml:"chain_id"`
	// Address is the registry contract address
	Address string `yaml:"address"`
	// DeployBlock is the lowest block ever scanned; resume points below it
	// are clamped up to this height
	DeployBlock uint64 `yaml:"deploy_block"`
	// DeployTime is the unix timestamp of the deploy block; query cutoffs
	// below it are rejected
	DeployTime uint64 `yaml:"deploy_time"`
	// Watched is the list of destination addresses whose incoming
	// forwarders are indexed
	Watched []string `yaml:"watched"`
}

// StorageConfig holds event store configuration
type StorageConfig struct {
	// Backend selects the store implementation: "file" or "pebble"
	Backend string `yaml:"backend"`
	// Path is the data directory (file backend) or database path (pebble)
	Path string `yaml:"path"`
}

// FetcherConfig holds range-fetcher configuration
type FetcherConfig struct {
	ChunkSize  uint64        `yaml:"chunk_size"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// IndexerConfig holds orchestrator configuration
type IndexerConfig struct {
	// Workers is the number of watched addresses ingested concurrently
	Workers int `yaml:"workers"`
	// Interval is the re-ingest cadence in long-running mode
	Interval time.Duration `yaml:"interval"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	EnableRateLimit    bool     `yaml:"enable_rate_limit"`
	RateLimitPerSecond float64  `yaml:"rate_limit_per_second"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
	EnableCORS         bool     `yaml:"enable_cors"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	// RPC defaults
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = constants.DefaultQueryTimeout
	}
	if c.RPC.RateLimit == 0 {
		c.RPC.RateLimit = constants.DefaultRPCRateLimit
	}
	if c.RPC.RateBurst == 0 {
		c.RPC.RateBurst = constants.DefaultRPCRateBurst
	}

	// Registry defaults
	if c.Registry.ChainID == 0 {
		c.Registry.ChainID = constants.MainnetChainID
	}
	if c.Registry.Address == "" {
		c.Registry.Address = constants.DefaultRegistryAddress
	}
	if c.Registry.DeployBlock == 0 {
		c.Registry.DeployBlock = constants.DefaultRegistryDeployBlock
	}
	if c.Registry.DeployTime == 0 {
		c.Registry.DeployTime = constants.DefaultRegistryDeployTime
	}

	// Storage defaults
	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data"
	}

	// Fetcher defaults
	if c.Fetcher.ChunkSize == 0 {
		c.Fetcher.ChunkSize = constants.DefaultChunkSize
	}
	if c.Fetcher.MaxRetries == 0 {
		c.Fetcher.MaxRetries = constants.DefaultMaxRetries
	}
	if c.Fetcher.RetryDelay == 0 {
		c.Fetcher.RetryDelay = constants.DefaultRetryBaseDelay
	}

	// Indexer defaults
	if c.Indexer.Workers == 0 {
		c.Indexer.Workers = constants.DefaultIngestWorkers
	}
	if c.Indexer.Interval == 0 {
		c.Indexer.Interval = constants.DefaultIngestInterval
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// API defaults
	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}
	if c.API.RateLimitPerSecond == 0 {
		c.API.RateLimitPerSecond = constants.DefaultRateLimitPerSecond
	}
	if c.API.RateLimitBurst == 0 {
		c.API.RateLimitBurst = constants.DefaultRateLimitBurst
	}
	if c.API.AllowedOrigins == nil {
		c.API.AllowedOrigins = []string{"*"}
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over file configuration.
func (c *Config) LoadFromEnv() error {
	if endpoint := os.Getenv("FORWARDER_RPC_ENDPOINT"); endpoint != "" {
		c.RPC.Endpoint = endpoint
	}
	if timeout := os.Getenv("FORWARDER_RPC_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid FORWARDER_RPC_TIMEOUT: %w", err)
		}
		c.RPC.Timeout = duration
	}

	if chainID := os.Getenv("FORWARDER_CHAIN_ID"); chainID != "" {
		val, err := strconv.ParseUint(chainID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid FORWARDER_CHAIN_ID: %w", err)
		}
		c.Registry.ChainID = val
	}
	if addr := os.Getenv("FORWARDER_REGISTRY_ADDRESS"); addr != "" {
		c.Registry.Address = addr
	}
	if deployBlock := os.Getenv("FORWARDER_DEPLOY_BLOCK"); deployBlock != "" {
		val, err := strconv.ParseUint(deployBlock, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid FORWARDER_DEPLOY_BLOCK: %w", err)
		}
		c.Registry.DeployBlock = val
	}
	if deployTime := os.Getenv("FORWARDER_DEPLOY_TIME"); deployTime != "" {
		val, err := strconv.ParseUint(deployTime, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid FORWARDER_DEPLOY_TIME: %w", err)
		}
		c.Registry.DeployTime = val
	}
	if watched := os.Getenv("FORWARDER_WATCHED"); watched != "" {
		c.Registry.Watched = splitAndTrim(watched)
	}

	if backend := os.Getenv("FORWARDER_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if path := os.Getenv("FORWARDER_STORAGE_PATH"); path != "" {
		c.Storage.Path = path
	}

	if chunkSize := os.Getenv("FORWARDER_CHUNK_SIZE"); chunkSize != "" {
		val, err := strconv.ParseUint(chunkSize, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid FORWARDER_CHUNK_SIZE: %w", err)
		}
		c.Fetcher.ChunkSize = val
	}
	if maxRetries := os.Getenv("FORWARDER_MAX_RETRIES"); maxRetries != "" {
		val, err := strconv.Atoi(maxRetries)
		if err != nil {
			return fmt.Errorf("invalid FORWARDER_MAX_RETRIES: %w", err)
		}
		c.Fetcher.MaxRetries = val
	}

	if workers := os.Getenv("FORWARDER_WORKERS"); workers != "" {
		val, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("invalid FORWARDER_WORKERS: %w", err)
		}
		c.Indexer.Workers = val
	}

	if level := os.Getenv("FORWARDER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("FORWARDER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	if enabled := os.Getenv("FORWARDER_API_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid FORWARDER_API_ENABLED: %w", err)
		}
		c.API.Enabled = val
	}
	if host := os.Getenv("FORWARDER_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("FORWARDER_API_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid FORWARDER_API_PORT: %w", err)
		}
		c.API.Port = val
	}

	return nil
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
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("RPC endpoint is required")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}

	if c.Registry.ChainID == 0 {
		return fmt.Errorf("chain ID is required")
	}
	if !common.IsHexAddress(c.Registry.Address) {
		return fmt.Errorf("invalid registry address %q", c.Registry.Address)
	}
	if len(c.Registry.Watched) == 0 {
		return fmt.Errorf("at least one watched address is required")
	}
	for _, watched := range c.Registry.Watched {
		if !common.IsHexAddress(watched) {
			return fmt.Errorf("invalid watched address %q", watched)
		}
	}

	switch c.Storage.Backend {
	case "file", "pebble":
	default:
		return fmt.Errorf("invalid storage backend %q, must be one of: file, pebble", c.Storage.Backend)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if c.Fetcher.ChunkSize == 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.Fetcher.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if c.Fetcher.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}

	if c.Indexer.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
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

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if c.API.Enabled {
		if c.API.Port < constants.MinPort || c.API.Port > constants.MaxPort {
			return fmt.Errorf("API port must be between %d and %d", constants.MinPort, constants.MaxPort)
		}
	}

	return nil
}

// WatchedAddresses returns the configured watched addresses in canonical form
func (c *Config) WatchedAddresses() []common.Address {
	addrs := make([]common.Address, 0, len(c.Registry.Watched))
	for _, watched := range c.Registry.Watched {
		addrs = append(addrs, common.HexToAddress(watched))
	}
	return addrs
}

// RegistryAddress returns the registry contract address in canonical form
func (c *Config) RegistryAddress() common.Address {
	return common.HexToAddress(c.Registry.Address)
}

// Load is a convenience method that loads configuration in the following order:
// file (if provided), environment variables, defaults, validation.
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

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

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
