package constants

import "time"

// Registry Constants
const (
	// DefaultRegistryAddress is the reward-forwarding registry contract on mainnet
	DefaultRegistryAddress = "0x5db1Ca2Af1F0C7d43bB87F582b4148155195Bb2C"

	// DefaultRegistryDeployBlock is the block the registry was deployed at.
	// Ingestion never starts below this height.
	DefaultRegistryDeployBlock = 16_376_000

	// DefaultRegistryDeployTime is the unix timestamp of the deploy block.
	// Queries with a cutoff before it are caller errors.
	DefaultRegistryDeployTime = 1_673_320_000

	// MainnetChainID is the Ethereum mainnet chain ID
	MainnetChainID = 1
)

// Fetcher Constants
const (
	// DefaultChunkSize is the number of blocks covered by a single getLogs query
	DefaultChunkSize = 50_000

	// DefaultMaxRetries is the maximum number of attempts for a failed chunk query
	DefaultMaxRetries = 3

	// DefaultRetryBaseDelay is the initial backoff delay, doubled on each attempt
	DefaultRetryBaseDelay = 2 * time.Second

	// DefaultQueryTimeout is the default timeout for a single RPC call
	DefaultQueryTimeout = 30 * time.Second

	// DefaultRPCRateLimit is the default client-side RPC request rate (per second)
	DefaultRPCRateLimit = 10

	// DefaultRPCRateBurst is the default client-side RPC request burst
	DefaultRPCRateBurst = 20

	// DefaultHeaderCacheSize is the number of block headers cached for
	// timestamp resolution
	DefaultHeaderCacheSize = 4096
)

// Indexer Constants
const (
	// DefaultIngestWorkers is the number of watched addresses ingested concurrently
	DefaultIngestWorkers = 4

	// DefaultIngestInterval is how often the long-running mode re-ingests
	DefaultIngestInterval = 15 * time.Minute
)

// API Server Constants
const (
	// DefaultAPIHost is the default API server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default API server port
	DefaultAPIPort = 8080

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxHeaderBytes is the default maximum request header size (1 MB)
	DefaultMaxHeaderBytes = 1 << 20

	// DefaultRateLimitPerSecond is the default API rate limit (requests per second)
	DefaultRateLimitPerSecond = 100

	// DefaultRateLimitBurst is the default API rate limit burst size
	DefaultRateLimitBurst = 200
)
