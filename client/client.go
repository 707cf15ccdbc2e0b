package client

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultHeaderCacheSize bounds the block-timestamp cache when the config
// does not say otherwise
const DefaultHeaderCacheSize = 4096

// Client wraps the Ethereum JSON-RPC client with request throttling and a
// block-timestamp cache. getLogs results carry no timestamps, so converting
// logs into domain events needs one header lookup per distinct block; the
// cache keeps that from turning into one RPC call per log entry.
type Client struct {
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	endpoint  string
	limiter   *rate.Limiter
	headers   *lru.Cache[uint64, uint64]
	logger    *zap.Logger
}

// Config holds client configuration
type Config struct {
	Endpoint string
	Timeout  time.Duration
	// RateLimit caps outgoing requests per second; 0 disables throttling
	RateLimit float64
	// RateBurst is the throttle burst size
	RateBurst int
	// HeaderCacheSize bounds the block-timestamp cache
	HeaderCacheSize int
	Logger          *zap.Logger
}

// NewClient creates a new Ethereum client
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cacheSize := cfg.HeaderCacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultHeaderCacheSize
	}
	headers, err := lru.New[uint64, uint64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create header cache: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	client := &Client{
		ethClient: ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
		endpoint:  cfg.Endpoint,
		limiter:   limiter,
		headers:   headers,
		logger:    logger,
	}

	if err := client.Ping(ctx); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}

	logger.Info("connected to Ethereum RPC",
		zap.String("endpoint", cfg.Endpoint))

	return client, nil
}

// Ping verifies the connection to the RPC endpoint
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ethClient.ChainID(ctx)
	return err
}

// Close closes the client connection
func (c *Client) Close() {
	if c.ethClient != nil {
		c.ethClient.Close()
	}
}

// ChainID returns the chain ID reported by the endpoint
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return chainID, nil
}

// HeadBlockNumber returns the latest block height
func (c *Client) HeadBlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	blockNumber, err := c.ethClient.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get head block number: %w", err)
	}
	return blockNumber, nil
}

// FilterLogs executes a log filter query
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := c.ethClient.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}
	return logs, nil
}

// BlockTimestamp returns the timestamp of the given block, served from the
// header cache when possible
func (c *Client) BlockTimestamp(ctx context.Context, blockNumber uint64) (uint64, error) {
	if ts, ok := c.headers.Get(blockNumber); ok {
		return ts, nil
	}

	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	header, err := c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return 0, fmt.Errorf("failed to get header %d: %w", blockNumber, err)
	}

	c.headers.Add(blockNumber, header.Time)
	return header.Time, nil
}

// wait blocks until the rate limiter admits another request
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}
