package api

import (
	"fmt"
	"time"

	"github.com/stake-dao/forwarder-indexer/internal/constants"
)

// Config holds API server configuration
type Config struct {
	// Host is the server host (default: localhost)
	Host string

	// Port is the server port (default: 8080)
	Port int

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes
	WriteTimeout time.Duration

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration

	// MaxHeaderBytes is the maximum size of request headers
	MaxHeaderBytes int

	// ShutdownTimeout is the graceful shutdown timeout
	ShutdownTimeout time.Duration

	// EnableRateLimit enables IP-based rate limiting
	EnableRateLimit bool

	// RateLimitPerSecond is the number of requests allowed per second per IP
	RateLimitPerSecond float64

	// RateLimitBurst is the maximum burst size
	RateLimitBurst int

	// EnableCORS enables CORS headers
	EnableCORS bool

	// AllowedOrigins is the list of allowed CORS origins
	AllowedOrigins []string
}

// DefaultConfig returns a default API server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:               constants.DefaultAPIHost,
		Port:               constants.DefaultAPIPort,
		ReadTimeout:        constants.DefaultReadTimeout,
		WriteTimeout:       constants.DefaultWriteTimeout,
		IdleTimeout:        constants.DefaultIdleTimeout,
		MaxHeaderBytes:     constants.DefaultMaxHeaderBytes,
		ShutdownTimeout:    constants.DefaultShutdownTimeout,
		EnableRateLimit:    false,
		RateLimitPerSecond: constants.DefaultRateLimitPerSecond,
		RateLimitBurst:     constants.DefaultRateLimitBurst,
		EnableCORS:         false,
		AllowedOrigins:     []string{"*"},
	}
}

// Validate validates the API server configuration
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port < constants.MinPort || c.Port > constants.MaxPort {
		return fmt.Errorf("port must be between %d and %d", constants.MinPort, constants.MaxPort)
	}
	if c.EnableRateLimit {
		if c.RateLimitPerSecond <= 0 {
			return fmt.Errorf("rate limit per second must be positive")
		}
		if c.RateLimitBurst <= 0 {
			return fmt.Errorf("rate limit burst must be positive")
		}
	}
	return nil
}

// Address returns the listen address in host:port form
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
