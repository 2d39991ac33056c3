package api

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/0xmhha/substrate-indexer/internal/constants"
)

// Config holds ops server configuration
type Config struct {
	Host string
	Port int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxHeaderBytes  int

	// EnableRateLimit limits requests per client IP
	EnableRateLimit    bool
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// DefaultConfig returns the default ops server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:               constants.DefaultAPIHost,
		Port:               constants.DefaultAPIPort,
		ReadTimeout:        constants.DefaultReadTimeout,
		WriteTimeout:       constants.DefaultWriteTimeout,
		IdleTimeout:        constants.DefaultIdleTimeout,
		ShutdownTimeout:    constants.DefaultShutdownTimeout,
		MaxHeaderBytes:     constants.DefaultMaxHeaderBytes,
		RateLimitPerSecond: 10,
		RateLimitBurst:     20,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port < constants.MinPort || c.Port > constants.MaxPort {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("read and write timeouts must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if c.EnableRateLimit && (c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("rate limit and burst must be positive")
	}
	return nil
}

// Address returns host:port
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
