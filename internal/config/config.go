package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config holds all configuration for a DHT node
type Config struct {
	// Node identification. The advertised host:port doubles as the ring identifier.
	Host string
	Port int

	// HTTP API
	HTTPPort int

	// gRPC health service (0 disables it)
	HealthPort int

	// Bootstrap is the well-known first node. Empty means this node is the bootstrap node.
	Bootstrap string

	// EtcdEndpoints, when set, are used to elect or discover the bootstrap node
	EtcdEndpoints []string

	// DataDir selects file-backed storage; empty keeps entries in memory
	DataDir string

	// Transport parameters
	DialTimeout    time.Duration // Timeout for opening a peer connection
	RequestTimeout time.Duration // Upper bound the HTTP API puts on a single request
	MaxFrameSize   int           // Largest accepted wire frame in bytes

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // optional rotating log file
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           11108,
		HTTPPort:       8080,
		HealthPort:     0,
		DialTimeout:    3 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxFrameSize:   16 << 20,
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// Address returns the host:port this node listens on and is known by.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsBootstrap reports whether this node starts the ring instead of joining it.
func (c *Config) IsBootstrap() bool {
	return c.Bootstrap == "" || c.Bootstrap == c.Address()
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		return fmt.Errorf("invalid health port: %d", c.HealthPort)
	}
	if c.Bootstrap != "" {
		if _, _, err := net.SplitHostPort(c.Bootstrap); err != nil {
			return fmt.Errorf("invalid bootstrap address %q: %w", c.Bootstrap, err)
		}
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive, got %s", c.DialTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.MaxFrameSize < 64 {
		return fmt.Errorf("max frame size too small: %d", c.MaxFrameSize)
	}
	return nil
}
