package geyser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Default configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultReconnectMinDelay is the minimum delay before reconnecting.
	DefaultReconnectMinDelay = 1 * time.Second

	// DefaultReconnectMaxDelay is the maximum delay before reconnecting.
	DefaultReconnectMaxDelay = 60 * time.Second

	// DefaultUpdateChannelSize is the client's update buffer.
	DefaultUpdateChannelSize = 1024

	// DefaultSubscriberBuffer is how many updates the server queues per
	// subscriber before dropping it.
	DefaultSubscriberBuffer = 4096

	// DefaultMaxSubscribers bounds concurrent subscriptions.
	DefaultMaxSubscribers = 256

	// DefaultMaxMessageSize is the default maximum gRPC message size.
	DefaultMaxMessageSize = 16 * 1024 * 1024
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("geyser endpoint is required")
	ErrInvalidConfig = errors.New("invalid geyser configuration")
)

// ServerConfig holds the configuration for the Geyser server.
type ServerConfig struct {
	// ListenAddr is the TCP address to serve on (e.g. ":10000").
	ListenAddr string

	// Token, when set, must be presented in the x-token header.
	// Supports ${VAR} expansion.
	Token string

	// SubscriberBuffer is the per-subscriber queue length.
	SubscriberBuffer int

	// MaxSubscribers bounds concurrent subscriptions.
	MaxSubscribers int

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultServerConfig returns a server configuration with defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:       ":10000",
		SubscriberBuffer: DefaultSubscriberBuffer,
		MaxSubscribers:   DefaultMaxSubscribers,
		MaxMessageSize:   DefaultMaxMessageSize,
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
	}
}

// Validate checks if the configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("%w: subscriber buffer must be positive", ErrInvalidConfig)
	}
	if c.MaxSubscribers <= 0 {
		return fmt.Errorf("%w: max subscribers must be positive", ErrInvalidConfig)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ClientConfig holds the configuration for the Geyser client.
type ClientConfig struct {
	// Endpoint is the gRPC endpoint (e.g. "localhost:10000"). Required.
	Endpoint string

	// Token is sent in the x-token header. Supports ${VAR} expansion.
	Token string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Filter selects the updates to receive.
	Filter SubscribeRequest

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// Reconnection configuration.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	MaxReconnects     int // 0 = unlimited

	// UpdateChannelSize is the buffer of the Updates channel.
	UpdateChannelSize int

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// Dialer overrides how connections are made; used in tests.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)

	// OnConnect is called when a stream is established (optional).
	OnConnect func()

	// OnDisconnect is called when the stream breaks (optional).
	OnDisconnect func(error)
}

// DefaultClientConfig returns a client configuration with defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		KeepaliveTime:     DefaultKeepaliveTime,
		KeepaliveTimeout:  DefaultKeepaliveTimeout,
		ReconnectMinDelay: DefaultReconnectMinDelay,
		ReconnectMaxDelay: DefaultReconnectMaxDelay,
		UpdateChannelSize: DefaultUpdateChannelSize,
		MaxMessageSize:    DefaultMaxMessageSize,
	}
}

// Validate checks if the configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	if c.UpdateChannelSize <= 0 {
		return fmt.Errorf("%w: update channel size must be positive", ErrInvalidConfig)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveTime <= 0 || c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive must be positive", ErrInvalidConfig)
	}
	if c.ReconnectMinDelay <= 0 {
		return fmt.Errorf("%w: reconnect min delay must be positive", ErrInvalidConfig)
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		return fmt.Errorf("%w: reconnect max delay must be >= min delay", ErrInvalidConfig)
	}
	return nil
}

// WithDefaults returns a copy with defaults applied to zero values.
func (c ClientConfig) WithDefaults() ClientConfig {
	defaults := DefaultClientConfig()
	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = defaults.KeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = defaults.KeepaliveTimeout
	}
	if c.ReconnectMinDelay == 0 {
		c.ReconnectMinDelay = defaults.ReconnectMinDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if c.UpdateChannelSize == 0 {
		c.UpdateChannelSize = defaults.UpdateChannelSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	return c
}

// expandEnvVars expands ${VAR} references in a string.
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start
		result = result[:start] + os.Getenv(result[start+2:end]) + result[end+1:]
	}
	return result
}
