package server

import (
	"log/slog"
	"time"

	"github.com/touka-aoi/udp-endpoint/core/buffer"
)

// Config holds the protocol tunables of an Endpoint.
type Config struct {
	// ConnectionTimeout is how long a connected peer may stay silent before
	// it is dropped.
	ConnectionTimeout time.Duration
	// TimeoutProbeInterval bounds the selector wait, spaces pings and is the
	// default wait between handshake attempts.
	TimeoutProbeInterval time.Duration
	// MaxConnectionRetries is the number of Connect resends after the first.
	MaxConnectionRetries int
	// MaxMTU is the datagram budget used to size fragments, IP and UDP headers included.
	MaxMTU int
	// MaxDatagramSize is the receive buffer size.
	MaxDatagramSize int
	// MaxMessageSize caps a reassembled message. Larger sends are refused and
	// fragments announcing a larger total are dropped as protocol violations.
	MaxMessageSize int
	// AllowUnsolicitedData accepts Data from addresses that never sent Connect.
	AllowUnsolicitedData bool
	// AllowIPFragmentation lets the kernel fragment oversized datagrams.
	AllowIPFragmentation bool
}

func DefaultConfig() Config {
	return Config{
		ConnectionTimeout:    10 * time.Second,
		TimeoutProbeInterval: 1 * time.Second,
		MaxConnectionRetries: 5,
		MaxMTU:               1400,
		MaxDatagramSize:      65507,
		MaxMessageSize:       16 << 20,
	}
}

type Option func(*endpointConfig)

type endpointConfig struct {
	Config
	logger    *slog.Logger
	allocator *buffer.BlockAllocator
}

func WithConfig(c Config) Option {
	return func(o *endpointConfig) {
		o.Config = c
	}
}

func WithConnectionTimeout(d time.Duration) Option {
	return func(o *endpointConfig) {
		o.ConnectionTimeout = d
	}
}

func WithTimeoutProbeInterval(d time.Duration) Option {
	return func(o *endpointConfig) {
		o.TimeoutProbeInterval = d
	}
}

func WithMaxConnectionRetries(n int) Option {
	return func(o *endpointConfig) {
		o.MaxConnectionRetries = n
	}
}

func WithMTU(mtu int) Option {
	return func(o *endpointConfig) {
		o.MaxMTU = mtu
	}
}

func WithMaxMessageSize(n int) Option {
	return func(o *endpointConfig) {
		o.MaxMessageSize = n
	}
}

func WithUnsolicitedData(allow bool) Option {
	return func(o *endpointConfig) {
		o.AllowUnsolicitedData = allow
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *endpointConfig) {
		o.logger = l
	}
}

// WithBlockAllocator shares an allocator between endpoints. By default each
// Endpoint owns one.
func WithBlockAllocator(a *buffer.BlockAllocator) Option {
	return func(o *endpointConfig) {
		o.allocator = a
	}
}
