package client

import (
	"crypto/tls"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ksinghal/mqtt-nio/framing"
	"github.com/ksinghal/mqtt-nio/pkg/logger"
	"github.com/ksinghal/mqtt-nio/transport"
)

var (
	// ErrInvalidConfig indicates the client configuration cannot identify
	// a broker or combines options illegally (for example port 0).
	ErrInvalidConfig = errors.New("invalid client configuration")
)

// Config holds client configuration. Use NewConfig to derive the port from
// the scheme; an explicit port 0 is rejected.
type Config struct {
	Host string
	Port uint16

	// UseSSL wraps the stream in TLS; default port becomes 8883.
	UseSSL bool
	// TLSConfig is handed to the transport untouched apart from the
	// server name default.
	TLSConfig *tls.Config
	// SNIServerName sets the TLS server name when TLSConfig carries none;
	// defaults to Host.
	SNIServerName string

	// UseWebSocket tunnels MQTT over WebSocket with subprotocol "mqtt".
	UseWebSocket bool
	// WebSocketPath is the upgrade request path, default "/mqtt".
	WebSocketPath string

	// ProxyAddr routes the TCP connection through a SOCKS5 proxy.
	ProxyAddr string

	// Identifier is the default MQTT client identifier for connects.
	Identifier string

	// Timeout bounds each request from send to acknowledgment. Zero
	// waits forever.
	Timeout time.Duration

	// DialTimeout bounds transport establishment including the TLS
	// handshake. Zero means no bound.
	DialTimeout time.Duration

	// MaxPacketSize bounds inbound packets; zero selects the framer
	// default (the varint maximum).
	MaxPacketSize int

	// ConnectRetry retries transport establishment with exponential
	// backoff before giving up. Off by default.
	ConnectRetry bool
	// Backoff shapes the connect retry; nil selects the default shape.
	Backoff *transport.BackoffConfig

	// Logger receives client diagnostics; nil discards them.
	Logger logger.Logger

	// Registerer receives the client's Prometheus collectors; nil
	// disables metrics registration.
	Registerer prometheus.Registerer
}

// NewConfig creates a configuration for the given broker host with the
// port derived from the scheme: 8883 with TLS, 1883 without.
func NewConfig(host string, useSSL bool) *Config {
	port := uint16(transport.DefaultPort)
	if useSSL {
		port = uint16(transport.DefaultTLSPort)
	}

	return &Config{
		Host:          host,
		Port:          port,
		UseSSL:        useSSL,
		WebSocketPath: "/mqtt",
	}
}

// Validate rejects configurations that cannot identify a broker.
func (cfg *Config) Validate() error {
	if cfg.Host == "" {
		return ErrInvalidConfig
	}
	if cfg.Port == 0 {
		return ErrInvalidConfig
	}
	if cfg.MaxPacketSize < 0 {
		return ErrInvalidConfig
	}
	if cfg.Backoff != nil {
		if err := cfg.Backoff.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// transportConfig translates the client configuration for the transport
// layer.
func (cfg *Config) transportConfig() *transport.Config {
	path := cfg.WebSocketPath
	if path == "" {
		path = "/mqtt"
	}

	return &transport.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		UseSSL:        cfg.UseSSL,
		TLSConfig:     cfg.TLSConfig,
		SNIServerName: cfg.SNIServerName,
		UseWebSocket:  cfg.UseWebSocket,
		WebSocketPath: path,
		ProxyAddr:     cfg.ProxyAddr,
		DialTimeout:   cfg.DialTimeout,
	}
}

// framerConfig translates the packet size bound for the framer.
func (cfg *Config) framerConfig() *framing.Config {
	return &framing.Config{MaxPacketSize: cfg.MaxPacketSize}
}
