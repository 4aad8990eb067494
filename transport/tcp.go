package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// Default MQTT ports per the 3.1.1 specification.
const (
	DefaultPort    = 1883
	DefaultTLSPort = 8883
)

// Config describes how to reach a broker.
type Config struct {
	Host string
	Port uint16

	// UseSSL wraps the stream in TLS. TLSConfig may carry a prebuilt
	// *tls.Config; otherwise a default client configuration is used.
	UseSSL    bool
	TLSConfig *tls.Config

	// SNIServerName sets the TLS server name when TLSConfig carries none;
	// defaults to Host.
	SNIServerName string

	// UseWebSocket tunnels MQTT over a WebSocket connection.
	UseWebSocket bool
	// WebSocketPath is the upgrade request path, default "/mqtt".
	WebSocketPath string

	// ProxyAddr routes the TCP connection through a SOCKS5 proxy
	// (host:port). Empty means a direct connection.
	ProxyAddr string

	// DialTimeout bounds transport establishment including the TLS
	// handshake. Zero means no bound.
	DialTimeout time.Duration

	ReadDeadline  time.Duration
	WriteDeadline time.Duration
}

// Validate rejects configurations that cannot identify a broker. Port 0 is
// rejected; use NewConfig to derive the scheme default.
func (cfg *Config) Validate() error {
	if cfg.Host == "" {
		return ErrInvalidConfig
	}
	if cfg.Port == 0 {
		return ErrInvalidConfig
	}
	return nil
}

// NewConfig creates a configuration for the given host with the port
// derived from the scheme: 8883 with TLS, 1883 without.
func NewConfig(host string, useSSL bool) *Config {
	port := uint16(DefaultPort)
	if useSSL {
		port = DefaultTLSPort
	}
	return &Config{
		Host:          host,
		Port:          port,
		UseSSL:        useSSL,
		WebSocketPath: "/mqtt",
	}
}

// Addr returns the host:port dial address.
func (cfg *Config) Addr() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
}

// Dial opens a transport to the broker described by cfg: WebSocket when
// configured, otherwise TCP, with TLS layered in either case when UseSSL
// is set.
func Dial(cfg *Config) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.UseWebSocket {
		return DialWebSocket(cfg)
	}

	netConn, err := dialTCP(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.UseSSL {
		netConn, err = upgradeTLS(netConn, cfg)
		if err != nil {
			return nil, err
		}
	}

	return NewConn(netConn, &ConnConfig{
		ReadDeadline:  cfg.ReadDeadline,
		WriteDeadline: cfg.WriteDeadline,
	}), nil
}

// dialTCP opens the raw TCP connection, through the SOCKS5 proxy when one
// is configured.
func dialTCP(cfg *Config) (net.Conn, error) {
	if cfg.ProxyAddr != "" {
		dialer, err := proxy.SOCKS5("tcp", cfg.ProxyAddr, nil, &net.Dialer{Timeout: cfg.DialTimeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create proxy dialer: %w", err)
		}
		return dialer.Dial("tcp", cfg.Addr())
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	return dialer.Dial("tcp", cfg.Addr())
}

// upgradeTLS wraps an established TCP connection in TLS and completes the
// handshake before returning.
func upgradeTLS(netConn net.Conn, cfg *Config) (net.Conn, error) {
	tlsCfg := cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}

	if tlsCfg.ServerName == "" {
		if cfg.SNIServerName != "" {
			tlsCfg.ServerName = cfg.SNIServerName
		} else {
			tlsCfg.ServerName = cfg.Host
		}
	}

	tlsConn := tls.Client(netConn, tlsCfg)

	if cfg.DialTimeout > 0 {
		_ = tlsConn.SetDeadline(time.Now().Add(cfg.DialTimeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})

	return tlsConn, nil
}
