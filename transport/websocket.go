package transport

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// mqttSubprotocol is the Sec-WebSocket-Protocol value required for MQTT
// over WebSocket.
const mqttSubprotocol = "mqtt"

// DialWebSocket opens an MQTT-over-WebSocket transport. Each outbound MQTT
// packet is written as a single binary frame; inbound frames are exposed as
// a continuous byte stream so the framer handles fragmentation and packet
// coalescing the same way it does for TCP.
func DialWebSocket(cfg *Config) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	scheme := "ws"
	if cfg.UseSSL {
		scheme = "wss"
	}

	path := cfg.WebSocketPath
	if path == "" {
		path = "/mqtt"
	}

	u := url.URL{Scheme: scheme, Host: cfg.Addr(), Path: path}

	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: cfg.DialTimeout,
		Subprotocols:     []string{mqttSubprotocol},
	}

	if cfg.UseSSL {
		tlsCfg := cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			tlsCfg = tlsCfg.Clone()
		}
		if tlsCfg.ServerName == "" && cfg.SNIServerName != "" {
			tlsCfg.ServerName = cfg.SNIServerName
		}
		dialer.TLSClientConfig = tlsCfg
	}

	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	return NewConn(&wsConn{ws: ws}, &ConnConfig{
		ReadDeadline:  cfg.ReadDeadline,
		WriteDeadline: cfg.WriteDeadline,
	}), nil
}

// wsConn adapts a websocket connection to net.Conn. Reads drain binary
// frames in order, so MQTT packets split or batched across frames decode
// the same as on a raw socket.
type wsConn struct {
	ws    *websocket.Conn
	frame io.Reader
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.frame == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.frame = r
		}

		n, err := c.frame.Read(b)
		if err != nil {
			// Frame exhausted; move on to the next one.
			c.frame = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, nil
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

var _ net.Conn = (*wsConn)(nil)
