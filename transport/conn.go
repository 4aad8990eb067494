// Package transport opens and wraps the byte stream an MQTT client speaks
// over: plain TCP, TLS, or MQTT-over-WebSocket. The codec and framer above
// it are agnostic to which one is in use.
package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is a full-duplex byte stream to a broker. Closure is observable
// through CloseChan as well as through read/write errors.
type Transport interface {
	io.ReadWriteCloser

	CloseChan() <-chan struct{}
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Conn wraps a net.Conn with activity tracking, byte counters, and
// idempotent close signalling.
type Conn struct {
	conn net.Conn

	lastActivity  atomic.Int64
	readDeadline  time.Duration
	writeDeadline time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
	closeCh   chan struct{}

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// ConnConfig holds connection wrapper configuration. Zero deadlines mean
// no deadline is applied.
type ConnConfig struct {
	ReadDeadline  time.Duration
	WriteDeadline time.Duration
}

// NewConn wraps an established net.Conn.
func NewConn(conn net.Conn, cfg *ConnConfig) *Conn {
	c := &Conn{
		conn:    conn,
		closeCh: make(chan struct{}),
	}

	if cfg != nil {
		c.readDeadline = cfg.ReadDeadline
		c.writeDeadline = cfg.WriteDeadline
	}

	c.updateActivity()
	return c
}

func (c *Conn) Read(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrConnectionClosed
	}

	if c.readDeadline > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readDeadline))
	}

	n, err := c.conn.Read(b)
	if n > 0 {
		c.bytesRead.Add(uint64(n))
		c.updateActivity()
	}

	return n, err
}

// Write writes the whole buffer; net.Conn.Write already blocks until all
// bytes are accepted or an error occurs.
func (c *Conn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrConnectionClosed
	}

	if c.writeDeadline > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeDeadline))
	}

	n, err := c.conn.Write(b)
	if n > 0 {
		c.bytesWritten.Add(uint64(n))
		c.updateActivity()
	}

	return n, err
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}

// CloseChan is closed once the connection has been closed.
func (c *Conn) CloseChan() <-chan struct{} {
	return c.closeCh
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) updateActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last successful read or write.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// IdleDuration returns how long the connection has been idle.
func (c *Conn) IdleDuration() time.Duration {
	return time.Since(c.LastActivity())
}

func (c *Conn) BytesRead() uint64 {
	return c.bytesRead.Load()
}

func (c *Conn) BytesWritten() uint64 {
	return c.bytesWritten.Load()
}

var _ Transport = (*Conn)(nil)
