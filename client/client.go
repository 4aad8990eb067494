// Package client implements an MQTT 3.1.1 client: a single connection to a
// broker over TCP, TLS, or WebSocket, with request/response operations for
// the control-packet exchange and an asynchronous stream of inbound
// publishes delivered to registered listeners.
package client

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ksinghal/mqtt-nio/encoding"
	"github.com/ksinghal/mqtt-nio/framing"
	"github.com/ksinghal/mqtt-nio/pkg/logger"
	"github.com/ksinghal/mqtt-nio/qos"
	"github.com/ksinghal/mqtt-nio/session"
	"github.com/ksinghal/mqtt-nio/topic"
	"github.com/ksinghal/mqtt-nio/transport"
	"github.com/ksinghal/mqtt-nio/types/message"
)

// maxInflight is the size of the packet identifier namespace; at most this
// many QoS > 0 operations can be pending on one connection.
const maxInflight = 65535

// ConnectInfo describes one CONNECT exchange. It is consumed by Connect
// and must not be mutated afterwards.
type ConnectInfo struct {
	// ClientID identifies the session to the broker; 1-23 bytes is the
	// portable range. Defaults to the configured Identifier.
	ClientID string

	CleanSession bool

	// KeepAlive is the negotiated maximum outbound idle time in seconds.
	// Zero disables the keep-alive schedule.
	KeepAlive uint16

	Username string
	Password []byte

	// Will, when set, is registered with the broker and published on the
	// client's behalf if the connection terminates abnormally.
	Will *message.Message
}

// Client is an MQTT 3.1.1 client owning at most one broker connection.
// All methods are safe for concurrent use.
type Client struct {
	config    *Config
	log       logger.Logger
	metrics   *Metrics
	listeners *listenerRegistry

	mu         sync.Mutex
	sess       *session.Session
	conn       transport.Transport
	tasks      *taskRegistry
	inbound    *qos.Inbound
	pinger     *pinger
	inflight   *semaphore.Weighted
	closeOnce  *sync.Once
	closeCause error

	writeMu sync.Mutex
}

// New creates a client for the given configuration.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		config:    cfg,
		log:       log,
		metrics:   NewMetrics(cfg.Registerer),
		listeners: newListenerRegistry(),
	}, nil
}

// State returns the connection lifecycle state.
func (c *Client) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return session.StateDisconnected
	}
	return c.sess.State()
}

// AddPublishListener registers a named listener for inbound application
// messages. An empty filter receives everything; otherwise only messages
// whose topic matches the filter are delivered.
func (c *Client) AddPublishListener(name, filter string, handler MessageHandler) error {
	if filter != "" {
		if err := topic.ValidateFilter(filter); err != nil {
			return err
		}
	}
	c.listeners.addPublish(name, filter, handler)
	return nil
}

// RemovePublishListener drops the named publish listener.
func (c *Client) RemovePublishListener(name string) {
	c.listeners.removePublish(name)
}

// AddCloseListener registers a named listener notified when the connection
// closes.
func (c *Client) AddCloseListener(name string, handler CloseHandler) {
	c.listeners.addClose(name, handler)
}

// RemoveCloseListener drops the named close listener.
func (c *Client) RemoveCloseListener(name string) {
	c.listeners.removeClose(name)
}

// Connect opens the transport, performs the CONNECT/CONNACK exchange, and
// starts the keep-alive schedule. It fails with ErrAlreadyConnected unless
// the client is disconnected.
func (c *Client) Connect(ctx context.Context, info ConnectInfo) error {
	clientID := info.ClientID
	if clientID == "" {
		clientID = c.config.Identifier
	}

	if info.Will != nil {
		if err := topic.ValidateName(info.Will.Topic); err != nil {
			return err
		}
		if !info.Will.QoS.IsValid() {
			return encoding.ErrInvalidQoS
		}
	}

	c.mu.Lock()
	if c.sess != nil && c.sess.State() != session.StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	sess := session.New(clientID, info.CleanSession)
	if err := sess.Transition(session.StateDisconnected, session.StateConnecting); err != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.sess = sess
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.sess = nil
		c.mu.Unlock()
		c.metrics.ConnectFailures.Inc()
		return &TransportError{Err: err}
	}

	tasks := newTaskRegistry()
	framer := framing.New(c.config.framerConfig())
	inbound := qos.NewInbound(nil, qos.Callbacks{
		Deliver: c.listeners.deliver,
		SendPuback: func(packetID uint16) error {
			return c.writePacket(conn, &encoding.PubackPacket{PacketID: packetID})
		},
		SendPubrec: func(packetID uint16) error {
			return c.writePacket(conn, &encoding.PubrecPacket{PacketID: packetID})
		},
		SendPubcomp: func(packetID uint16) error {
			return c.writePacket(conn, &encoding.PubcompPacket{PacketID: packetID})
		},
	})

	c.mu.Lock()
	c.conn = conn
	c.tasks = tasks
	c.inbound = inbound
	c.inflight = semaphore.NewWeighted(maxInflight)
	c.closeOnce = &sync.Once{}
	c.closeCause = nil
	c.mu.Unlock()

	go c.readLoop(conn, framer, sess, tasks, inbound)

	// The CONNACK task is registered before CONNECT hits the wire so a
	// fast broker cannot answer into the void. Per the 3.1.1 exchange,
	// any other control packet before CONNACK fails the connect. The
	// state transition happens here, in the read loop, so a packet the
	// broker sends right behind CONNACK already observes the connected
	// state.
	t := tasks.register(c.config.Timeout, func(pkt encoding.Packet) (Verdict, error) {
		if connack, ok := pkt.(*encoding.ConnackPacket); ok {
			if connack.ReturnCode != encoding.ConnectAccepted {
				return VerdictErr, &ConnectError{ReturnCode: connack.ReturnCode}
			}
			if err := sess.Transition(session.StateConnecting, session.StateConnected); err != nil {
				return VerdictErr, ErrUnexpectedPacket
			}
			return VerdictMatch, nil
		}
		return VerdictErr, ErrUnexpectedPacket
	})

	connect := &encoding.ConnectPacket{
		CleanSession: info.CleanSession,
		KeepAlive:    info.KeepAlive,
		ClientID:     clientID,
	}
	if info.Will != nil {
		connect.WillFlag = true
		connect.WillTopic = info.Will.Topic
		connect.WillPayload = info.Will.Payload
		connect.WillQoS = info.Will.QoS
		connect.WillRetain = info.Will.Retain
	}
	if info.Username != "" {
		connect.UsernameFlag = true
		connect.Username = info.Username
	}
	if info.Password != nil {
		connect.PasswordFlag = true
		connect.Password = info.Password
	}

	if err := c.writePacket(conn, connect); err != nil {
		tasks.remove(t)
		c.teardown(err)
		c.metrics.ConnectFailures.Inc()
		return err
	}

	if _, err := c.await(ctx, conn, tasks, t); err != nil {
		c.teardown(err)
		c.metrics.ConnectFailures.Inc()
		return err
	}

	sess.KeepAlive = info.KeepAlive

	if info.KeepAlive > 0 {
		interval := keepAliveInterval(info.KeepAlive)
		p := newPinger(interval,
			func() error { return c.ping(interval) },
			func(err error) {
				c.metrics.KeepAliveDrops.Inc()
				// teardown stops the pinger; detach so the pinger
				// goroutine is not waiting on itself.
				go c.teardown(err)
			},
		)
		c.mu.Lock()
		c.pinger = p
		c.mu.Unlock()
		p.start()
	}

	c.metrics.Connects.Inc()
	c.log.Info("connected", "broker", c.config.Host, "clientID", clientID)
	return nil
}

// dial opens the transport, retrying with backoff when configured.
func (c *Client) dial(ctx context.Context) (transport.Transport, error) {
	tcfg := c.config.transportConfig()

	conn, err := transport.Dial(tcfg)
	if err == nil || !c.config.ConnectRetry {
		return conn, err
	}

	backoff, berr := transport.NewBackoff(c.config.Backoff)
	if berr != nil {
		return nil, berr
	}

	for backoff.Wait(ctx) {
		c.log.Warn("connect failed, retrying", "attempt", backoff.Attempt(), "error", err)
		conn, err = transport.Dial(tcfg)
		if err == nil {
			return conn, nil
		}
	}

	return nil, err
}

// Publish sends an application message at the message's QoS level. QoS 0
// completes once the transport accepts the bytes; QoS 1 awaits PUBACK;
// QoS 2 runs the PUBREC/PUBREL/PUBCOMP handshake, holding the packet
// identifier until PUBCOMP.
func (c *Client) Publish(ctx context.Context, msg *message.Message) error {
	if err := topic.ValidateName(msg.Topic); err != nil {
		return err
	}
	if !msg.QoS.IsValid() {
		return encoding.ErrInvalidQoS
	}

	conn, sess, tasks, inflight, err := c.connected()
	if err != nil {
		return err
	}

	if msg.QoS == encoding.QoS0 {
		return c.writePacket(conn, &encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS0, Retain: msg.Retain},
			TopicName:   msg.Topic,
			Payload:     msg.Payload,
		})
	}

	if !inflight.TryAcquire(1) {
		return ErrTooManyInflight
	}
	defer inflight.Release(1)

	packetID, err := sess.NextPacketID()
	if err != nil {
		return err
	}
	defer sess.Release(packetID)

	c.metrics.Inflight.Inc()
	defer c.metrics.Inflight.Dec()

	publish := &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{QoS: msg.QoS, Retain: msg.Retain, DUP: msg.DUP},
		TopicName:   msg.Topic,
		PacketID:    packetID,
		Payload:     msg.Payload,
	}

	if msg.QoS == encoding.QoS1 {
		t := tasks.register(c.config.Timeout, matchPuback(packetID))
		if err := c.writePacket(conn, publish); err != nil {
			tasks.remove(t)
			return err
		}
		_, err := c.await(ctx, conn, tasks, t)
		return err
	}

	// QoS 2: PUBLISH, await PUBREC, then PUBREL, await PUBCOMP. The same
	// packet identifier spans both round trips.
	t := tasks.register(c.config.Timeout, matchPubrec(packetID))
	if err := c.writePacket(conn, publish); err != nil {
		tasks.remove(t)
		return err
	}
	if _, err := c.await(ctx, conn, tasks, t); err != nil {
		return err
	}

	t = tasks.register(c.config.Timeout, matchPubcomp(packetID))
	if err := c.writePacket(conn, &encoding.PubrelPacket{PacketID: packetID}); err != nil {
		tasks.remove(t)
		return err
	}
	_, err = c.await(ctx, conn, tasks, t)
	return err
}

// Subscribe requests the given subscriptions and returns the broker's
// per-filter SUBACK return codes in request order: 0x00-0x02 is the
// granted QoS, 0x80 a rejection. When some but not all filters are
// rejected the grant vector is returned together with a *SubscribeError
// naming the rejected indices; when every filter is rejected the call
// fails.
func (c *Client) Subscribe(ctx context.Context, subscriptions ...encoding.Subscription) ([]byte, error) {
	if len(subscriptions) == 0 {
		return nil, encoding.ErrEmptySubscriptionList
	}
	for _, sub := range subscriptions {
		if err := topic.ValidateFilter(sub.TopicFilter); err != nil {
			return nil, err
		}
		if !sub.QoS.IsValid() {
			return nil, encoding.ErrInvalidQoS
		}
	}

	conn, sess, tasks, inflight, err := c.connected()
	if err != nil {
		return nil, err
	}

	if !inflight.TryAcquire(1) {
		return nil, ErrTooManyInflight
	}
	defer inflight.Release(1)

	packetID, err := sess.NextPacketID()
	if err != nil {
		return nil, err
	}
	defer sess.Release(packetID)

	expected := len(subscriptions)
	t := tasks.register(c.config.Timeout, func(pkt encoding.Packet) (Verdict, error) {
		suback, ok := pkt.(*encoding.SubackPacket)
		if !ok || suback.PacketID != packetID {
			return VerdictIgnore, nil
		}
		if len(suback.ReturnCodes) != expected {
			return VerdictErr, ErrUnexpectedPacket
		}
		return VerdictMatch, nil
	})

	if err := c.writePacket(conn, &encoding.SubscribePacket{
		PacketID:      packetID,
		Subscriptions: subscriptions,
	}); err != nil {
		tasks.remove(t)
		return nil, err
	}

	pkt, err := c.await(ctx, conn, tasks, t)
	if err != nil {
		return nil, err
	}

	suback := pkt.(*encoding.SubackPacket)
	var failed []int
	for i, code := range suback.ReturnCodes {
		if code == encoding.SubackFailure {
			failed = append(failed, i)
		}
	}

	if len(failed) == len(suback.ReturnCodes) {
		return nil, &SubscribeError{Indices: failed}
	}
	if len(failed) > 0 {
		return suback.ReturnCodes, &SubscribeError{Indices: failed}
	}
	return suback.ReturnCodes, nil
}

// Unsubscribe removes the given subscriptions, completing on UNSUBACK.
func (c *Client) Unsubscribe(ctx context.Context, topicFilters ...string) error {
	if len(topicFilters) == 0 {
		return encoding.ErrEmptyUnsubscribeList
	}
	for _, filter := range topicFilters {
		if err := topic.ValidateFilter(filter); err != nil {
			return err
		}
	}

	conn, sess, tasks, inflight, err := c.connected()
	if err != nil {
		return err
	}

	if !inflight.TryAcquire(1) {
		return ErrTooManyInflight
	}
	defer inflight.Release(1)

	packetID, err := sess.NextPacketID()
	if err != nil {
		return err
	}
	defer sess.Release(packetID)

	t := tasks.register(c.config.Timeout, matchUnsuback(packetID))

	if err := c.writePacket(conn, &encoding.UnsubscribePacket{
		PacketID:     packetID,
		TopicFilters: topicFilters,
	}); err != nil {
		tasks.remove(t)
		return err
	}

	_, err = c.await(ctx, conn, tasks, t)
	return err
}

// Ping sends PINGREQ and waits for PINGRESP, bounded by the configured
// request timeout.
func (c *Client) Ping(ctx context.Context) error {
	conn, _, tasks, _, err := c.connected()
	if err != nil {
		return err
	}

	t := tasks.register(c.config.Timeout, matchPingresp())
	if err := c.writePacket(conn, &encoding.PingreqPacket{}); err != nil {
		tasks.remove(t)
		return err
	}

	_, err = c.await(ctx, conn, tasks, t)
	return err
}

// ping is the keep-alive variant: the PINGRESP deadline is the keep-alive
// interval itself, and a miss is fatal to the connection.
func (c *Client) ping(deadline time.Duration) error {
	c.mu.Lock()
	conn := c.conn
	tasks := c.tasks
	c.mu.Unlock()
	if conn == nil || tasks == nil {
		return ErrNoConnection
	}

	t := tasks.register(deadline, matchPingresp())
	if err := c.writePacket(conn, &encoding.PingreqPacket{}); err != nil {
		tasks.remove(t)
		return err
	}

	result := <-t.done
	return result.err
}

// Disconnect writes DISCONNECT and closes the transport: fire-and-close,
// there is no acknowledgment. Calling it while disconnected does nothing.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	sess := c.sess
	c.mu.Unlock()

	if conn == nil || sess == nil || sess.State() == session.StateDisconnected {
		return nil
	}

	// A failed write does not block teardown; the broker will drop the
	// connection either way.
	if err := c.writePacket(conn, &encoding.DisconnectPacket{}); err != nil {
		c.log.Warn("disconnect write failed", "error", err)
	}

	c.teardown(nil)
	return nil
}

// connected snapshots the connection the operation will run against.
func (c *Client) connected() (transport.Transport, *session.Session, *taskRegistry, *semaphore.Weighted, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.State() != session.StateConnected || c.conn == nil {
		return nil, nil, nil, nil, ErrNoConnection
	}
	return c.conn, c.sess, c.tasks, c.inflight, nil
}

// await blocks until the task completes, the context is cancelled, or the
// connection closes. Cancellation withdraws the task without aborting the
// wire exchange already in flight.
func (c *Client) await(ctx context.Context, conn transport.Transport, tasks *taskRegistry, t *task) (encoding.Packet, error) {
	select {
	case result := <-t.done:
		return result.pkt, result.err
	case <-ctx.Done():
		tasks.remove(t)
		return nil, ctx.Err()
	case <-conn.CloseChan():
		// Teardown cancels every task right after closing the transport;
		// prefer its verdict if it has already been delivered.
		tasks.remove(t)
		select {
		case result := <-t.done:
			return result.pkt, result.err
		default:
			return nil, &ClosedError{Cause: c.cause()}
		}
	}
}

// writePacket serializes the packet and writes it to the transport. All
// writes share one mutex so packets from concurrent operations reach the
// wire whole and in submission order.
func (c *Client) writePacket(conn transport.Transport, pkt encoding.Packet) error {
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return err
	}

	c.writeMu.Lock()
	_, err := conn.Write(buf.Bytes())
	c.writeMu.Unlock()

	if err != nil {
		return &TransportError{Err: err}
	}

	c.metrics.PacketsSent.WithLabelValues(pkt.Type().String()).Inc()
	c.metrics.BytesSent.Add(float64(buf.Len()))

	c.mu.Lock()
	p := c.pinger
	c.mu.Unlock()
	if p != nil {
		p.reset()
	}

	return nil
}

// readLoop drives the inbound path: transport bytes through the framer,
// each whole packet through the codec and dispatcher. Any codec or framer
// error is fatal to the connection.
func (c *Client) readLoop(conn transport.Transport, framer *framing.Framer, sess *session.Session, tasks *taskRegistry, inbound *qos.Inbound) {
	buf := make([]byte, 8192)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.metrics.BytesReceived.Add(float64(n))

			frames, ferr := framer.Push(buf[:n])
			for _, frame := range frames {
				pkt, derr := encoding.ReadPacket(bytes.NewReader(frame))
				if derr != nil {
					c.log.Error("malformed inbound packet", "error", derr)
					c.teardown(fmt.Errorf("%w: %w", encoding.ErrMalformedPacket, derr))
					return
				}
				c.metrics.PacketsReceived.WithLabelValues(pkt.Type().String()).Inc()
				if !c.dispatch(pkt, sess, tasks, inbound) {
					return
				}
			}
			if ferr != nil {
				c.log.Error("framing error", "error", ferr)
				c.teardown(ferr)
				return
			}
		}
		if err != nil {
			select {
			case <-conn.CloseChan():
				// Local close already tore the connection down.
			default:
				c.teardown(&TransportError{Err: err})
			}
			return
		}
	}
}

// dispatch routes one inbound packet. Inbound PUBLISH and PUBREL drive the
// QoS receiver; everything else is offered to the task registry. Returns
// false when the packet was fatal and the connection is gone.
func (c *Client) dispatch(pkt encoding.Packet, sess *session.Session, tasks *taskRegistry, inbound *qos.Inbound) bool {
	switch p := pkt.(type) {
	case *encoding.PublishPacket:
		// Nothing but CONNACK is legal before the handshake completes.
		if sess.State() == session.StateConnecting {
			c.teardown(ErrUnexpectedPacket)
			return false
		}
		if err := inbound.HandlePublish(message.FromPublish(p)); err != nil {
			c.log.Warn("inbound publish handling failed", "packetID", p.PacketID, "error", err)
		}
	case *encoding.PubrelPacket:
		if sess.State() == session.StateConnecting {
			c.teardown(ErrUnexpectedPacket)
			return false
		}
		if err := inbound.HandlePubrel(p.PacketID); err != nil {
			c.log.Warn("pubrel handling failed", "packetID", p.PacketID, "error", err)
		}
	case *encoding.ConnackPacket:
		// A CONNACK that matches no task means we are not connecting:
		// that is a protocol error, not a stray acknowledgment.
		if !tasks.match(pkt) {
			c.teardown(ErrUnexpectedPacket)
			return false
		}
	default:
		if !tasks.match(pkt) {
			c.log.Debug("discarding unmatched packet", "type", pkt.Type().String())
		}
	}
	return true
}

// teardown closes the connection once: transport first, then every pending
// task fails with the cause, then the per-connection state is cleared.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	conn := c.conn
	sess := c.sess
	tasks := c.tasks
	inbound := c.inbound
	p := c.pinger
	once := c.closeOnce
	c.mu.Unlock()

	if once == nil || conn == nil {
		return
	}

	once.Do(func() {
		if sess != nil {
			sess.ForceState(session.StateClosing)
		}

		c.mu.Lock()
		c.closeCause = cause
		c.mu.Unlock()

		// Close before clearing any reference so a concurrent write
		// observes a closed transport rather than a missing one.
		_ = conn.Close()

		if tasks != nil {
			tasks.cancelAll(&ClosedError{Cause: cause})
		}
		if p != nil {
			p.stop()
		}
		if inbound != nil {
			inbound.Reset()
		}
		if sess != nil {
			sess.ReleaseAll()
			sess.ForceState(session.StateDisconnected)
		}

		c.mu.Lock()
		c.conn = nil
		c.tasks = nil
		c.inbound = nil
		c.pinger = nil
		c.inflight = nil
		c.mu.Unlock()

		if cause != nil {
			c.log.Warn("connection closed", "cause", cause)
		} else {
			c.log.Info("connection closed")
		}

		c.listeners.notifyClose(cause)
	})
}

// cause returns the recorded teardown cause, if any.
func (c *Client) cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCause
}

func matchPuback(packetID uint16) Predicate {
	return func(pkt encoding.Packet) (Verdict, error) {
		if p, ok := pkt.(*encoding.PubackPacket); ok && p.PacketID == packetID {
			return VerdictMatch, nil
		}
		return VerdictIgnore, nil
	}
}

func matchPubrec(packetID uint16) Predicate {
	return func(pkt encoding.Packet) (Verdict, error) {
		if p, ok := pkt.(*encoding.PubrecPacket); ok && p.PacketID == packetID {
			return VerdictMatch, nil
		}
		return VerdictIgnore, nil
	}
}

func matchPubcomp(packetID uint16) Predicate {
	return func(pkt encoding.Packet) (Verdict, error) {
		if p, ok := pkt.(*encoding.PubcompPacket); ok && p.PacketID == packetID {
			return VerdictMatch, nil
		}
		return VerdictIgnore, nil
	}
}

func matchUnsuback(packetID uint16) Predicate {
	return func(pkt encoding.Packet) (Verdict, error) {
		if p, ok := pkt.(*encoding.UnsubackPacket); ok && p.PacketID == packetID {
			return VerdictMatch, nil
		}
		return VerdictIgnore, nil
	}
}

func matchPingresp() Predicate {
	return func(pkt encoding.Packet) (Verdict, error) {
		if _, ok := pkt.(*encoding.PingrespPacket); ok {
			return VerdictMatch, nil
		}
		return VerdictIgnore, nil
	}
}
