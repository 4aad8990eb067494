package client

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksinghal/mqtt-nio/encoding"
	"github.com/ksinghal/mqtt-nio/types/message"
)

// startBroker runs a scripted broker on a loopback listener. The script
// runs in its own goroutine and must use assert, not require.
func startBroker(t *testing.T, script func(t *testing.T, conn net.Conn)) (uint16, chan struct{}) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		script(t, conn)
	}()

	return uint16(ln.Addr().(*net.TCPAddr).Port), done
}

func newTestClient(t *testing.T, port uint16, timeout time.Duration) *Client {
	t.Helper()

	cfg := NewConfig("127.0.0.1", false)
	cfg.Port = port
	cfg.Timeout = timeout
	cfg.Identifier = "c1"

	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

// acceptConnect reads the CONNECT packet and answers CONNACK with the
// given return code.
func acceptConnect(t *testing.T, conn net.Conn, returnCode byte) {
	pkt, err := encoding.ReadPacket(conn)
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, encoding.CONNECT, pkt.Type())

	connack := &encoding.ConnackPacket{ReturnCode: returnCode}
	assert.NoError(t, connack.Encode(conn))
}

func sendPacket(t *testing.T, conn net.Conn, pkt encoding.Packet) {
	assert.NoError(t, pkt.Encode(conn))
}

// TestClient_ConnectDisconnect runs the full connect/disconnect exchange
// and checks the CONNECT wire bytes against a known capture
func TestClient_ConnectDisconnect(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		raw := make([]byte, 16)
		if !assert.NoError(t, readFull(conn, raw)) {
			return
		}
		assert.Equal(t, []byte{
			0x10, 0x0E,
			0x00, 0x04, 0x4D, 0x51, 0x54, 0x54, // "MQTT"
			0x04,       // protocol level
			0x02,       // cleanSession
			0x00, 0x3C, // keep-alive 60
			0x00, 0x02, 0x63, 0x31, // "c1"
		}, raw)

		sendPacket(t, conn, &encoding.ConnackPacket{ReturnCode: encoding.ConnectAccepted})

		pkt, err := encoding.ReadPacket(conn)
		if assert.NoError(t, err) {
			assert.Equal(t, encoding.DISCONNECT, pkt.Type())
		}

		// The client closes the transport after DISCONNECT.
		one := make([]byte, 1)
		_, err = conn.Read(one)
		assert.Error(t, err)
	})

	c := newTestClient(t, port, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, ConnectInfo{CleanSession: true, KeepAlive: 60}))
	require.NoError(t, c.Disconnect(ctx))

	// Shutting down twice does nothing on the second call.
	require.NoError(t, c.Disconnect(ctx))

	<-done
}

// TestClient_ConnectRefused maps the CONNACK return code
func TestClient_ConnectRefused(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, encoding.ConnectRefusedNotAuthorized)
	})

	c := newTestClient(t, port, 2*time.Second)

	err := c.Connect(context.Background(), ConnectInfo{CleanSession: true})
	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, encoding.ConnectRefusedNotAuthorized, connectErr.ReturnCode)

	<-done
}

// TestClient_AlreadyConnected rejects a second connect
func TestClient_AlreadyConnected(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, encoding.ConnectAccepted)
		// Hold the connection until the client is finished.
		one := make([]byte, 1)
		_, _ = conn.Read(one)
	})

	c := newTestClient(t, port, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, ConnectInfo{CleanSession: true}))
	assert.ErrorIs(t, c.Connect(ctx, ConnectInfo{CleanSession: true}), ErrAlreadyConnected)

	require.NoError(t, c.Disconnect(ctx))
	<-done
}

// TestClient_PublishQoS0 completes without any inbound packet and writes
// the documented bytes
func TestClient_PublishQoS0(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, encoding.ConnectAccepted)

		raw := make([]byte, 9)
		if assert.NoError(t, readFull(conn, raw)) {
			assert.Equal(t, []byte{0x30, 0x07, 0x00, 0x03, 0x61, 0x2F, 0x62, 0x68, 0x69}, raw)
		}
	})

	c := newTestClient(t, port, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, ConnectInfo{CleanSession: true}))
	require.NoError(t, c.Publish(ctx, message.New("a/b", []byte("hi"), encoding.QoS0, false)))

	<-done
	require.NoError(t, c.Disconnect(ctx))
}

// TestClient_PublishQoS1 awaits PUBACK with the allocated identifier
func TestClient_PublishQoS1(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, encoding.ConnectAccepted)

		raw := make([]byte, 7)
		if !assert.NoError(t, readFull(conn, raw)) {
			return
		}
		assert.Equal(t, []byte{0x32, 0x05, 0x00, 0x01, 0x61, 0x00, 0x01}, raw)

		sendPacket(t, conn, &encoding.PubackPacket{PacketID: 1})
	})

	c := newTestClient(t, port, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, ConnectInfo{CleanSession: true}))
	require.NoError(t, c.Publish(ctx, message.New("a", nil, encoding.QoS1, false)))

	<-done
	require.NoError(t, c.Disconnect(ctx))
}

// TestClient_PublishQoS2 drives PUBLISH/PUBREC/PUBREL/PUBCOMP with one
// identifier across both round trips
func TestClient_PublishQoS2(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, encoding.ConnectAccepted)

		pkt, err := encoding.ReadPacket(conn)
		if !assert.NoError(t, err) {
			return
		}
		publish, ok := pkt.(*encoding.PublishPacket)
		if !assert.True(t, ok) {
			return
		}
		assert.Equal(t, encoding.QoS2, publish.FixedHeader.QoS)
		assert.Equal(t, uint16(1), publish.PacketID)

		sendPacket(t, conn, &encoding.PubrecPacket{PacketID: publish.PacketID})

		raw := make([]byte, 4)
		if !assert.NoError(t, readFull(conn, raw)) {
			return
		}
		assert.Equal(t, []byte{0x62, 0x02, 0x00, 0x01}, raw)

		sendPacket(t, conn, &encoding.PubcompPacket{PacketID: publish.PacketID})
	})

	c := newTestClient(t, port, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, ConnectInfo{CleanSession: true}))
	require.NoError(t, c.Publish(ctx, message.New("x", []byte("y"), encoding.QoS2, false)))

	<-done
	require.NoError(t, c.Disconnect(ctx))
}

// TestClient_PublishTimeout fails the call but leaves the connection usable
func TestClient_PublishTimeout(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, encoding.ConnectAccepted)

		// Swallow the PUBLISH without acknowledging it.
		if _, err := encoding.ReadPacket(conn); !assert.NoError(t, err) {
			return
		}

		// The connection stays alive: answer the subsequent ping.
		pkt, err := encoding.ReadPacket(conn)
		if assert.NoError(t, err) && assert.Equal(t, encoding.PINGREQ, pkt.Type()) {
			sendPacket(t, conn, &encoding.PingrespPacket{})
		}
	})

	c := newTestClient(t, port, 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, ConnectInfo{CleanSession: true}))

	err := c.Publish(ctx, message.New("a", nil, encoding.QoS1, false))
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, c.Ping(ctx))

	<-done
	require.NoError(t, c.Disconnect(ctx))
}

// TestClient_Subscribe surfaces per-filter grants and rejections
func TestClient_Subscribe(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, encoding.ConnectAccepted)

		pkt, err := encoding.ReadPacket(conn)
		if !assert.NoError(t, err) {
			return
		}
		subscribe, ok := pkt.(*encoding.SubscribePacket)
		if !assert.True(t, ok) {
			return
		}
		assert.Len(t, subscribe.Subscriptions, 2)

		sendPacket(t, conn, &encoding.SubackPacket{
			PacketID:    subscribe.PacketID,
			ReturnCodes: []byte{0x01, encoding.SubackFailure},
		})
	})

	c := newTestClient(t, port, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, ConnectInfo{CleanSession: true}))

	granted, err := c.Subscribe(ctx,
		encoding.Subscription{TopicFilter: "a/+", QoS: encoding.QoS1},
		encoding.Subscription{TopicFilter: "b", QoS: encoding.QoS0},
	)

	var subErr *SubscribeError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, []int{1}, subErr.Indices)
	assert.Equal(t, []byte{0x01, encoding.SubackFailure}, granted)

	<-done
	require.NoError(t, c.Disconnect(ctx))
}

// TestClient_SubscribeAllRejected fails the whole call
func TestClient_SubscribeAllRejected(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, encoding.ConnectAccepted)

		pkt, err := encoding.ReadPacket(conn)
		if !assert.NoError(t, err) {
			return
		}
		subscribe := pkt.(*encoding.SubscribePacket)

		sendPacket(t, conn, &encoding.SubackPacket{
			PacketID:    subscribe.PacketID,
			ReturnCodes: []byte{encoding.SubackFailure},
		})
	})

	c := newTestClient(t, port, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, ConnectInfo{CleanSession: true}))

	granted, err := c.Subscribe(ctx, encoding.Subscription{TopicFilter: "nope"})
	var subErr *SubscribeError
	require.ErrorAs(t, err, &subErr)
	assert.Nil(t, granted)

	<-done
	require.NoError(t, c.Disconnect(ctx))
}

// TestClient_Unsubscribe completes on UNSUBACK
func TestClient_Unsubscribe(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, encoding.ConnectAccepted)

		pkt, err := encoding.ReadPacket(conn)
		if !assert.NoError(t, err) {
			return
		}
		unsubscribe, ok := pkt.(*encoding.UnsubscribePacket)
		if !assert.True(t, ok) {
			return
		}
		assert.Equal(t, []string{"a/+"}, unsubscribe.TopicFilters)

		sendPacket(t, conn, &encoding.UnsubackPacket{PacketID: unsubscribe.PacketID})
	})

	c := newTestClient(t, port, 2*time.Second)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, ConnectInfo{CleanSession: true}))
	require.NoError(t, c.Unsubscribe(ctx, "a/+"))

	<-done
	require.NoError(t, c.Disconnect(ctx))
}

// TestClient_InboundPublishQoS1 delivers to listeners and answers PUBACK
func TestClient_InboundPublishQoS1(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, encoding.ConnectAccepted)

		sendPacket(t, conn, &encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS1},
			TopicName:   "news",
			PacketID:    9,
			Payload:     []byte("update"),
		})

		pkt, err := encoding.ReadPacket(conn)
		if assert.NoError(t, err) {
			puback, ok := pkt.(*encoding.PubackPacket)
			if assert.True(t, ok) {
				assert.Equal(t, uint16(9), puback.PacketID)
			}
		}
	})

	c := newTestClient(t, port, 2*time.Second)
	ctx := context.Background()

	received := make(chan *message.Message, 1)
	require.NoError(t, c.AddPublishListener("test", "", func(msg *message.Message) {
		received <- msg
	}))

	require.NoError(t, c.Connect(ctx, ConnectInfo{CleanSession: true}))

	select {
	case msg := <-received:
		assert.Equal(t, "news", msg.Topic)
		assert.Equal(t, []byte("update"), msg.Payload)
		assert.Equal(t, encoding.QoS1, msg.QoS)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound publish was not delivered")
	}

	<-done
	require.NoError(t, c.Disconnect(ctx))
}

// TestClient_InboundPublishQoS2 delivers once across a duplicate and
// completes the PUBREC/PUBREL/PUBCOMP exchange
func TestClient_InboundPublishQoS2(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, encoding.ConnectAccepted)

		publish := &encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{QoS: encoding.QoS2},
			TopicName:   "once",
			PacketID:    3,
			Payload:     []byte("only"),
		}
		sendPacket(t, conn, publish)

		pkt, err := encoding.ReadPacket(conn)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, encoding.PUBREC, pkt.Type())

		// Duplicate before PUBREL: another PUBREC, no redelivery.
		dup := *publish
		dup.FixedHeader.DUP = true
		sendPacket(t, conn, &dup)

		pkt, err = encoding.ReadPacket(conn)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, encoding.PUBREC, pkt.Type())

		sendPacket(t, conn, &encoding.PubrelPacket{PacketID: 3})

		pkt, err = encoding.ReadPacket(conn)
		if assert.NoError(t, err) {
			pubcomp, ok := pkt.(*encoding.PubcompPacket)
			if assert.True(t, ok) {
				assert.Equal(t, uint16(3), pubcomp.PacketID)
			}
		}
	})

	c := newTestClient(t, port, 2*time.Second)
	ctx := context.Background()

	var deliveries atomic.Int32
	delivered := make(chan struct{}, 4)
	require.NoError(t, c.AddPublishListener("test", "", func(msg *message.Message) {
		deliveries.Add(1)
		delivered <- struct{}{}
	}))

	require.NoError(t, c.Connect(ctx, ConnectInfo{CleanSession: true}))

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("inbound publish was not delivered")
	}

	<-done
	assert.Equal(t, int32(1), deliveries.Load())
	require.NoError(t, c.Disconnect(ctx))
}

// TestClient_NoConnection rejects operations while disconnected
func TestClient_NoConnection(t *testing.T) {
	cfg := NewConfig("127.0.0.1", false)
	c, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	assert.ErrorIs(t, c.Publish(ctx, message.New("a", nil, encoding.QoS1, false)), ErrNoConnection)
	_, err = c.Subscribe(ctx, encoding.Subscription{TopicFilter: "a"})
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.ErrorIs(t, c.Ping(ctx), ErrNoConnection)
}

// TestClient_UnexpectedConnack after connecting is a protocol error that
// tears the connection down
func TestClient_UnexpectedConnack(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, encoding.ConnectAccepted)

		// A second CONNACK outside the connecting phase.
		sendPacket(t, conn, &encoding.ConnackPacket{ReturnCode: encoding.ConnectAccepted})

		// The client closes on the violation.
		one := make([]byte, 1)
		_, err := conn.Read(one)
		assert.Error(t, err)
	})

	c := newTestClient(t, port, 2*time.Second)
	ctx := context.Background()

	closed := make(chan error, 1)
	c.AddCloseListener("test", func(err error) { closed <- err })

	require.NoError(t, c.Connect(ctx, ConnectInfo{CleanSession: true}))

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, ErrUnexpectedPacket)
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not torn down")
	}

	<-done
}

// TestClient_ConfigValidation rejects invalid configurations
func TestClient_ConfigValidation(t *testing.T) {
	_, err := New(&Config{Host: "broker.example.com"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(&Config{Port: 1883})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// TestClient_ContextCancellation withdraws the pending task
func TestClient_ContextCancellation(t *testing.T) {
	port, done := startBroker(t, func(t *testing.T, conn net.Conn) {
		acceptConnect(t, conn, encoding.ConnectAccepted)

		// Swallow the PUBLISH; the caller cancels instead.
		if _, err := encoding.ReadPacket(conn); !assert.NoError(t, err) {
			return
		}

		one := make([]byte, 1)
		_, _ = conn.Read(one)
	})

	c := newTestClient(t, port, 0)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, ConnectInfo{CleanSession: true}))

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	err := c.Publish(cancelCtx, message.New("a", nil, encoding.QoS1, false))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, c.Disconnect(ctx))
	<-done
}

func readFull(conn net.Conn, buf []byte) error {
	_, err := io.ReadFull(conn, buf)
	return err
}
