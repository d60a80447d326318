package reactor_test

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"busy-cloud/mqttchan/channel"
	"busy-cloud/mqttchan/internal/broker"
	"busy-cloud/mqttchan/internal/reactor"
	"busy-cloud/mqttchan/message"
)

// testClient is a minimal, synchronous MQTT 3.1 client good enough to drive
// the reactor end-to-end: it reads exactly one packet at a time off the
// wire using the same fixed-header/remaining-length framing the channel
// engine itself implements, with no resend or QoS bookkeeping of its own.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, port int) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(pkt message.Packet) {
	c.t.Helper()
	_, err := c.conn.Write(pkt.Bytes())
	require.NoError(c.t, err)
}

// readPacket reads exactly one complete MQTT packet using the same fixed
// header + base-128 remaining-length framing as channel/read.go.
func (c *testClient) readPacket() (message.Packet, error) {
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	header1, err := c.r.ReadByte()
	if err != nil {
		return nil, err
	}
	var lenBytes []byte
	remaining := 0
	multiplier := 1
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return nil, err
		}
		lenBytes = append(lenBytes, b)
		remaining += int(b&0x7f) * multiplier
		multiplier *= 0x80
		if b&0x80 == 0 {
			break
		}
	}
	body := make([]byte, remaining)
	if _, err := readFull(c.r, body); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 1+len(lenBytes)+remaining)
	buf = append(buf, header1)
	buf = append(buf, lenBytes...)
	buf = append(buf, body...)
	return message.Decode(buf)
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *testClient) mustReadType(want message.Type) message.Packet {
	c.t.Helper()
	pkt, err := c.readPacket()
	require.NoErrorf(c.t, err, "read packet (want %v)", want)
	require.Equal(c.t, want, pkt.Type())
	return pkt
}

func (c *testClient) connect(clientID string, username string, password []byte) *message.ConnAck {
	c.send(message.NewConnect(clientID, true, 60, nil, username, password))
	return c.mustReadType(message.TypeConnAck).(*message.ConnAck)
}

// newTestBroker wires a Broker and a Reactor together exactly as
// cmd/mockbroker does, bound to an ephemeral port, and returns the running
// Reactor with cleanup already registered to stop both.
func newTestBroker(t *testing.T, cfg broker.Config, resendMillis int64) *reactor.Reactor {
	t.Helper()
	if cfg.Auth == nil {
		auth, err := broker.NewAuthenticator("", true, false)
		require.NoError(t, err)
		cfg.Auth = auth
	}
	b, err := broker.New(cfg, 4)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	newHandler := func() (channel.Handler, channel.RoleHooks) {
		s := b.NewHandler()
		return s, s
	}
	r, err := reactor.New(0, resendMillis, newHandler)
	require.NoError(t, err)
	go r.Run()
	t.Cleanup(r.Stop)
	return r
}

// S1: a Connect with no credentials is refused with NotAuthorized when the
// broker does not allow anonymous access.
func TestConnectRefusedNoCredentials(t *testing.T) {
	auth, err := broker.NewAuthenticator("", false, false)
	require.NoError(t, err)
	r := newTestBroker(t, broker.Config{Auth: auth}, 15000)

	c := dial(t, r.Port())
	ack := c.connect("client-1", "", nil)
	require.Equal(t, message.NotAuthorized, ack.ReturnCode)
}

// S2: a Connect with a wrong username/password is refused with
// BadCredentials.
func TestConnectRefusedBadCredentials(t *testing.T) {
	auth, err := broker.NewAuthenticator("alice:secret", false, false)
	require.NoError(t, err)
	r := newTestBroker(t, broker.Config{Auth: auth}, 15000)

	c := dial(t, r.Port())
	ack := c.connect("client-1", "alice", []byte("wrong"))
	require.Equal(t, message.BadCredentials, ack.ReturnCode)
}

// S3: an anonymous QoS 1 publish/subscribe round trip: a subscriber
// receives a publish from a second client and the publisher gets its
// PubAck.
func TestQoS1PublishSubscribeRoundTrip(t *testing.T) {
	r := newTestBroker(t, broker.Config{}, 15000)

	sub := dial(t, r.Port())
	require.Equal(t, message.Accepted, sub.connect("subscriber", "", nil).ReturnCode)
	sub.send(message.NewSubscribe(1, []message.TopicFilter{{Filter: "a/b", QoS: 1}}))
	sub.mustReadType(message.TypeSubAck)

	pub := dial(t, r.Port())
	require.Equal(t, message.Accepted, pub.connect("publisher", "", nil).ReturnCode)
	pub.send(message.NewPublish("a/b", []byte("hello"), 1, false, false, 7))
	puback := pub.mustReadType(message.TypePubAck).(*message.PubAck)
	require.EqualValues(t, 7, puback.ID())

	delivered := sub.mustReadType(message.TypePublish).(*message.Publish)
	require.Equal(t, "a/b", delivered.Topic)
	require.Equal(t, "hello", string(delivered.Payload))
	require.EqualValues(t, 1, delivered.QoS())

	// Ack it so the broker's in-flight bookkeeping clears; a dangling
	// unacked QoS 1 would otherwise trigger a spurious resend mid-test.
	sub.send(message.NewPubAck(delivered.ID()))
}

// S4: an unacknowledged QoS 1 publish is redelivered with DUP set once its
// resend falls due.
func TestResendSetsDupFlag(t *testing.T) {
	const resendMillis = 200
	r := newTestBroker(t, broker.Config{}, resendMillis)

	sub := dial(t, r.Port())
	sub.connect("subscriber", "", nil)
	sub.send(message.NewSubscribe(1, []message.TopicFilter{{Filter: "x", QoS: 1}}))
	sub.mustReadType(message.TypeSubAck)

	pub := dial(t, r.Port())
	pub.connect("publisher", "", nil)
	pub.send(message.NewPublish("x", []byte("v1"), 1, false, false, 9))
	pub.mustReadType(message.TypePubAck)

	first := sub.mustReadType(message.TypePublish).(*message.Publish)
	require.False(t, first.Dup())

	// Deliberately do not PubAck: the broker should redeliver with DUP.
	// resendMillis is shorter than the engine's 1000 ms resend lookahead,
	// so the resend is already due at the first Housekeep pass after the
	// first delivery.
	second := sub.mustReadType(message.TypePublish).(*message.Publish)
	require.True(t, second.Dup())
	require.Equal(t, first.ID(), second.ID())

	sub.send(message.NewPubAck(second.ID()))
}

// S5: the broker's -m max-in-flight ceiling withholds a second QoS 1
// delivery until the first is acked and a slot frees up.
func TestMaxInFlightBackpressure(t *testing.T) {
	auth, err := broker.NewAuthenticator("", true, false)
	require.NoError(t, err)
	r := newTestBroker(t, broker.Config{MaxInFlight: 1, Auth: auth}, 60000)

	sub := dial(t, r.Port())
	sub.connect("subscriber", "", nil)
	sub.send(message.NewSubscribe(1, []message.TopicFilter{{Filter: "y", QoS: 1}}))
	sub.mustReadType(message.TypeSubAck)

	pub := dial(t, r.Port())
	pub.connect("publisher", "", nil)

	pub.send(message.NewPublish("y", []byte("first"), 1, false, false, 1))
	pub.mustReadType(message.TypePubAck)
	pub.send(message.NewPublish("y", []byte("second"), 1, false, false, 2))
	pub.mustReadType(message.TypePubAck)

	firstMsg := sub.mustReadType(message.TypePublish).(*message.Publish)
	require.Equal(t, "first", string(firstMsg.Payload))

	// The second publish must be withheld until the first is acked: assert
	// no further packet arrives within a short window.
	sub.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, err = sub.readPacket()
	require.Error(t, err, "second delivery arrived before first was acked")

	sub.send(message.NewPubAck(firstMsg.ID()))

	secondMsg := sub.mustReadType(message.TypePublish).(*message.Publish)
	require.Equal(t, "second", string(secondMsg.Payload))
	sub.send(message.NewPubAck(secondMsg.ID()))
}

// S6: Stop tears down the listener; a subsequent dial to the recorded port
// fails.
func TestStopClosesListener(t *testing.T) {
	r, err := reactor.New(0, 15000, func() (channel.Handler, channel.RoleHooks) {
		t.Fatal("no connection should be accepted in this test")
		return nil, nil
	})
	require.NoError(t, err)
	go r.Run()
	port := r.Port()
	r.Stop()

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	require.Error(t, err)
}
