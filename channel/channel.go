// Package channel implements the per-connection MQTT 3.1 engine: framing
// of the wire protocol over non-blocking I/O, outgoing send queueing,
// QoS 1/2 in-flight tracking, timer-driven resend and keep-alive, and
// propagation of failures to pending completion handles. It drives a
// single socket and is not safe for concurrent use by multiple goroutines
// (§5): exactly one goroutine — the reactor driving the channel's
// readiness — may call Read, Write, Housekeep, FinishConnect, Close,
// Register or Deregister at a time. Send may be called from any goroutine
// provided the caller does not race that goroutine.
package channel

import (
	"busy-cloud/mqttchan/message"
)

type framingState int

const (
	stateH1 framingState = iota
	stateH2
	stateBody
)

// pending is the per-packet bookkeeping the channel keeps while it owns a
// packet: its completion handle and the resend timestamps from §3.
type pending struct {
	pkt              message.Packet
	completion       *message.Completion
	sentOffset       int
	originalSendTime int64
	nextSendTime     int64
}

// Channel is the per-connection MQTT state machine described by §3-§4 of
// the design. Construct one with NewClientChannel or NewBrokerChannel.
//
// Read, Write, Housekeep, FinishConnect, Register, Deregister, Close and
// Send are meant to be called by exactly one goroutine at a time (§5):
// ordinarily the reactor driving the channel's readiness. A goroutine that
// is not that owner (e.g. a broker's publish fan-out pool worker) must not
// call these directly; it should use RunOnOwner instead, which hands a
// closure to the channel's registered Interest to run on the owner's next
// turn.
type Channel struct {
	conn     Conn
	interest Interest
	handler  Handler
	role     RoleHooks
	stats    message.Stats

	resendIntervalMillis int64

	// --- read-side framing state (§4.3) ---
	readPaused bool
	state      framingState
	header1    [2]byte
	header1n   int
	header2    [3]byte
	header2n   int
	body       []byte
	bodyn      int

	lastReceivedTime int64
	lastSentTime     int64
	pingIntervalMillis int64

	// --- write-side state (§4.4) ---
	sendInProgress *pending
	writesPending  []*pending

	// --- in-flight / resend (§3, §4.6) ---
	inFlight      map[uint16]*pending
	resendStaging []*pending

	// --- connect lifecycle (§4.5) ---
	connectionComplete *message.Completion
	connAckReceived    *message.Completion
	connectPending     bool

	connected   bool
	closeCalled bool

	remoteAddr string
	localAddr  string
}

// Option configures a Channel at construction.
type Option func(*Channel)

// WithStats attaches a statistics sink. The default is message.NewCounterStats().
func WithStats(s message.Stats) Option { return func(c *Channel) { c.stats = s } }

// WithInterest attaches the reactor's readiness-interest sink. The default
// is a no-op, suitable for unit tests that drive Read/Write/Housekeep
// directly without a real reactor.
func WithInterest(i Interest) Option { return func(c *Channel) { c.interest = i } }

// WithAddrs records the human-readable remote/local addresses, purely for
// logging; the engine does not otherwise use them.
func WithAddrs(remote, local string) Option {
	return func(c *Channel) { c.remoteAddr, c.localAddr = remote, local }
}

func newChannel(conn Conn, handler Handler, role RoleHooks, resendIntervalMillis int64, opts []Option) *Channel {
	c := &Channel{
		conn:                 conn,
		handler:              handler,
		role:                 role,
		resendIntervalMillis: resendIntervalMillis,
		interest:             noopInterest{},
		stats:                message.NewCounterStats(),
		inFlight:             make(map[uint16]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewIncomingChannel constructs a channel for a socket already accepted by
// a listener (broker side). channel-opened fires immediately (§3
// Lifecycles).
func NewIncomingChannel(conn Conn, handler Handler, role RoleHooks, resendIntervalMillis int64, opts ...Option) *Channel {
	c := newChannel(conn, handler, role, resendIntervalMillis, opts)
	c.interest.ResumeRead()
	handler.ChannelOpened(c)
	return c
}

// NewOutgoingChannel constructs a channel around a socket mid-connect
// (client side). The caller is expected to enqueue the Connect packet via
// Send once this returns; channel-opened fires from FinishConnect, not
// here, matching §3's outgoing lifecycle. connectionComplete, if non-nil,
// is completed by FinishConnect.
func NewOutgoingChannel(conn Conn, handler Handler, role RoleHooks, resendIntervalMillis int64, connectionComplete *message.Completion, opts ...Option) *Channel {
	c := newChannel(conn, handler, role, resendIntervalMillis, opts)
	c.connectionComplete = connectionComplete
	c.connectPending = true
	return c
}

// IsOpen reports whether the underlying socket is still open. Once Close
// has run this is always false (I9).
func (c *Channel) IsOpen() bool { return !c.closeCalled }

// IsConnected implements I5: true iff an accepted ConnAck has been sent or
// received and no Disconnect has been sent or received and the socket is
// open.
func (c *Channel) IsConnected() bool { return c.connected }

// IsConnectionPending reports whether an asynchronous connect was
// initiated but FinishConnect has not yet completed it.
func (c *Channel) IsConnectionPending() bool { return c.connectPending }

// InFlightCount returns the number of ackable packets currently awaiting
// their acknowledgement.
func (c *Channel) InFlightCount() int { return len(c.inFlight) }

// SendQueueDepth returns the number of packets queued behind (and
// including) the in-progress send.
func (c *Channel) SendQueueDepth() int {
	if c.sendInProgress == nil {
		return len(c.writesPending)
	}
	return len(c.writesPending) + 1
}

// RemoteAddr and LocalAddr are informational only.
func (c *Channel) RemoteAddr() string { return c.remoteAddr }
func (c *Channel) LocalAddr() string  { return c.localAddr }

// PauseRead disarms read interest (I8) until ResumeRead is called.
// Queued and in-progress sends are unaffected.
func (c *Channel) PauseRead() {
	c.readPaused = true
	if c.IsOpen() {
		c.interest.PauseRead()
	}
}

// ResumeRead re-arms read interest.
func (c *Channel) ResumeRead() {
	c.readPaused = false
	if c.IsOpen() {
		c.interest.ResumeRead()
	}
}

// RunOnOwner schedules fn to run later on the channel's owner goroutine,
// via the registered Interest. It is the mechanism a goroutine other than
// the owner must use to touch the channel (Send, InFlightCount, Close,
// ...) safely, since every other Channel method assumes single-owner
// access per §5. Called from the owner goroutine itself, fn may run
// before RunOnOwner returns.
func (c *Channel) RunOnOwner(fn func()) {
	c.interest.Submit(fn)
}
