package channel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"busy-cloud/mqttchan/message"
)

// fakeConn is an in-memory, fully controllable Conn so framing, resend and
// keep-alive timing can be driven deterministically without real sockets.
type fakeConn struct {
	readBuf []byte
	readErr error

	out          bytes.Buffer
	writeAllowed int // -1 means unlimited
	writeErr     error

	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{writeAllowed: -1} }

func (f *fakeConn) Read(buf []byte) (int, error) {
	if len(f.readBuf) == 0 {
		if f.readErr != nil {
			return 0, f.readErr
		}
		return 0, ErrWouldBlock
	}
	n := copy(buf, f.readBuf)
	f.readBuf = f.readBuf[n:]
	return n, nil
}

func (f *fakeConn) Write(buf []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	n := len(buf)
	if f.writeAllowed >= 0 && n > f.writeAllowed {
		n = f.writeAllowed
	}
	f.out.Write(buf[:n])
	return n, nil
}

func (f *fakeConn) Close() error { f.closed = true; return nil }

// fakeInterest records every call the channel makes on it, so tests can
// assert I7/I8 (write interest armed iff a send is in progress; read
// interest reflects PauseRead/ResumeRead).
type fakeInterest struct {
	writeArmed bool
	readPaused bool
	cancelled  bool
	armCount   int
	disarmCount int
}

func (f *fakeInterest) ArmWrite()    { f.writeArmed = true; f.armCount++ }
func (f *fakeInterest) DisarmWrite() { f.writeArmed = false; f.disarmCount++ }
func (f *fakeInterest) PauseRead()   { f.readPaused = true }
func (f *fakeInterest) ResumeRead()  { f.readPaused = false }

// Submit runs fn immediately: these tests drive the channel from a single
// goroutine, so there is no owner goroutine to hop to.
func (f *fakeInterest) Submit(fn func()) { fn() }
func (f *fakeInterest) Cancel()      { f.cancelled = true }

// fakeHandler records every upcall it receives.
type fakeHandler struct {
	opened    []*Channel
	closed    []error
	sent      []message.Packet
	publishes []*message.Publish
	pubAcks   []*message.PubAck
	pubRecs   []*message.PubRec
	pubRels   []*message.PubRel
	pubComps  []*message.PubComp
	connects  []*message.Connect
	connAcks  []*message.ConnAck
	subs      []*message.Subscribe
	subAcks   []*message.SubAck
	unsubs    []*message.Unsubscribe
	unsubAcks []*message.UnsubAck
	discs     []*message.Disconnect
}

func (h *fakeHandler) ChannelOpened(c *Channel)              { h.opened = append(h.opened, c) }
func (h *fakeHandler) ChannelAttached(c *Channel)             {}
func (h *fakeHandler) ChannelDetached(c *Channel)             {}
func (h *fakeHandler) ChannelClosed(c *Channel, cause error) { h.closed = append(h.closed, cause) }
func (h *fakeHandler) MessageSent(c *Channel, pkt message.Packet) {
	h.sent = append(h.sent, pkt)
}
func (h *fakeHandler) Connect(c *Channel, pkt *message.Connect)   { h.connects = append(h.connects, pkt) }
func (h *fakeHandler) ConnAck(c *Channel, pkt *message.ConnAck)   { h.connAcks = append(h.connAcks, pkt) }
func (h *fakeHandler) Publish(c *Channel, pkt *message.Publish)   { h.publishes = append(h.publishes, pkt) }
func (h *fakeHandler) PubAck(c *Channel, pkt *message.PubAck)     { h.pubAcks = append(h.pubAcks, pkt) }
func (h *fakeHandler) PubRec(c *Channel, pkt *message.PubRec)     { h.pubRecs = append(h.pubRecs, pkt) }
func (h *fakeHandler) PubRel(c *Channel, pkt *message.PubRel)     { h.pubRels = append(h.pubRels, pkt) }
func (h *fakeHandler) PubComp(c *Channel, pkt *message.PubComp)   { h.pubComps = append(h.pubComps, pkt) }
func (h *fakeHandler) Subscribe(c *Channel, pkt *message.Subscribe) {
	h.subs = append(h.subs, pkt)
}
func (h *fakeHandler) SubAck(c *Channel, pkt *message.SubAck) { h.subAcks = append(h.subAcks, pkt) }
func (h *fakeHandler) Unsubscribe(c *Channel, pkt *message.Unsubscribe) {
	h.unsubs = append(h.unsubs, pkt)
}
func (h *fakeHandler) UnsubAck(c *Channel, pkt *message.UnsubAck) {
	h.unsubAcks = append(h.unsubAcks, pkt)
}
func (h *fakeHandler) Disconnect(c *Channel, pkt *message.Disconnect) {
	h.discs = append(h.discs, pkt)
}

// fakeRole is a minimal RoleHooks that never closes the channel on its own
// and records whether Connected/Disconnected fired.
type fakeRole struct {
	connectedCalls    int
	disconnectedCalls int
	lastPingInterval  int64
	keepAliveDeadline int64
}

func (r *fakeRole) Connected(pingIntervalMillis int64) {
	r.connectedCalls++
	r.lastPingInterval = pingIntervalMillis
}
func (r *fakeRole) Disconnected() { r.disconnectedCalls++ }
func (r *fakeRole) KeepAlive(now, lastReceivedTime, lastSentTime int64) int64 {
	return r.keepAliveDeadline
}
func (r *fakeRole) PingReq(c *Channel, now int64, pkt *message.PingReq)   {}
func (r *fakeRole) PingResp(c *Channel, now int64, pkt *message.PingResp) {}

func newTestChannel(conn *fakeConn, h *fakeHandler, r *fakeRole, in *fakeInterest, resendMillis int64) *Channel {
	return NewIncomingChannel(conn, h, r, resendMillis, WithInterest(in))
}

func TestReadFramingAcrossArbitraryChunks(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	c := newTestChannel(conn, h, &fakeRole{}, &fakeInterest{}, 5000)

	p1 := message.NewPublish("a/b", []byte("hello"), 0, false, false, 0)
	p2 := message.NewPublish("c/d", []byte("world-payload"), 1, true, false, 7)
	whole := append(append([]byte{}, p1.Bytes()...), p2.Bytes()...)

	// Feed the combined stream in tiny, arbitrary chunks to prove framing
	// does not depend on chunk boundaries aligning with packet boundaries.
	for len(whole) > 0 {
		n := 3
		if n > len(whole) {
			n = len(whole)
		}
		conn.readBuf = append(conn.readBuf, whole[:n]...)
		whole = whole[n:]
		require.True(t, c.Read(int64(1)))
	}

	require.Len(t, h.publishes, 2)
	require.Equal(t, "a/b", h.publishes[0].Topic)
	require.Equal(t, "c/d", h.publishes[1].Topic)
	require.Equal(t, uint16(7), h.publishes[1].ID())
}

func TestSendAckableTracksInFlightAndCompletesOnAck(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	c := newTestChannel(conn, h, &fakeRole{}, &fakeInterest{}, 5000)

	pub := message.NewPublish("t", []byte("payload"), 1, false, false, 11)
	completion := message.NewCompletion()
	require.NoError(t, c.Send(100, pub, completion))

	require.Equal(t, 1, c.InFlightCount())
	require.True(t, bytes.Contains(conn.out.Bytes(), []byte("payload")))

	ack := message.NewPubAck(11)
	conn.readBuf = ack.Bytes()
	require.True(t, c.Read(200))

	require.Equal(t, 0, c.InFlightCount())
	state, result, err := completion.Await(0)
	require.Equal(t, message.Success, state)
	require.NoError(t, err)
	require.Equal(t, message.Packet(ack), result)
}

func TestResendSetsDupAndKeepsOriginalSendTimeStable(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	c := newTestChannel(conn, h, &fakeRole{}, &fakeInterest{}, 5000)

	pub := message.NewPublish("t", []byte("x"), 1, false, false, 3)
	require.NoError(t, c.Send(0, pub, nil))
	require.False(t, pub.Dup())

	entry := c.inFlight[3]
	require.NotNil(t, entry)
	require.Equal(t, int64(0), entry.originalSendTime)

	// Not yet due: nextSendTime (5000) is well outside now+lookahead, so
	// Housekeep should not retransmit.
	conn.out.Reset()
	next := c.Housekeep(100)
	require.Zero(t, conn.out.Len())
	require.Greater(t, next, int64(100))

	// Due (nextSendTime <= now+lookahead): Housekeep retransmits with dup set.
	next = c.Housekeep(4100)
	require.True(t, pub.Dup())
	require.NotZero(t, conn.out.Len())
	require.Equal(t, int64(0), entry.originalSendTime, "original send time must not move on resend")
	require.Greater(t, next, int64(4100))
}

func TestCloseFailsQueuedAndInFlightCompletions(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	c := newTestChannel(conn, h, &fakeRole{}, &fakeInterest{}, 5000)

	inFlightCompletion := message.NewCompletion()
	require.NoError(t, c.Send(0, message.NewPublish("t", []byte("x"), 1, false, false, 1), inFlightCompletion))
	require.Equal(t, 1, c.InFlightCount())

	conn.writeAllowed = 0 // nothing further drains; the next send stays unsent
	queuedCompletion := message.NewCompletion()
	require.NoError(t, c.Send(0, message.NewPublish("t", []byte("y"), 1, false, false, 2), queuedCompletion))

	c.Close(nil)

	state, _, err := queuedCompletion.Await(0)
	require.Equal(t, message.Failure, state)
	require.Error(t, err)
	state, _, err = inFlightCompletion.Await(0)
	require.Equal(t, message.Failure, state)
	require.Error(t, err)
	require.Len(t, h.closed, 1)
	require.True(t, conn.closed)
}

func TestWriteInterestArmedOnlyWhileSendInProgress(t *testing.T) {
	conn := newFakeConn()
	conn.writeAllowed = 4 // force a short write so the packet spans two Write calls
	h := &fakeHandler{}
	in := &fakeInterest{}
	c := newTestChannel(conn, h, &fakeRole{}, in, 5000)

	require.NoError(t, c.Send(0, message.NewPublish("t", []byte("0123456789"), 0, false, false, 0), nil))
	require.True(t, in.writeArmed, "write interest must be armed while a send is only partially flushed")

	conn.writeAllowed = -1
	require.True(t, c.Write(1))
	require.False(t, in.writeArmed, "write interest must be disarmed once the queue drains")
}

func TestConnAckAcceptedMarksConnectedOnceAndSendCompletesDisconnect(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	role := &fakeRole{}
	c := newTestChannel(conn, h, role, &fakeInterest{}, 5000)

	conn.readBuf = message.NewConnect("client1", true, 30, nil, "", nil).Bytes()
	require.True(t, c.Read(0))
	require.Len(t, h.connects, 1)

	require.NoError(t, c.Send(0, message.NewConnAck(false, message.Accepted), nil))
	require.Equal(t, 1, role.connectedCalls)
	require.True(t, c.IsConnected())

	require.NoError(t, c.Send(1, message.NewDisconnect(), nil))
	require.Equal(t, 1, role.disconnectedCalls)
	require.False(t, c.IsConnected())
}

func TestDecodeMalformedBodyLeavesChannelOpen(t *testing.T) {
	conn := newFakeConn()
	h := &fakeHandler{}
	c := newTestChannel(conn, h, &fakeRole{}, &fakeInterest{}, 5000)

	// A SUBSCRIBE fixed header claiming a 1-byte body, one byte short of
	// the 2-byte message-id field SUBSCRIBE requires: a parse failure,
	// not an I/O failure, so the channel must stay open (§7).
	conn.readBuf = []byte{0x82, 0x01, 0x00}
	require.True(t, c.Read(0))
	require.True(t, c.IsOpen())
}
