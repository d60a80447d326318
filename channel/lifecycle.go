package channel

import "errors"

// ErrClosed is returned by Send once a channel has closed, and is the
// failure cause completed onto any completion handle still pending when
// Close is called with a nil cause (§4.5).
var ErrClosed = errors.New("mqttchan/channel: closed")

// FinishConnect drives an outgoing channel's pending asynchronous connect
// to completion. It must be called only on channels constructed with
// NewOutgoingChannel, on write (or error) readiness of the underlying
// socket. Once the connect succeeds, channel-opened fires and the channel
// behaves exactly like one constructed with NewIncomingChannel.
func (c *Channel) FinishConnect(now int64) bool {
	if !c.IsOpen() || !c.connectPending {
		return c.IsOpen()
	}
	finisher, ok := c.conn.(ConnectFinisher)
	if !ok {
		c.connectPending = false
		c.finishConnectSucceeded(now)
		return true
	}
	done, err := finisher.FinishConnect()
	if err != nil {
		c.Close(err)
		return false
	}
	if !done {
		return true
	}
	c.connectPending = false
	c.finishConnectSucceeded(now)
	return true
}

func (c *Channel) finishConnectSucceeded(now int64) {
	c.interest.ResumeRead()
	c.handler.ChannelOpened(c)
	if c.connectionComplete != nil {
		c.connectionComplete.CompleteSuccess(nil)
		c.connectionComplete = nil
	}
	c.drainWrites(now)
}

// Register attaches a new Handler and Interest to an already-open channel,
// invoking ChannelAttached. It is used when a broker hands a channel off
// between acceptor and session-owning components.
func (c *Channel) Register(newInterest Interest, newHandler Handler) {
	c.interest = newInterest
	c.handler = newHandler
	c.handler.ChannelAttached(c)
}

// Deregister detaches the channel from its current Interest, invoking
// ChannelDetached, and replaces it with a no-op so Read/Write callers do
// not need to special-case an unregistered channel.
func (c *Channel) Deregister() {
	c.handler.ChannelDetached(c)
	c.interest = noopInterest{}
}

// Close tears the channel down exactly once (I9): the socket is closed,
// every queued or in-flight completion is failed with cause (ErrClosed if
// cause is nil), the role's Disconnected hook runs if the channel had
// reached connected, write/read interest is cancelled, and
// Handler.ChannelClosed fires last.
func (c *Channel) Close(cause error) {
	if c.closeCalled {
		return
	}
	c.closeCalled = true

	effectiveCause := cause
	if effectiveCause == nil {
		effectiveCause = ErrClosed
	}

	c.conn.Close()
	c.interest.Cancel()
	c.markDisconnected()

	if c.connectionComplete != nil {
		c.connectionComplete.CompleteFailure(effectiveCause)
		c.connectionComplete = nil
	}
	if c.connAckReceived != nil {
		c.connAckReceived.CompleteFailure(effectiveCause)
		c.connAckReceived = nil
	}
	if c.sendInProgress != nil {
		c.failPending(c.sendInProgress, effectiveCause)
		c.sendInProgress = nil
	}
	for _, p := range c.writesPending {
		c.failPending(p, effectiveCause)
	}
	c.writesPending = nil
	for id, p := range c.inFlight {
		c.failPending(p, effectiveCause)
		delete(c.inFlight, id)
	}

	c.handler.ChannelClosed(c, cause)
}

func (c *Channel) failPending(p *pending, cause error) {
	if p.completion != nil {
		p.completion.CompleteFailure(cause)
	}
}
