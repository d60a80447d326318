package channel

import (
	"errors"

	"busy-cloud/mqttchan/message"
)

// Send enqueues pkt for transmission and makes an immediate attempt to
// drain the write queue so a channel that is currently writable incurs no
// extra latency waiting for the reactor's next writable callback. If pkt
// is ackable (Publish at QoS>=1, Subscribe, Unsubscribe, PubRel) it is
// recorded in the in-flight map, keyed by its message id, only once it has
// fully drained to the socket — not at enqueue time — so resend timing
// (§4.6) measures from when the bytes actually left, and a packet that is
// still only partway written is never double-counted as in-flight.
//
// completion, if non-nil, is completed exactly once: on success when an
// ack arrives (ackable packets) or as soon as the bytes are fully written
// (non-ackable packets), on failure if the channel closes first. Connect
// is special: its completion is attached to the channel as the
// conn-ack-received handle rather than carried on the packet, since the
// reply that resolves it (ConnAck) carries no message id to correlate by.
//
// Send returns ErrClosed if the channel is already closed or closes before
// pkt has been fully written. A packet whose own transmission ends the
// connection (a Disconnect or a refused ConnAck) returns nil.
func (c *Channel) Send(now int64, pkt message.Packet, completion *message.Completion) error {
	if !c.IsOpen() {
		if completion != nil {
			completion.CompleteFailure(ErrClosed)
		}
		return ErrClosed
	}
	if _, isConnect := pkt.(*message.Connect); isConnect {
		c.connAckReceived = completion
		completion = nil
	}
	p := &pending{pkt: pkt, completion: completion}
	c.writesPending = append(c.writesPending, p)
	if !c.drainWrites(now) && p.sentOffset < len(pkt.Bytes()) {
		return ErrClosed
	}
	return nil
}

// SendConnect is a thin convenience wrapper over Send for client-role
// handlers that prefer to name the conn-ack-received relationship
// explicitly at the call site; it is equivalent to calling Send directly.
func (c *Channel) SendConnect(now int64, pkt *message.Connect, connAckReceived *message.Completion) error {
	return c.Send(now, pkt, connAckReceived)
}

// Write drains as much of the pending send queue as the socket currently
// accepts without blocking (§4.4). It returns whether the channel remains
// open.
func (c *Channel) Write(now int64) bool {
	if !c.IsOpen() {
		return false
	}
	return c.drainWrites(now)
}

func boolToErr(open bool) error {
	if open {
		return nil
	}
	return ErrClosed
}

// drainWrites implements the write-side drain algorithm: (a) pull the next
// queued packet into sendInProgress if none is active; (b) write as much of
// its buffer as the socket accepts; (c) on a short write, arm write interest
// and return, preserving the offset for the next call; (d) on a full write,
// record send stats, stamp original-send-time (unless this was a resend),
// fire the MessageSent upcall, run connect/ConnAck/disconnect lifecycle
// side effects, register ackable packets in the in-flight map, complete
// non-ackable completions, and loop to the next queued packet; (e) once the
// queue is empty, disarm write interest; (f) any I/O error beyond
// ErrWouldBlock closes the channel.
func (c *Channel) drainWrites(now int64) bool {
	for {
		if c.sendInProgress == nil {
			if len(c.writesPending) == 0 {
				c.interest.DisarmWrite()
				return true
			}
			c.sendInProgress = c.writesPending[0]
			c.writesPending = c.writesPending[1:]
		}

		p := c.sendInProgress
		buf := p.pkt.Bytes()
		n, err := c.conn.Write(buf[p.sentOffset:])
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				c.interest.ArmWrite()
				return true
			}
			c.Close(err)
			return false
		}
		p.sentOffset += n
		if p.sentOffset < len(buf) {
			c.interest.ArmWrite()
			return true
		}

		c.sendInProgress = nil
		if !c.onSendComplete(now, p) {
			return false
		}
	}
}

// onSendComplete runs the side effects of a packet finishing transmission.
// It returns false if running them closed the channel (a refused ConnAck or
// a Disconnect we originated both end the connection once sent), in which
// case the caller must stop draining.
func (c *Channel) onSendComplete(now int64, p *pending) bool {
	c.lastSentTime = now
	dup := p.pkt.Dup()
	c.stats.MessageSent(dup)
	if !dup {
		p.originalSendTime = now
	}
	c.handler.MessageSent(c, p.pkt)

	switch v := p.pkt.(type) {
	case *message.Connect:
		c.pingIntervalMillis = v.KeepAliveMillis()
	case *message.ConnAck:
		if v.ReturnCode == message.Accepted {
			c.markConnected(now)
		} else {
			if p.completion != nil {
				p.completion.CompleteSuccess(p.pkt)
			}
			c.Close(nil)
			return false
		}
	case *message.Disconnect:
		if p.completion != nil {
			p.completion.CompleteSuccess(p.pkt)
		}
		c.Close(nil)
		return false
	}

	if p.pkt.Ackable() {
		if id, ok := p.pkt.(message.Identifiable); ok {
			// next-send-time is only meaningful when resend is enabled
			// (resendIntervalMillis == 0 disables resend entirely); the
			// packet still needs to sit in the in-flight map so its ack
			// can be correlated by id, it just never becomes resend-due.
			if c.resendIntervalMillis > 0 {
				p.nextSendTime = now + c.resendIntervalMillis
			}
			c.inFlight[id.ID()] = p
		}
		return true
	}
	if p.completion != nil {
		p.completion.CompleteSuccess(p.pkt)
	}
	return true
}
