package channel

import (
	"busy-cloud/mqttchan/message"
)

// dispatch routes one fully decoded packet to in-flight bookkeeping, role
// hooks and the Handler upcall, in that order. It returns false if handling
// the packet closed the channel.
func (c *Channel) dispatch(now int64, pkt message.Packet) bool {
	switch v := pkt.(type) {
	case *message.Connect:
		c.pingIntervalMillis = v.KeepAliveMillis()
		c.handler.Connect(c, v)

	case *message.ConnAck:
		if c.connAckReceived != nil {
			c.connAckReceived.CompleteSuccess(v)
			c.connAckReceived = nil
		}
		if v.ReturnCode == message.Accepted {
			c.markConnected(now)
		}
		c.handler.ConnAck(c, v)
		if v.ReturnCode != message.Accepted {
			c.Close(nil)
			return false
		}

	case *message.Publish:
		c.stats.MessageReceived(v.Dup())
		c.handler.Publish(c, v)

	case *message.PubAck:
		c.resolveAck(now, v.ID(), v)
		c.handler.PubAck(c, v)

	case *message.PubRec:
		c.resolveAck(now, v.ID(), v)
		c.handler.PubRec(c, v)

	case *message.PubRel:
		c.handler.PubRel(c, v)

	case *message.PubComp:
		c.resolveAck(now, v.ID(), v)
		c.handler.PubComp(c, v)

	case *message.Subscribe:
		c.handler.Subscribe(c, v)

	case *message.SubAck:
		c.resolveAck(now, v.ID(), v)
		c.handler.SubAck(c, v)

	case *message.Unsubscribe:
		c.handler.Unsubscribe(c, v)

	case *message.UnsubAck:
		c.resolveAck(now, v.ID(), v)
		c.handler.UnsubAck(c, v)

	case *message.PingReq:
		c.role.PingReq(c, now, v)

	case *message.PingResp:
		c.role.PingResp(c, now, v)

	case *message.Disconnect:
		c.handler.Disconnect(c, v)
		c.Close(nil)
		return false
	}
	return true
}

// resolveAck removes the in-flight entry for id, if any, completes its
// completion handle with the ack packet and records latency stats (I4).
// Acks for unknown ids (already resolved, or never sent by us) are ignored,
// matching §4.6's note that the in-flight map is the sole source of truth.
// Ack-latency stats are scoped to Publish round-trips only (SubAck/UnsubAck/
// PubRec/PubComp acknowledge Subscribe/Unsubscribe/PubRel, not a Publish),
// mirroring the Java original's instanceof PubMessage check.
func (c *Channel) resolveAck(now int64, id uint16, ack message.Packet) {
	p, ok := c.inFlight[id]
	if !ok {
		return
	}
	delete(c.inFlight, id)
	if _, isPublish := p.pkt.(*message.Publish); isPublish {
		c.stats.MessageAcked(now - p.originalSendTime)
	}
	if p.completion != nil {
		p.completion.CompleteSuccess(ack)
	}
}

// markConnected flips the channel into the connected state at most once,
// per I5, and invokes the role's Connected hook.
func (c *Channel) markConnected(now int64) {
	if c.connected {
		return
	}
	c.connected = true
	c.connectPending = false
	c.lastReceivedTime = now
	c.lastSentTime = now
	c.role.Connected(c.pingIntervalMillis)
}

// markDisconnected invokes the role's Disconnected hook at most once, and
// only if the channel had actually reached the connected state.
func (c *Channel) markDisconnected() {
	if !c.connected {
		return
	}
	c.connected = false
	c.role.Disconnected()
}
