package channel

import "busy-cloud/mqttchan/message"

// Handler receives the upcalls a Channel makes when packets arrive or
// lifecycle events occur. Implemented externally by the client and broker
// sides; a Handler's methods run on the selector thread driving the
// channel and must not block (§4.7, §5).
type Handler interface {
	ChannelOpened(c *Channel)
	ChannelAttached(c *Channel)
	ChannelDetached(c *Channel)
	// ChannelClosed is invoked exactly once per channel. cause is nil for
	// a clean peer close or caller-initiated close.
	ChannelClosed(c *Channel, cause error)
	MessageSent(c *Channel, pkt message.Packet)

	Connect(c *Channel, pkt *message.Connect)
	ConnAck(c *Channel, pkt *message.ConnAck)
	Publish(c *Channel, pkt *message.Publish)
	PubAck(c *Channel, pkt *message.PubAck)
	PubRec(c *Channel, pkt *message.PubRec)
	PubRel(c *Channel, pkt *message.PubRel)
	PubComp(c *Channel, pkt *message.PubComp)
	Subscribe(c *Channel, pkt *message.Subscribe)
	SubAck(c *Channel, pkt *message.SubAck)
	Unsubscribe(c *Channel, pkt *message.Unsubscribe)
	UnsubAck(c *Channel, pkt *message.UnsubAck)
	Disconnect(c *Channel, pkt *message.Disconnect)
}

// RoleHooks is the capability a concrete channel role (client or broker
// side) injects into the shared engine, per the design note preferring
// composition over a deep inheritance hierarchy. It covers everything that
// differs between a client channel and a broker-side channel: what
// "connected"/"disconnected" do, and the keep-alive policy.
type RoleHooks interface {
	// Connected is invoked at most once, when an accepted ConnAck has
	// been sent or received.
	Connected(pingIntervalMillis int64)
	// Disconnected is invoked at most once, during close, but only if
	// Connected was previously invoked.
	Disconnected()
	// KeepAlive is called during Housekeep. It returns the absolute time
	// (same units as now) at which keep-alive next needs attention, or a
	// non-positive value if nothing is currently scheduled. Returning a
	// deadline does not by itself close the channel; KeepAlive is not
	// passed the channel, so an implementation that enforces an idle
	// timeout closes it through its own reference to it.
	KeepAlive(now, lastReceivedTime, lastSentTime int64) int64
	// PingReq/PingResp let the role react to keep-alive traffic (a broker
	// replies to PingReq; a client updates idle bookkeeping on PingResp).
	// These packets are routed to the role only; Handler has no upcall for
	// them.
	PingReq(c *Channel, now int64, pkt *message.PingReq)
	PingResp(c *Channel, now int64, pkt *message.PingResp)
}
