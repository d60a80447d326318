package broker

import (
	"strings"
	"time"

	"busy-cloud/mqttchan/channel"
	"busy-cloud/mqttchan/message"
)

// nowMillis is the broker's wall-clock source for packets it originates
// outside of a Read/Write/Housekeep callback (the engine's own now
// parameter covers everything driven by the reactor; a Handler upcall
// reacting to an inbound packet needs its own timestamp to hand back into
// channel.Send).
func nowMillis() int64 { return time.Now().UnixMilli() }

// qos2Hold is an inbound QoS 2 publish parked between PubRec and the
// matching PubRel, per [MQTT-4.3.3-2]: it is only handed to subscribers
// once the sender's PubRel confirms it.
type qos2Hold struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// queuedDelivery is an outbound publish this session could not yet admit
// because it was already at the channel's max-in-flight ceiling (§6 -m,
// scenario S5); Housekeep drains it as slots free up.
type queuedDelivery struct {
	topic   string
	payload []byte
	qos     byte
}

// session is the per-connection channel.Handler + channel.RoleHooks
// implementation on the broker side: one is created per accepted socket
// and is promoted to a named, publishable session only once its Connect
// is accepted.
type session struct {
	broker *Broker
	ch     *channel.Channel
	ids    *idPool

	clientID   string
	authed     bool
	pingMillis int64

	qos2 map[uint16]*qos2Hold
	pendingOut []queuedDelivery
}

// --- channel.Handler ---

func (s *session) ChannelOpened(c *channel.Channel) { s.ch = c }
func (s *session) ChannelAttached(c *channel.Channel) {}
func (s *session) ChannelDetached(c *channel.Channel) {}

func (s *session) ChannelClosed(c *channel.Channel, cause error) {
	if s.clientID != "" {
		s.broker.deregisterSession(s)
	}
}

func (s *session) MessageSent(c *channel.Channel, pkt message.Packet) {}

func (s *session) Connect(c *channel.Channel, pkt *message.Connect) {
	s.clientID = pkt.ClientID
	s.pingMillis = pkt.KeepAliveMillis()
	s.qos2 = make(map[uint16]*qos2Hold)

	code := s.broker.cfg.Auth.Authenticate(pkt)
	if code != message.Accepted {
		s.broker.log.Debug("mqttchan/broker: connect refused", "client", s.clientID, "code", code)
		_ = c.Send(nowMillis(), message.NewConnAck(false, code), nil)
		return
	}

	s.authed = true
	s.broker.registerSession(s)
	_ = c.Send(nowMillis(), message.NewConnAck(false, message.Accepted), nil)
}

func (s *session) ConnAck(c *channel.Channel, pkt *message.ConnAck) {}

func (s *session) Publish(c *channel.Channel, pkt *message.Publish) {
	now := nowMillis()
	switch {
	case pkt.QoS() == 0:
		s.broker.fanOutPublish(now, pkt.Topic, pkt.Payload, pkt.QoS(), pkt.Retain())
	case pkt.QoS() == 1:
		s.broker.fanOutPublish(now, pkt.Topic, pkt.Payload, pkt.QoS(), pkt.Retain())
		_ = c.Send(now, message.NewPubAck(pkt.ID()), nil)
	default: // QoS 2
		s.qos2[pkt.ID()] = &qos2Hold{topic: pkt.Topic, payload: pkt.Payload, qos: pkt.QoS(), retain: pkt.Retain()}
		_ = c.Send(now, message.NewPubRec(pkt.ID()), nil)
	}
}

func (s *session) PubAck(c *channel.Channel, pkt *message.PubAck) {}
func (s *session) PubRec(c *channel.Channel, pkt *message.PubRec) {}

func (s *session) PubRel(c *channel.Channel, pkt *message.PubRel) {
	now := nowMillis()
	if hold, ok := s.qos2[pkt.ID()]; ok {
		delete(s.qos2, pkt.ID())
		s.broker.fanOutPublish(now, hold.topic, hold.payload, hold.qos, hold.retain)
	}
	_ = c.Send(now, message.NewPubComp(pkt.ID()), nil)
}

func (s *session) PubComp(c *channel.Channel, pkt *message.PubComp) {}

func (s *session) Subscribe(c *channel.Channel, pkt *message.Subscribe) {
	now := nowMillis()
	codes := make([]byte, len(pkt.Filters))
	for i, f := range pkt.Filters {
		s.broker.topics.Subscribe(f.Filter, s.clientID, f.QoS)
		codes[i] = f.QoS
	}
	_ = c.Send(now, message.NewSubAck(pkt.ID(), codes), nil)

	for _, f := range pkt.Filters {
		retained := s.broker.retained.MatchAll(func(topic string) bool {
			return matchesFilter(f.Filter, topic)
		})
		for topic, m := range retained {
			s.deliverOnOwner(now, topic, m.payload, minQoS(m.qos, f.QoS))
		}
	}
}

func (s *session) SubAck(c *channel.Channel, pkt *message.SubAck) {}

func (s *session) Unsubscribe(c *channel.Channel, pkt *message.Unsubscribe) {
	for _, f := range pkt.Filters {
		s.broker.topics.Unsubscribe(f, s.clientID)
	}
	_ = c.Send(nowMillis(), message.NewUnsubAck(pkt.ID()), nil)
}

func (s *session) UnsubAck(c *channel.Channel, pkt *message.UnsubAck) {}

func (s *session) Disconnect(c *channel.Channel, pkt *message.Disconnect) {}

// --- channel.RoleHooks ---

func (s *session) Connected(pingIntervalMillis int64) { s.pingMillis = pingIntervalMillis }
func (s *session) Disconnected()                       {}

// KeepAlive implements the broker side of §4.6's idle policy: a 1.5x
// grace period on top of the negotiated ping interval before the
// connection is presumed dead, the same multiplier
// busy-cloud-gnet-mqtt's Manager.CheckTimeouts uses
// (time.Duration(KeepAlive) * time.Second * 3 / 2). The broker never
// originates PingReq; it only answers the client's.
func (s *session) KeepAlive(now, lastReceivedTime, lastSentTime int64) int64 {
	s.drainPendingDeliveries(now)

	if s.pingMillis <= 0 {
		return -1
	}
	deadline := lastReceivedTime + (s.pingMillis * 3 / 2)
	if now >= deadline {
		s.ch.Close(nil)
		return -1
	}
	return deadline
}

func (s *session) PingReq(c *channel.Channel, now int64, pkt *message.PingReq) {
	_ = c.Send(now, message.NewPingResp(), nil)
}

func (s *session) PingResp(c *channel.Channel, now int64, pkt *message.PingResp) {}

// deliver is the cross-goroutine-safe entry point for handing this
// session a message to deliver: callers other than the channel's owner
// goroutine (the broker's ants fan-out pool) reach it here so the actual
// work always runs on the owner via Channel.RunOnOwner, per §5.
func (s *session) deliver(now int64, topic string, payload []byte, qos byte) {
	s.ch.RunOnOwner(func() { s.deliverOnOwner(now, topic, payload, qos) })
}

// deliverOnOwner admits a publish to this session's channel for outbound
// QoS qos, subject to the broker's -m max-in-flight ceiling (S5): once the
// channel already holds that many unacknowledged ackables, the message is
// queued and Housekeep retries it as entries drain. Must only be called on
// the channel's owner goroutine.
func (s *session) deliverOnOwner(now int64, topic string, payload []byte, qos byte) {
	if qos > 0 && s.broker.cfg.MaxInFlight > 0 && s.ch.InFlightCount() >= s.broker.cfg.MaxInFlight {
		s.pendingOut = append(s.pendingOut, queuedDelivery{topic: topic, payload: payload, qos: qos})
		return
	}
	var id uint16
	if qos > 0 {
		var ok bool
		id, ok = s.ids.Acquire()
		if !ok {
			s.broker.log.Warn("mqttchan/broker: message id space exhausted", "client", s.clientID)
			return
		}
	}
	pub := message.NewPublish(topic, payload, qos, false, false, id)
	completion := message.NewCompletion()
	if err := s.ch.Send(now, pub, completion); err != nil {
		if qos > 0 {
			s.ids.Release(id)
		}
		return
	}
	if qos > 0 {
		go s.releaseIDWhenAcked(id, completion)
	}
}

func (s *session) releaseIDWhenAcked(id uint16, completion *message.Completion) {
	completion.Await(0)
	s.ids.Release(id)
}

// drainPendingDeliveries retries queued deliveries freed up by acks;
// called from Housekeep via the broker's per-tick maintenance so -m
// backpressure resolves without a dedicated timer.
func (s *session) drainPendingDeliveries(now int64) {
	for len(s.pendingOut) > 0 {
		if s.broker.cfg.MaxInFlight > 0 && s.ch.InFlightCount() >= s.broker.cfg.MaxInFlight {
			return
		}
		next := s.pendingOut[0]
		s.pendingOut = s.pendingOut[1:]
		s.deliverOnOwner(now, next.topic, next.payload, next.qos)
	}
}

func minQoS(a, b byte) byte {
	if a < b {
		return a
	}
	return b
}

// matchesFilter reports whether topic matches filter under the same
// +/# wildcard rules as topics.Index, used to replay retained messages
// against a freshly accepted subscription filter.
func matchesFilter(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")
	for i, fp := range fParts {
		if fp == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fp != "+" && fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}
