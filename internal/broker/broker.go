// Package broker implements the mock broker's connection-handling logic
// (§6-§9): authentication, topic matching, retained messages, QoS 1/2
// acknowledgement flows and keep-alive policy, wired onto the channel
// engine via channel.Handler and channel.RoleHooks. It is deliberately the
// only consumer of internal/reactor that needs to know about MQTT
// semantics; the reactor itself only knows about readiness and Channel.
package broker

import (
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"

	"busy-cloud/mqttchan/internal/broker/topics"
)

// Config collects the mock broker's runtime policy, one field per CLI flag
// from §6.
type Config struct {
	MaxInFlight int // -m; 0 means unlimited
	Auth        *Authenticator
	Logger      *slog.Logger
}

// Broker owns the state shared by every client session: the subscription
// trie, retained messages, and the publish fan-out pool. One Broker serves
// every Channel the reactor hands it.
type Broker struct {
	cfg Config

	topics   *topics.Index
	retained *retainedStore
	pool     *ants.Pool

	mu       sync.Mutex
	sessions map[string]*session // keyed by clientID

	log *slog.Logger
}

// New constructs a Broker. fanoutWorkers sizes the publish fan-out pool;
// the mock broker's own CLI passes a small fixed size since its load is a
// handful of test clients, not production fan-out.
func New(cfg Config, fanoutWorkers int) (*Broker, error) {
	pool, err := ants.NewPool(fanoutWorkers, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:      cfg,
		topics:   topics.New(),
		retained: newRetainedStore(),
		pool:     pool,
		sessions: make(map[string]*session),
		log:      logger,
	}, nil
}

// Close releases the fan-out pool. It does not touch any Channel; the
// reactor owns their lifetime.
func (b *Broker) Close() { b.pool.Release() }

// NewHandler returns the channel.Handler+channel.RoleHooks pair a freshly
// accepted socket should be driven with. Each accepted connection gets its
// own session, but the session is not registered under its clientID (and
// so cannot be published to) until a successful Connect arrives.
func (b *Broker) NewHandler() *session {
	return &session{
		broker: b,
		ids:    newIDPool(),
	}
}

func (b *Broker) registerSession(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.sessions[s.clientID]; ok && prev != s {
		// [MQTT-3.1.4-2]: a second CONNECT with the same clientId closes
		// the existing connection. prev's channel may belong to a
		// different owner goroutine than the one processing this
		// CONNECT (a different reactor-driven socket, or a WebSocket
		// connection's own drive loop), so the close must hop via
		// RunOnOwner rather than call prev.ch directly.
		prev.ch.RunOnOwner(func() { prev.ch.Close(nil) })
	}
	b.sessions[s.clientID] = s
}

func (b *Broker) deregisterSession(s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.clientID] == s {
		delete(b.sessions, s.clientID)
	}
	b.topics.UnsubscribeAll(s.clientID)
}

func (b *Broker) sessionFor(clientID string) (*session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[clientID]
	return s, ok
}

// fanOutPublish delivers pkt to every current subscriber of its topic,
// each as an independent unit of work on the pool so one slow or blocked
// client cannot delay delivery to the others (the concern
// busy-cloud-gnet-mqtt's Manager handled inline and this mock broker
// instead hands to a worker pool, per the examples' ants-based fan-out
// idiom).
func (b *Broker) fanOutPublish(now int64, topic string, payload []byte, qos byte, retain bool) {
	if retain {
		b.retained.Update(topic, payload, qos)
	}
	subs := b.topics.Match(topic)
	for _, sub := range subs {
		sub := sub
		err := b.pool.Submit(func() {
			s, ok := b.sessionFor(sub.ClientID)
			if !ok {
				return
			}
			s.deliver(now, topic, payload, minQoS(qos, sub.QoS))
		})
		if err != nil {
			b.log.Warn("mqttchan/broker: fan-out submit failed", "client", sub.ClientID, "err", err)
		}
	}
}
