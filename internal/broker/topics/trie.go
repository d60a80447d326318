// Package topics implements the subscription trie the mock broker matches
// published topics against, including the `+` and `#` wildcards.
package topics

import "strings"

// Index is a prefix tree of topic filters, each leaf carrying the set of
// client ids subscribed at that filter and their granted QoS.
type Index struct {
	root *leaf
}

type leaf struct {
	key     string
	parent  *leaf
	leaves  map[string]*leaf
	clients map[string]byte
}

func New() *Index {
	return &Index{root: newLeaf("", nil)}
}

func newLeaf(key string, parent *leaf) *leaf {
	return &leaf{key: key, parent: parent, leaves: make(map[string]*leaf), clients: make(map[string]byte)}
}

// Subscribe records clientID's subscription to filter at the given QoS,
// replacing any previous grant for the same (filter, clientID) pair.
func (x *Index) Subscribe(filter, clientID string, qos byte) {
	n := x.root
	for _, part := range strings.Split(filter, "/") {
		child, ok := n.leaves[part]
		if !ok {
			child = newLeaf(part, n)
			n.leaves[part] = child
		}
		n = child
	}
	n.clients[clientID] = qos
}

// Unsubscribe removes clientID's subscription to filter, pruning any leaf
// left with no clients and no children.
func (x *Index) Unsubscribe(filter, clientID string) {
	parts := strings.Split(filter, "/")
	n := x.root
	path := make([]*leaf, 0, len(parts)+1)
	path = append(path, n)
	for _, part := range parts {
		child, ok := n.leaves[part]
		if !ok {
			return
		}
		path = append(path, child)
		n = child
	}
	delete(n.clients, clientID)
	for i := len(path) - 1; i > 0; i-- {
		l := path[i]
		if len(l.clients) > 0 || len(l.leaves) > 0 {
			break
		}
		delete(l.parent.leaves, l.key)
	}
}

// UnsubscribeAll removes every subscription held by clientID, e.g. on
// disconnect.
func (x *Index) UnsubscribeAll(clientID string) {
	x.root.removeClientRecursive(clientID)
}

func (l *leaf) removeClientRecursive(clientID string) bool {
	delete(l.clients, clientID)
	for key, child := range l.leaves {
		if child.removeClientRecursive(clientID) {
			delete(l.leaves, key)
		}
	}
	return len(l.clients) == 0 && len(l.leaves) == 0 && l.parent != nil
}

// Subscriber is one matched client and the QoS granted by its
// subscription. Match does not see the message's own QoS; the caller
// delivers at the minimum of the two, per [MQTT-3.8.4-8]-style downgrade
// semantics.
type Subscriber struct {
	ClientID string
	QoS      byte
}

// Match returns every subscriber whose filter matches topic, honoring `+`
// (single level) and `#` (multi-level, and its own trailing-level leaf for
// "a/#" matching "a" itself).
func (x *Index) Match(topic string) []Subscriber {
	parts := strings.Split(topic, "/")
	return x.root.scan(parts, 0, nil)
}

func (l *leaf) scan(parts []string, depth int, out []Subscriber) []Subscriber {
	if depth >= len(parts) {
		return out
	}
	last := depth == len(parts)-1
	for _, particle := range [3]string{parts[depth], "+", "#"} {
		child, ok := l.leaves[particle]
		if !ok {
			continue
		}
		if particle == "#" {
			out = appendClients(out, child)
			continue
		}
		if last {
			out = appendClients(out, child)
			if tail, ok := child.leaves["#"]; ok {
				out = appendClients(out, tail)
			}
		}
		out = child.scan(parts, depth+1, out)
	}
	return out
}

func appendClients(out []Subscriber, l *leaf) []Subscriber {
	for client, qos := range l.clients {
		out = append(out, Subscriber{ClientID: client, QoS: qos})
	}
	return out
}
