package broker

import (
	"fmt"
	"strings"

	"busy-cloud/mqttchan/message"
)

// Authenticator decides the ConnAck return code for an incoming Connect,
// per the mock broker's credential policy (§6): a static whitelist loaded
// once at startup from -u, an anonymous-allow flag (-a), and an
// ignore-credentials override (-i) that accepts every client regardless of
// what it presents. Grounded on the whitelist/guest-access shape of
// RoanBrand-gobroke's auth.basicAuth, simplified to the one check the mock
// broker needs: accept or refuse a Connect.
type Authenticator struct {
	credentials map[string]string // username -> password
	allowAnon   bool
	ignoreAll   bool
}

// NewAuthenticator builds the whitelist from the -u flag's raw value.
// Entries are "user:pass", comma-separated; an empty raw string yields an
// authenticator with no registered users. allowAnon and ignoreAll mirror
// -a and -i respectively.
func NewAuthenticator(raw string, allowAnon, ignoreAll bool) (*Authenticator, error) {
	a := &Authenticator{credentials: make(map[string]string), allowAnon: allowAnon, ignoreAll: ignoreAll}
	if raw == "" {
		return a, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// The separator is fixed at ':' and the entry is split at its first
		// ':', so a username containing ':' is not representable while a
		// password may contain ':'; there is no escaping scheme.
		user, pass, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("mqttchan/broker: -u entry %q is not in user:pass form", entry)
		}
		if user == "" {
			return nil, fmt.Errorf("mqttchan/broker: -u entry %q has an empty username", entry)
		}
		a.credentials[user] = pass
	}
	return a, nil
}

// Authenticate returns the ConnAck return code a Connect earns under the
// configured policy:
//
//   - -i: every client is accepted, regardless of what it presents.
//   - credentials presented: Accepted iff they match a whitelist entry
//     exactly; BadCredentials otherwise (unknown user or wrong password).
//   - no credentials presented: Accepted iff -a was given; NotAuthorized
//     otherwise.
func (a *Authenticator) Authenticate(pkt *message.Connect) message.ConnectReturnCode {
	if a.ignoreAll {
		return message.Accepted
	}
	if !pkt.HasUsername {
		if a.allowAnon {
			return message.Accepted
		}
		return message.NotAuthorized
	}
	want, ok := a.credentials[pkt.Username]
	if !ok || want != string(pkt.Password) {
		return message.BadCredentials
	}
	return message.Accepted
}
