// Package message implements the MQTT 3.1 wire codec: the fixed header,
// the base-128 remaining-length field, and the fourteen control packet
// types, each carrying both its parsed fields and the raw encoded buffer
// it was built from (or will be sent as) so that a resend is a rewind, not
// a re-encode.
package message

import "fmt"

// Type is the MQTT control packet type carried in the high nibble of the
// fixed header byte.
type Type byte

const (
	TypeConnect     Type = 1
	TypeConnAck     Type = 2
	TypePublish     Type = 3
	TypePubAck      Type = 4
	TypePubRec      Type = 5
	TypePubRel      Type = 6
	TypePubComp     Type = 7
	TypeSubscribe   Type = 8
	TypeSubAck      Type = 9
	TypeUnsubscribe Type = 10
	TypeUnsubAck    Type = 11
	TypePingReq     Type = 12
	TypePingResp    Type = 13
	TypeDisconnect  Type = 14
)

func (t Type) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeConnAck:
		return "CONNACK"
	case TypePublish:
		return "PUBLISH"
	case TypePubAck:
		return "PUBACK"
	case TypePubRec:
		return "PUBREC"
	case TypePubRel:
		return "PUBREL"
	case TypePubComp:
		return "PUBCOMP"
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypeSubAck:
		return "SUBACK"
	case TypeUnsubscribe:
		return "UNSUBSCRIBE"
	case TypeUnsubAck:
		return "UNSUBACK"
	case TypePingReq:
		return "PINGREQ"
	case TypePingResp:
		return "PINGRESP"
	case TypeDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// ConnectReturnCode is the CONNACK return code byte.
type ConnectReturnCode byte

const (
	Accepted               ConnectReturnCode = 0
	UnacceptableProtocol   ConnectReturnCode = 1
	IdentifierRejected     ConnectReturnCode = 2
	ServerUnavailable      ConnectReturnCode = 3
	BadCredentials         ConnectReturnCode = 4
	NotAuthorized          ConnectReturnCode = 5
)

func (c ConnectReturnCode) String() string {
	switch c {
	case Accepted:
		return "ACCEPTED"
	case UnacceptableProtocol:
		return "UNACCEPTABLE_PROTOCOL_VERSION"
	case IdentifierRejected:
		return "IDENTIFIER_REJECTED"
	case ServerUnavailable:
		return "SERVER_UNAVAILABLE"
	case BadCredentials:
		return "BAD_CREDENTIALS"
	case NotAuthorized:
		return "NOT_AUTHORIZED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(c))
	}
}

// Packet is implemented by every MQTT control packet. It carries the raw,
// encoded byte buffer the packet was parsed from (or will be written as),
// so the channel can rewind and resend without re-encoding.
type Packet interface {
	Type() Type
	Dup() bool
	// SetDup sets or clears the duplicate flag in both the parsed field and
	// the raw buffer's fixed header byte, so a resend carries the bit on
	// the wire without any re-encoding work.
	SetDup(bool)
	QoS() byte
	Retain() bool
	// Ackable reports whether this packet requires a matching
	// acknowledgement before the engine may consider it delivered.
	Ackable() bool
	// Bytes returns the exact bytes to put on the wire. The slice is owned
	// by the packet and must not be retained past the packet's lifetime.
	Bytes() []byte
}

// Identifiable is implemented by packets that carry a 16-bit message id:
// Publish at QoS>=1, PubAck/PubRec/PubRel/PubComp, Subscribe/SubAck,
// Unsubscribe/UnsubAck.
type Identifiable interface {
	Packet
	ID() uint16
}

// base is embedded by every concrete packet type and implements the parts
// of Packet that are identical across types.
type base struct {
	typ    Type
	buf    []byte
	dup    bool
	qos    byte
	retain bool
}

func (b *base) Type() Type    { return b.typ }
func (b *base) Dup() bool     { return b.dup }
func (b *base) QoS() byte     { return b.qos }
func (b *base) Retain() bool  { return b.retain }
func (b *base) Bytes() []byte { return b.buf }
func (b *base) Ackable() bool { return false }

// SetDup flips bit 0x08 of the fixed header byte (buf[0]) as well as the
// parsed field. Every packet type's buffer starts with the same one-byte
// fixed header, so this is safe to implement once here.
func (b *base) SetDup(dup bool) {
	b.dup = dup
	if len(b.buf) == 0 {
		return
	}
	if dup {
		b.buf[0] |= 0x08
	} else {
		b.buf[0] &^= 0x08
	}
}

type identifiableBase struct {
	base
	id uint16
}

func (b *identifiableBase) ID() uint16 { return b.id }

// Ackable is false by default for identifiable packets: PubAck, PubRec,
// PubComp, SubAck and UnsubAck are themselves acknowledgements and do not
// require one in return. Publish (QoS>=1), Subscribe, Unsubscribe and
// PubRel override this to true.
func (b *identifiableBase) Ackable() bool { return false }
