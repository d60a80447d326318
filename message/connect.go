package message

const protocolName = "MQIsdp"

// protocolLevel is the MQTT 3.1 level byte (not to be confused with 3.1.1's
// level 4 under protocol name "MQTT"; this module targets 3.1 per spec).
const protocolLevel = 3

// Connect flag bits.
const (
	connectFlagUsername = 0x80
	connectFlagPassword = 0x40
	connectFlagWillRetain = 0x20
	connectFlagWillQoSMask = 0x18
	connectFlagWillQoSShift = 3
	connectFlagWill = 0x04
	connectFlagCleanSession = 0x02
)

// Connect is the CONNECT control packet.
type Connect struct {
	base
	ClientID     string
	CleanSession bool
	KeepAlive    uint16
	WillTopic    string
	WillMessage  []byte
	WillQoS      byte
	WillRetain   bool
	Username     string
	Password     []byte
	HasWill      bool
	HasUsername  bool
	HasPassword  bool
}

// KeepAliveMillis converts the negotiated keep-alive seconds field into the
// engine's millisecond ping-interval arithmetic.
func (c *Connect) KeepAliveMillis() int64 { return int64(c.KeepAlive) * 1000 }

// NewConnect encodes a CONNECT packet.
func NewConnect(clientID string, cleanSession bool, keepAliveSeconds uint16, will *Will, username string, password []byte) *Connect {
	flags := byte(0)
	if cleanSession {
		flags |= connectFlagCleanSession
	}

	remainingLen := stringByteLen(protocolName) + 1 /*level*/ + 1 /*flags*/ + 2 /*keepalive*/ + stringByteLen(clientID)
	if will != nil {
		flags |= connectFlagWill
		flags |= (will.QoS << connectFlagWillQoSShift) & connectFlagWillQoSMask
		if will.Retain {
			flags |= connectFlagWillRetain
		}
		remainingLen += stringByteLen(will.Topic) + 2 + len(will.Payload)
	}
	if username != "" {
		flags |= connectFlagUsername
		remainingLen += stringByteLen(username)
	}
	if password != nil {
		flags |= connectFlagPassword
		remainingLen += 2 + len(password)
	}

	buf, off := newFixedHeaderBuffer(TypeConnect, 0, remainingLen)
	off = putString(buf, off, protocolName)
	buf[off] = protocolLevel
	off++
	buf[off] = flags
	off++
	off = putUint16(buf, off, keepAliveSeconds)
	off = putString(buf, off, clientID)

	c := &Connect{
		base:         base{typ: TypeConnect, buf: buf},
		ClientID:     clientID,
		CleanSession: cleanSession,
		KeepAlive:    keepAliveSeconds,
		Username:     username,
		Password:     password,
		HasUsername:  username != "",
		HasPassword:  password != nil,
	}

	if will != nil {
		c.HasWill = true
		c.WillTopic = will.Topic
		c.WillMessage = will.Payload
		c.WillQoS = will.QoS
		c.WillRetain = will.Retain
		off = putString(buf, off, will.Topic)
		off = putUint16(buf, off, uint16(len(will.Payload)))
		off += copy(buf[off:], will.Payload)
	}
	if username != "" {
		off = putString(buf, off, username)
	}
	if password != nil {
		off = putUint16(buf, off, uint16(len(password)))
		off += copy(buf[off:], password)
	}

	return c
}

// Will describes an optional last-will message attached to a Connect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

func decodeConnect(buf, body []byte) (Packet, error) {
	off := 0
	protoName, off2, err := getString(body, off)
	if err != nil {
		return nil, err
	}
	off = off2
	_ = protoName

	if off+2 > len(body) {
		return nil, ErrMalformedPacket
	}
	// body[off] = protocol level
	off++
	flags := body[off]
	off++

	keepAlive, err := getUint16(body, off)
	if err != nil {
		return nil, err
	}
	off += 2

	clientID, off3, err := getString(body, off)
	if err != nil {
		return nil, err
	}
	off = off3

	c := &Connect{
		base:         base{typ: TypeConnect, buf: buf},
		ClientID:     clientID,
		CleanSession: flags&connectFlagCleanSession != 0,
		KeepAlive:    keepAlive,
	}

	if flags&connectFlagWill != 0 {
		c.HasWill = true
		c.WillQoS = (flags & connectFlagWillQoSMask) >> connectFlagWillQoSShift
		c.WillRetain = flags&connectFlagWillRetain != 0

		topic, off4, err := getString(body, off)
		if err != nil {
			return nil, err
		}
		off = off4
		c.WillTopic = topic

		msgLen, err := getUint16(body, off)
		if err != nil {
			return nil, err
		}
		off += 2
		if off+int(msgLen) > len(body) {
			return nil, ErrMalformedPacket
		}
		c.WillMessage = body[off : off+int(msgLen)]
		off += int(msgLen)
	}

	if flags&connectFlagUsername != 0 {
		c.HasUsername = true
		username, off5, err := getString(body, off)
		if err != nil {
			return nil, err
		}
		off = off5
		c.Username = username
	}

	if flags&connectFlagPassword != 0 {
		c.HasPassword = true
		pwLen, err := getUint16(body, off)
		if err != nil {
			return nil, err
		}
		off += 2
		if off+int(pwLen) > len(body) {
			return nil, ErrMalformedPacket
		}
		c.Password = body[off : off+int(pwLen)]
		off += int(pwLen)
	}

	return c, nil
}
