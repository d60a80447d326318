package message

// Publish is the PUBLISH control packet. It is Ackable only when QoS >= 1.
// It always satisfies Identifiable, but at QoS 0 no message id is put on
// the wire and a decoded packet's ID() is 0.
type Publish struct {
	identifiableBase
	Topic   string
	Payload []byte
}

func (p *Publish) Ackable() bool { return p.qos >= 1 }

// NewPublish encodes a PUBLISH packet. id is ignored (and must be 0) for
// QoS 0 publishes.
func NewPublish(topic string, payload []byte, qos byte, retain, dup bool, id uint16) *Publish {
	flags := byte(0)
	if dup {
		flags |= 0x08
	}
	flags |= (qos & 0x03) << 1
	if retain {
		flags |= 0x01
	}

	remainingLen := stringByteLen(topic) + len(payload)
	if qos > 0 {
		remainingLen += 2
	}

	buf, off := newFixedHeaderBuffer(TypePublish, flags, remainingLen)
	off = putString(buf, off, topic)
	if qos > 0 {
		off = putUint16(buf, off, id)
	}
	copy(buf[off:], payload)

	return &Publish{
		identifiableBase: identifiableBase{
			base: base{typ: TypePublish, buf: buf, dup: dup, qos: qos, retain: retain},
			id:   id,
		},
		Topic:   topic,
		Payload: payload,
	}
}

func decodePublish(buf []byte, flags byte, body []byte) (Packet, error) {
	dup := flags&0x08 != 0
	qos := (flags >> 1) & 0x03
	retain := flags&0x01 != 0

	topic, off, err := getString(body, 0)
	if err != nil {
		return nil, err
	}

	var id uint16
	if qos > 0 {
		id, err = getUint16(body, off)
		if err != nil {
			return nil, err
		}
		off += 2
	}

	payload := body[off:]

	return &Publish{
		identifiableBase: identifiableBase{
			base: base{typ: TypePublish, buf: buf, dup: dup, qos: qos, retain: retain},
			id:   id,
		},
		Topic:   topic,
		Payload: payload,
	}, nil
}
