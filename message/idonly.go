package message

// The PubAck, PubRec, PubComp and UnsubAck packets share an identical wire
// shape: a fixed header with no meaningful flags, remaining length 2, and a
// two-byte message id as the entire variable header. PubRel has the same
// shape but MUST set the reserved flags nibble to 0010 per MQTT 3.1.

type PubAck struct{ identifiableBase }
type PubRec struct{ identifiableBase }
type PubRel struct{ identifiableBase }

// Ackable: PubRel always requires a PubComp in return.
func (p *PubRel) Ackable() bool { return true }
type PubComp struct{ identifiableBase }
type UnsubAck struct{ identifiableBase }

func encodeIDOnly(typ Type, flags byte, id uint16) []byte {
	buf, off := newFixedHeaderBuffer(typ, flags, 2)
	putUint16(buf, off, id)
	return buf
}

func NewPubAck(id uint16) *PubAck {
	return &PubAck{identifiableBase{base{typ: TypePubAck, buf: encodeIDOnly(TypePubAck, 0, id)}, id}}
}

func NewPubRec(id uint16) *PubRec {
	return &PubRec{identifiableBase{base{typ: TypePubRec, buf: encodeIDOnly(TypePubRec, 0, id)}, id}}
}

func NewPubRel(id uint16) *PubRel {
	return &PubRel{identifiableBase{base{typ: TypePubRel, buf: encodeIDOnly(TypePubRel, 0x02, id)}, id}}
}

func NewPubComp(id uint16) *PubComp {
	return &PubComp{identifiableBase{base{typ: TypePubComp, buf: encodeIDOnly(TypePubComp, 0, id)}, id}}
}

func NewUnsubAck(id uint16) *UnsubAck {
	return &UnsubAck{identifiableBase{base{typ: TypeUnsubAck, buf: encodeIDOnly(TypeUnsubAck, 0, id)}, id}}
}

func newPubAck(buf []byte, id uint16) Packet   { return &PubAck{identifiableBase{base{typ: TypePubAck, buf: buf}, id}} }
func newPubRec(buf []byte, id uint16) Packet   { return &PubRec{identifiableBase{base{typ: TypePubRec, buf: buf}, id}} }
func newPubRel(buf []byte, id uint16) Packet   { return &PubRel{identifiableBase{base{typ: TypePubRel, buf: buf}, id}} }
func newPubComp(buf []byte, id uint16) Packet  { return &PubComp{identifiableBase{base{typ: TypePubComp, buf: buf}, id}} }
func newUnsubAck(buf []byte, id uint16) Packet { return &UnsubAck{identifiableBase{base{typ: TypeUnsubAck, buf: buf}, id}} }
