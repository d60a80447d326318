package message

// PingReq, PingResp and Disconnect carry no variable header or payload: a
// one-byte fixed header plus a single zero remaining-length byte.

type PingReq struct{ base }
type PingResp struct{ base }
type Disconnect struct{ base }

func NewPingReq() *PingReq {
	buf, _ := newFixedHeaderBuffer(TypePingReq, 0, 0)
	return &PingReq{base{typ: TypePingReq, buf: buf}}
}

func NewPingResp() *PingResp {
	buf, _ := newFixedHeaderBuffer(TypePingResp, 0, 0)
	return &PingResp{base{typ: TypePingResp, buf: buf}}
}

func NewDisconnect() *Disconnect {
	buf, _ := newFixedHeaderBuffer(TypeDisconnect, 0, 0)
	return &Disconnect{base{typ: TypeDisconnect, buf: buf}}
}
