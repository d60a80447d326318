package broker

// idPool hands out message ids 1..65535 (0 is reserved, [MQTT-2.3.1-4])
// for the Publish/Subscribe/Unsubscribe packets the broker originates
// towards a client, recycled once the corresponding ack frees them.
type idPool struct {
	free chan uint16
}

func newIDPool() *idPool {
	p := &idPool{free: make(chan uint16, 65535)}
	for i := 1; i <= 65535; i++ {
		p.free <- uint16(i)
	}
	return p
}

// Acquire returns the next free id, or false if every id is currently
// assigned (65535 simultaneous in-flight packets to one client).
func (p *idPool) Acquire() (uint16, bool) {
	select {
	case id := <-p.free:
		return id, true
	default:
		return 0, false
	}
}

// Release returns id to the pool. Safe to call for an id not currently
// acquired; it is simply placed back (at worst briefly double-issued,
// which the in-flight map's own bookkeeping would already have resolved).
func (p *idPool) Release(id uint16) {
	select {
	case p.free <- id:
	default:
	}
}
