package channel

import "busy-cloud/mqttchan/message"

// resendLookaheadMillis batches resends that fall due within the next
// second into the same Housekeep call, rather than waking up once per
// in-flight packet.
const resendLookaheadMillis = 1000

// Housekeep runs timer-driven maintenance: keep-alive (delegated to the
// role) and QoS 1/2 resend (§4.6). It returns the deadline (as an absolute
// time in the same units as now) at which Housekeep next needs to run, -1
// if the channel is closed, or the role's non-positive KeepAlive value if
// nothing is currently scheduled.
func (c *Channel) Housekeep(now int64) int64 {
	if !c.IsOpen() {
		return -1
	}

	deadline := c.role.KeepAlive(now, c.lastReceivedTime, c.lastSentTime)
	if !c.IsOpen() {
		return -1
	}

	// resendIntervalMillis == 0 disables resend entirely (§4.6): leave
	// in-flight packets parked with no next-send-time and no resend
	// deadline rather than treating their zero-value next-send-time as
	// perpetually overdue.
	if c.resendIntervalMillis > 0 {
		c.resendStaging = c.resendStaging[:0]
		for _, p := range c.inFlight {
			if p.nextSendTime <= now+resendLookaheadMillis {
				c.resendStaging = append(c.resendStaging, p)
			}
		}
		for _, p := range c.resendStaging {
			c.scheduleResend(now, p)
		}
		c.resendStaging = c.resendStaging[:0]
		if !c.IsOpen() {
			return -1
		}
	}

	c.drainWrites(now)
	if !c.IsOpen() {
		return -1
	}

	if c.resendIntervalMillis > 0 {
		// Recompute the resend deadline last: a lookahead-window resend
		// just drained above (against a fake or otherwise immediately-
		// writable socket) re-inserts itself into inFlight with a fresh
		// next-send-time, so the map only reflects final state once
		// drainWrites has run.
		for _, p := range c.inFlight {
			if deadline <= 0 || p.nextSendTime < deadline {
				deadline = p.nextSendTime
			}
		}
	}
	return deadline
}

// scheduleResend retransmits an overdue in-flight packet: it is removed
// from the in-flight map and re-submitted through the ordinary send path,
// which re-inserts it (with a fresh next-send-time) once it fully drains
// again. Its duplicate flag is set on the wire; OriginalSendTime is left
// untouched, since onSendComplete only stamps it for non-duplicate
// sends, so latency stats measure from the first attempt, not the retry.
func (c *Channel) scheduleResend(now int64, p *pending) {
	if id, ok := p.pkt.(message.Identifiable); ok {
		delete(c.inFlight, id.ID())
	}
	p.pkt.SetDup(true)
	p.sentOffset = 0
	c.writesPending = append(c.writesPending, p)
}
