package channel

import (
	"errors"
	"io"
	"log/slog"

	"busy-cloud/mqttchan/message"
)

// Read drains as many bytes as the socket currently offers, advancing the
// H1 -> H2 -> BODY framing state machine (§4.3) and dispatching each
// complete packet as soon as it is assembled. It returns once the socket
// reports ErrWouldBlock, read is paused, or the channel closes. The
// returned bool reports whether the channel is still open; callers
// (ordinarily the reactor) should stop driving a channel once it returns
// false.
func (c *Channel) Read(now int64) bool {
	if !c.IsOpen() {
		return false
	}
	for {
		if c.readPaused {
			return true
		}

		var dst []byte
		switch c.state {
		case stateH1:
			dst = c.header1[c.header1n:]
		case stateH2:
			dst = c.header2[c.header2n : c.header2n+1]
		case stateBody:
			dst = c.body[c.bodyn:]
		}

		n, err := c.conn.Read(dst)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return true
			}
			if errors.Is(err, io.EOF) {
				c.Close(nil)
				return false
			}
			c.Close(err)
			return false
		}
		if n == 0 {
			c.Close(nil)
			return false
		}
		c.lastReceivedTime = now

		switch c.state {
		case stateH1:
			c.header1n += n
			if c.header1n < 2 {
				continue
			}
			switch {
			case c.header1[1] == 0:
				if !c.dispatchRaw(now, append([]byte(nil), c.header1[:2]...)) {
					return false
				}
				c.resetFraming()
			case c.header1[1]&0x80 == 0:
				c.beginBody(now, 2, int(c.header1[1]))
				if c.bodyComplete() && !c.dispatchBody(now) {
					return false
				}
			default:
				c.state = stateH2
			}

		case stateH2:
			c.header2n++
			last := c.header2[c.header2n-1]
			if last&0x80 != 0 {
				if c.header2n >= 3 {
					c.Close(message.ErrInvalidRemainingLength)
					return false
				}
				continue
			}
			length := decodeLenFromParts(c.header1[1], c.header2[:c.header2n])
			c.beginBody(now, 2+c.header2n, length)
			if c.bodyComplete() && !c.dispatchBody(now) {
				return false
			}

		case stateBody:
			c.bodyn += n
			if c.bodyComplete() && !c.dispatchBody(now) {
				return false
			}
		}
	}
}

func (c *Channel) bodyComplete() bool { return c.state == stateBody && c.bodyn == len(c.body) }

// beginBody transitions into BODY framing, pre-sizing a buffer that already
// holds the fixed header and remaining-length bytes so that message.Decode
// can parse it directly once full, and so the assembled buffer can be
// reused verbatim as a packet's Bytes() (no re-encode on resend).
func (c *Channel) beginBody(now int64, headerSize, remainingLen int) {
	c.body = make([]byte, headerSize+remainingLen)
	c.body[0] = c.header1[0]
	c.body[1] = c.header1[1]
	copy(c.body[2:headerSize], c.header2[:headerSize-2])
	c.bodyn = headerSize
	c.state = stateBody
}

func (c *Channel) dispatchBody(now int64) bool {
	buf := c.body
	ok := c.dispatchRaw(now, buf)
	c.resetFraming()
	return ok
}

func (c *Channel) resetFraming() {
	c.state = stateH1
	c.header1n = 0
	c.header2n = 0
	c.body = nil
	c.bodyn = 0
}

func decodeLenFromParts(first byte, rest []byte) int {
	value := int(first & 0x7f)
	multiplier := 0x80
	for _, b := range rest {
		value += int(b&0x7f) * multiplier
		multiplier *= 0x80
	}
	return value
}

// dispatchRaw decodes one complete packet's raw bytes and routes it to the
// appropriate handler/role hook and internal bookkeeping. A decode failure
// is logged and does not close the channel (§7): only I/O failures do.
// It returns false if handling the packet closed the channel (e.g. a
// protocol violation the role hooks treat as fatal).
func (c *Channel) dispatchRaw(now int64, buf []byte) bool {
	pkt, err := message.Decode(buf)
	if err != nil {
		slog.Debug("mqttchan: discarding malformed packet", "remote", c.remoteAddr, "err", err)
		return true
	}
	return c.dispatch(now, pkt)
}
