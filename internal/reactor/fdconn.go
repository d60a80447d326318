// Package reactor drives a set of channel.Channel values from a single
// epoll instance: one goroutine owns the epoll_wait loop, dispatching
// readiness to Read/Write/Housekeep exactly as §5's single-selector-thread
// model requires. It is IPv4-only — a deliberate simplification documented
// in the design ledger rather than an oversight.
package reactor

import (
	"io"

	"golang.org/x/sys/unix"

	"busy-cloud/mqttchan/channel"
)

// fdConn adapts a raw, non-blocking file descriptor to channel.Conn.
type fdConn struct {
	fd int
}

func (c *fdConn) Read(buf []byte) (int, error) {
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, channel.ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *fdConn) Write(buf []byte) (int, error) {
	n, err := unix.Write(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, channel.ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (c *fdConn) Close() error { return unix.Close(c.fd) }
