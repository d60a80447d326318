// Package wsconn adapts a gorilla/websocket connection to channel.Conn so
// the same channel.Channel and broker-side channel.Handler serve both the raw TCP
// listener and a WebSocket one, per RoanBrand-gobroke's
// internal/websocket.wsConn — which wraps *websocket.Conn as a plain
// io.ReadWriteCloser. gorilla's connection is fundamentally blocking, so
// this adapter runs one reader goroutine per connection decoding whole WS
// frames into a byte queue, and Read drains that queue non-blockingly
// (ErrWouldBlock when empty); Write calls WriteMessage synchronously,
// since gorilla offers no non-blocking write and every frame this engine
// writes is already a complete, bounded MQTT packet.
package wsconn

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"

	"busy-cloud/mqttchan/channel"
)

// Subprotocol is the WebSocket subprotocol MQTT clients negotiate,
// [MQTT-6.0.0-3].
const Subprotocol = "mqtt"

// Conn adapts *websocket.Conn to channel.Conn.
type Conn struct {
	ws *websocket.Conn

	mu      sync.Mutex
	pending []byte
	closed  bool
	readErr error

	frames chan []byte
}

// New wraps an already-upgraded *websocket.Conn and starts its background
// reader goroutine.
func New(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, frames: make(chan []byte, 64)}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		mt, r, err := c.ws.NextReader()
		if err != nil {
			c.setReadErr(err)
			return
		}
		if mt != websocket.BinaryMessage {
			c.setReadErr(io.ErrUnexpectedEOF)
			return
		}

		// Frames are small, transient MQTT packets; pool the copy buffer
		// rather than letting io.ReadAll grow a fresh slice per frame.
		bb := bytebufferpool.Get()
		_, err = io.Copy(bb, r)
		if err != nil {
			bytebufferpool.Put(bb)
			c.setReadErr(err)
			return
		}
		if bb.Len() > 0 {
			data := append([]byte(nil), bb.B...)
			c.frames <- data
		}
		bytebufferpool.Put(bb)
	}
}

func (c *Conn) setReadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

// Read implements channel.Conn: it never blocks, returning ErrWouldBlock
// once the currently buffered frames are exhausted.
func (c *Conn) Read(buf []byte) (int, error) {
	c.mu.Lock()
	if len(c.pending) > 0 {
		n := copy(buf, c.pending)
		c.pending = c.pending[n:]
		c.mu.Unlock()
		return n, nil
	}
	err := c.readErr
	c.mu.Unlock()

	select {
	case frame, ok := <-c.frames:
		if !ok {
			if err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		n := copy(buf, frame)
		if n < len(frame) {
			c.mu.Lock()
			c.pending = frame[n:]
			c.mu.Unlock()
		}
		return n, nil
	default:
		return 0, channel.ErrWouldBlock
	}
}

// Write sends buf as a single binary WebSocket frame.
func (c *Conn) Write(buf []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close()
}
