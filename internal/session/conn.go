package session

import (
	"time"

	"github.com/gorilla/websocket"
)

// outFrame is one queued write. Close frames carry the websocket control
// payload so the pump can deliver an explicit close before tearing down.
type outFrame struct {
	messageType int
	data        []byte
}

// conn wraps one websocket with a buffered send queue drained by a dedicated
// writer goroutine. Broadcast fan-out never blocks on a slow peer: enqueue
// either succeeds immediately or reports overflow.
type conn struct {
	sock      *websocket.Conn
	send      chan outFrame
	writeWait time.Duration
	closed    bool
}

func newConn(sock *websocket.Conn, depth int, writeWait time.Duration) *conn {
	if depth <= 0 {
		depth = 32
	}
	c := &conn{
		sock:      sock,
		send:      make(chan outFrame, depth),
		writeWait: writeWait,
	}
	go c.writePump()
	return c
}

// writePump is the connection's single writer. It exits when the send queue
// is closed by the coordinator or when a write fails; either way the socket
// ends up closed, which unblocks the read loop.
func (c *conn) writePump() {
	defer c.sock.Close()
	for frame := range c.send {
		c.sock.SetWriteDeadline(time.Now().Add(c.writeWait))
		if err := c.sock.WriteMessage(frame.messageType, frame.data); err != nil {
			return
		}
		if frame.messageType == websocket.CloseMessage {
			return
		}
	}
}

// enqueue stages a text frame without blocking. Only the coordinator
// goroutine calls it. A false return means the queue is full.
func (c *conn) enqueue(data []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- outFrame{messageType: websocket.TextMessage, data: data}:
		return true
	default:
		return false
	}
}

// shutdown closes the send queue, optionally delivering an explicit close
// frame first. Only the coordinator goroutine calls it; calling it twice is
// a no-op.
func (c *conn) shutdown(closeCode int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	if closeCode != 0 {
		payload := websocket.FormatCloseMessage(closeCode, reason)
		select {
		case c.send <- outFrame{messageType: websocket.CloseMessage, data: payload}:
		default:
			// Queue full; the pump will close the socket when the channel
			// closes below.
		}
	}
	close(c.send)
}
