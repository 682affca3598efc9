package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"FoxChat/logger"
	"FoxChat/tools/safe"
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Conn is one WebSocket connection. Reads happen on the readLoop
// goroutine owned by the server; writes are serialized through a
// single writer goroutine consuming sendq, so no two goroutines ever
// touch the socket's write side concurrently.
type Conn struct {
	ID int64

	// UserID is 0 until a successful auth. Written and read under the
	// registry lock except on the connection's own read goroutine,
	// which set it.
	UserID int64

	// chats is the reverse index for cleanup, guarded by the registry
	// lock like every other routing structure.
	chats map[string]struct{}

	ws           *websocket.Conn
	sendq        chan []byte
	closing      chan struct{}
	closeOnce    sync.Once
	closeCode    int
	writeTimeout time.Duration

	// onDead fires once from the writer goroutine when a write fails,
	// so the server can prune the registry.
	onDead func(*Conn, error)
}

func newConn(id int64, ws *websocket.Conn, queueSize int, writeTimeout time.Duration, onDead func(*Conn, error)) *Conn {
	c := &Conn{
		ID:           id,
		chats:        make(map[string]struct{}),
		ws:           ws,
		sendq:        make(chan []byte, queueSize),
		closing:      make(chan struct{}),
		closeCode:    websocket.CloseNormalClosure,
		writeTimeout: writeTimeout,
		onDead:       onDead,
	}
	safe.Go(c.writeLoop)
	return c
}

// Send enqueues a frame without blocking. A full queue means the
// client has stopped draining; the caller treats that like a dead
// socket and prunes the connection.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.closing:
		return ErrConnClosed
	default:
	}
	select {
	case c.sendq <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close asks the writer to drain whatever is already queued, send a
// close frame with the given code, and tear the socket down. Safe to
// call from any goroutine, any number of times.
func (c *Conn) Close(code int) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.closing)
	})
}

func (c *Conn) writeLoop() {
	defer c.ws.Close()
	for {
		select {
		case frame := <-c.sendq:
			if err := c.write(frame); err != nil {
				c.dead(err)
				return
			}
		case <-c.closing:
			c.drainAndClose()
			return
		}
	}
}

// drainAndClose flushes frames queued before Close was called, so a
// rejection (for example a failed auth error) reaches the client
// before the close frame does.
func (c *Conn) drainAndClose() {
	for {
		select {
		case frame := <-c.sendq:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			deadline := time.Now().Add(c.writeTimeout)
			msg := websocket.FormatCloseMessage(c.closeCode, "")
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				logger.Debugf("conn %d: close frame not delivered: %v", c.ID, err)
			}
			return
		}
	}
}

func (c *Conn) write(frame []byte) error {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) dead(err error) {
	c.closeOnce.Do(func() { close(c.closing) })
	if c.onDead != nil {
		c.onDead(c, err)
	}
}
