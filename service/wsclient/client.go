// Package wsclient keeps one logical gateway connection alive across
// network failures: reconnect with capped exponential backoff,
// auth-on-open, heartbeat, and typed dispatch to application handlers.
package wsclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"FoxChat/logger"
	"FoxChat/tools/safe"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// ErrRetriesExhausted is the terminal condition: the manager has given
// up and will not reconnect without external intervention.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

// Handler receives one decoded frame. Handlers run on the read
// goroutine; a panic in one handler is logged and does not reach its
// siblings.
type Handler func(msg map[string]any)

// Wildcard subscribes a handler to every frame type.
const Wildcard = "*"

type Options struct {
	URL   string
	Token string

	BaseDelay         time.Duration // first reconnect delay (default 1s)
	MaxDelay          time.Duration // backoff cap (default 30s)
	MaxAttempts       int           // consecutive failures before giving up (default 10)
	HeartbeatInterval time.Duration // ping cadence while connected (default 30s)
	ConnectTimeout    time.Duration // handshake deadline (default 10s)

	// OnTerminal fires exactly once when retries are exhausted.
	OnTerminal func(err error)

	// OnStateChange is optional and fires after every transition.
	OnStateChange func(s State)
}

func (o *Options) applyDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
}

// Client is the connection manager. All exported methods are safe for
// concurrent use.
type Client struct {
	opts Options

	mu           sync.Mutex
	state        State
	ws           *websocket.Conn
	writeMu      sync.Mutex
	handlers     map[string][]Handler
	attempt      int
	backoffTimer *time.Timer
	manualClose  bool
	userID       int64

	terminalOnce sync.Once
}

func New(opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		opts:     opts,
		state:    StateDisconnected,
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for a frame type, or for every frame with
// Wildcard. Multiple handlers per type all run, registration order.
func (c *Client) On(frameType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[frameType] = append(c.handlers[frameType], h)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the id confirmed by auth_success, 0 before that.
func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Connect starts the connection. Idempotent: a second call while a
// connect or reconnect is in flight logs and returns.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnecting, StateConnected, StateAuthenticated, StateReconnecting:
		logger.Debugf("wsclient: connect ignored, state is %s", c.state)
		return
	case StateTerminated:
		logger.Warnf("wsclient: connect ignored, retries exhausted")
		return
	}
	c.manualClose = false
	c.setStateLocked(StateConnecting)
	safe.Go(c.dial)
}

// Disconnect closes cleanly (code 1000) and suppresses all further
// reconnection, including a pending backoff timer.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	if c.backoffTimer != nil {
		c.backoffTimer.Stop()
		c.backoffTimer = nil
	}
	ws := c.ws
	c.ws = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		c.writeMu.Unlock()
		_ = ws.Close()
	}
}

// Send marshals and writes one frame. Fails when not connected.
func (c *Client) Send(frame map[string]any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) dial() {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.ConnectTimeout}
	ws, _, err := dialer.Dial(c.opts.URL, nil)
	if err != nil {
		logger.Warnf("wsclient: dial %s failed: %v", c.opts.URL, err)
		c.connectionFailed()
		return
	}

	c.mu.Lock()
	if c.manualClose {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.attempt = 0
	session := make(chan struct{})
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	// auth rides on the open event, nothing waits for a trigger
	if err := c.Send(map[string]any{"type": "auth", "token": c.opts.Token}); err != nil {
		logger.Warnf("wsclient: auth frame not sent: %v", err)
	}

	safe.Go(func() { c.heartbeat(session) })
	safe.Go(func() { c.readLoop(ws, session) })
}

func (c *Client) readLoop(ws *websocket.Conn, session chan struct{}) {
	defer close(session)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.socketDied(ws, err)
			return
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warnf("wsclient: discarding non-JSON frame: %v", err)
		return
	}
	frameType, _ := msg["type"].(string)

	if frameType == "auth_success" {
		c.mu.Lock()
		if id, ok := msg["user_id"].(float64); ok {
			c.userID = int64(id)
		}
		c.setStateLocked(StateAuthenticated)
		c.mu.Unlock()
	}

	c.mu.Lock()
	handlers := append(append([]Handler(nil), c.handlers[frameType]...), c.handlers[Wildcard]...)
	c.mu.Unlock()

	for i, h := range handlers {
		h := h
		safe.Call(fmt.Sprintf("wsclient handler %s[%d]", frameType, i), func() { h(msg) })
	}
}

func (c *Client) heartbeat(session chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-session:
			return
		case <-ticker.C:
			// pong receipt is informational only
			if err := c.Send(map[string]any{"type": "ping"}); err != nil {
				logger.Debugf("wsclient: heartbeat not sent: %v", err)
			}
		}
	}
}

// socketDied handles any close of the transport: manual closes stay
// down, everything else enters the backoff path.
func (c *Client) socketDied(ws *websocket.Conn, err error) {
	_ = ws.Close()

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.userID = 0
	}
	if c.manualClose {
		c.mu.Unlock()
		return
	}
	logger.Warnf("wsclient: connection lost: %v", err)
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

// connectionFailed handles a dial/handshake failure, the same path as
// an abnormal close.
func (c *Client) connectionFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manualClose {
		c.setStateLocked(StateDisconnected)
		return
	}
	c.scheduleReconnectLocked()
}

func (c *Client) scheduleReconnectLocked() {
	c.attempt++
	if c.attempt > c.opts.MaxAttempts {
		c.setStateLocked(StateTerminated)
		c.terminalOnce.Do(func() {
			logger.Errorf("wsclient: giving up after %d attempts", c.opts.MaxAttempts)
			if c.opts.OnTerminal != nil {
				err := ErrRetriesExhausted
				safe.Go(func() { c.opts.OnTerminal(err) })
			}
		})
		return
	}

	delay := c.backoffDelay(c.attempt)
	logger.Infof("wsclient: reconnecting in %s (attempt %d/%d)", delay, c.attempt, c.opts.MaxAttempts)
	c.setStateLocked(StateReconnecting)
	c.backoffTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.manualClose || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()
		c.dial()
	})
}

// backoffDelay is min(base * 2^(attempt-1), max).
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.MaxDelay {
			return c.opts.MaxDelay
		}
	}
	if delay > c.opts.MaxDelay {
		return c.opts.MaxDelay
	}
	return delay
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.opts.OnStateChange != nil {
		cb := c.opts.OnStateChange
		safe.Go(func() { cb(s) })
	}
}
