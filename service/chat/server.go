package chat

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"FoxChat/config"
	"FoxChat/logger"
	"FoxChat/tools/ids"
	"FoxChat/tools/safe"
	"FoxChat/tools/security"
)

// Membership answers whether a user may subscribe to a chat. The
// Postgres implementation lives in service/storage; an error denies.
type Membership interface {
	IsParticipant(ctx context.Context, userID int64, chatUUID string) (bool, error)
}

// Server is the gateway: it owns the registry and turns client frames
// and bus events into deliveries. One readLoop goroutine per
// connection feeds handleFrame; the bus consumer goroutine feeds
// Dispatch.
type Server struct {
	registry   *Registry
	observer   Observer
	membership Membership
	jwtOpts    security.Options
	limits     config.LimitsConfig
}

func NewServer(jwtOpts security.Options, limits config.LimitsConfig, membership Membership, obs Observer) *Server {
	if obs == nil {
		obs = NopObserver{}
	}
	return &Server{
		registry:   NewRegistry(),
		observer:   obs,
		membership: membership,
		jwtOpts:    jwtOpts,
		limits:     limits,
	}
}

func (s *Server) Registry() *Registry { return s.registry }

// HandleSocket owns an accepted WebSocket for its whole life: register,
// read frames until the socket dies, then unwind. Runs on the caller's
// goroutine (one per connection).
func (s *Server) HandleSocket(ws *websocket.Conn) {
	c := newConn(ids.Generate(), ws, s.limits.SendQueueSize, s.limits.WriteTimeout, s.pruneDead)
	s.registry.Register(c)
	s.observer.ConnOpened()
	logger.Infof("conn %d: opened from %s", c.ID, ws.RemoteAddr())

	defer s.prune(c)
	s.readLoop(c)
}

func (s *Server) readLoop(c *Conn) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugf("conn %d: read error: %v", c.ID, err)
			}
			return
		}
		if !s.handleFrame(c, raw) {
			return
		}
	}
}

// handleFrame processes one inbound frame. Returns false only when the
// frame terminates the connection (the failed-auth case).
func (s *Server) handleFrame(c *Conn, raw []byte) bool {
	frame, err := DecodeClientFrame(raw)
	if err != nil {
		// malformed input is recoverable, the connection stays open
		s.observer.FrameReceived("invalid")
		s.trySend(c, buildError(err.Error()))
		return true
	}
	s.observer.FrameReceived(frameName(frame))

	switch f := frame.(type) {
	case *AuthFrame:
		return s.handleAuth(c, f)
	case *SubscribeFrame:
		s.handleSubscribe(c, f.ChatUUID)
	case *UnsubscribeFrame:
		s.handleUnsubscribe(c, f.ChatUUID)
	case *PingFrame:
		s.trySend(c, buildPong())
	case *ChatUpdatesFrame:
		s.handleChatUpdates(c)
	}
	return true
}

// handleAuth is the only handler that can terminate the connection: a
// bad token gets an error frame followed by a forced close.
func (s *Server) handleAuth(c *Conn, f *AuthFrame) bool {
	identity, err := security.Validate(s.jwtOpts, f.Token)
	if err != nil {
		logger.Warnf("conn %d: auth failed: %v", c.ID, err)
		if sendErr := c.Send(buildError("authentication failed")); sendErr != nil {
			logger.Debugf("conn %d: auth error frame not queued: %v", c.ID, sendErr)
		}
		c.Close(websocket.ClosePolicyViolation)
		return false
	}

	s.registry.Authenticate(c, identity.ID)
	s.observer.ConnAuthenticated(identity.ID)
	logger.Infof("conn %d: authenticated as user %d", c.ID, identity.ID)

	for _, chatUUID := range f.Chats {
		s.subscribeChecked(c, chatUUID)
	}
	s.trySend(c, buildAuthSuccess(identity.ID))
	return true
}

func (s *Server) handleSubscribe(c *Conn, chatUUID string) {
	if c.UserID == 0 {
		s.trySend(c, buildError("authentication required"))
		return
	}
	if chatUUID == "" {
		s.trySend(c, buildError("chat_uuid is required"))
		return
	}
	if s.subscribeChecked(c, chatUUID) {
		s.trySend(c, buildSubscribeSuccess(chatUUID))
	}
}

// subscribeChecked runs the membership check and subscribes on
// success. A check error denies; a missing backend allows.
func (s *Server) subscribeChecked(c *Conn, chatUUID string) bool {
	if s.membership != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		ok, err := s.membership.IsParticipant(ctx, c.UserID, chatUUID)
		cancel()
		if err != nil {
			logger.Errorf("conn %d: membership check for chat %s: %v", c.ID, chatUUID, err)
			s.trySend(c, buildError("subscription denied"))
			return false
		}
		if !ok {
			logger.Warnf("conn %d: user %d is not a participant of chat %s", c.ID, c.UserID, chatUUID)
			s.trySend(c, buildError("not a participant of this chat"))
			return false
		}
	}
	s.registry.Subscribe(c, chatUUID)
	logger.Debugf("conn %d: user %d subscribed to chat %s", c.ID, c.UserID, chatUUID)
	return true
}

func (s *Server) handleUnsubscribe(c *Conn, chatUUID string) {
	if c.UserID == 0 {
		s.trySend(c, buildError("authentication required"))
		return
	}
	s.registry.Unsubscribe(c, chatUUID)
	s.trySend(c, buildUnsubscribeSuccess(chatUUID))
}

func (s *Server) handleChatUpdates(c *Conn) {
	if c.UserID == 0 {
		s.trySend(c, buildError("authentication required"))
		return
	}
	s.trySend(c, buildChatUpdates(s.registry.Stats(c)))
}

// Consume validates and dispatches one raw bus payload. Invalid events
// are dropped here and never reach a delivery function.
func (s *Server) Consume(raw []byte) {
	ev, err := DecodeBusEvent(raw)
	if err != nil {
		eventType, reason := "unknown", "invalid"
		if e, ok := err.(*EventValidationError); ok {
			reason = e.Field
			if e.EventType != "?" {
				eventType = e.EventType
			}
		}
		s.observer.EventDropped(eventType, reason)
		logger.Warnf("bus event dropped: %v", err)
		return
	}
	s.Dispatch(ev)
}

// prune removes a connection from every index in one step and closes
// it. Safe to call repeatedly; the registry gates the side effects so
// cleanup runs exactly once per connection.
func (s *Server) prune(c *Conn) {
	if !s.registry.Unregister(c) {
		return
	}
	c.Close(websocket.CloseNormalClosure)
	s.observer.ConnClosed()
	logger.Infof("conn %d: closed", c.ID)
}

// pruneDead is the writer goroutine's failure callback.
func (s *Server) pruneDead(c *Conn, err error) {
	logger.Debugf("conn %d: write failed: %v", c.ID, err)
	s.prune(c)
}

// StartPingLoop pings every connection on the configured interval so
// half-dead sockets are discovered between messages. Returns when ctx
// is done.
func (s *Server) StartPingLoop(ctx context.Context) {
	safe.Go(func() {
		ticker := time.NewTicker(s.limits.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, c := range s.registry.AllConns() {
					s.trySend(c, buildServerPing())
				}
			}
		}
	})
}

// Shutdown tells every client the gateway is going away, then closes
// all connections.
func (s *Server) Shutdown(msg string) {
	conns := s.registry.AllConns()
	logger.Infof("shutting down, notifying %d connections", len(conns))
	frame := buildServerShutdown(msg)
	for _, c := range conns {
		if err := c.Send(frame); err != nil {
			logger.Debugf("conn %d: shutdown frame not queued: %v", c.ID, err)
		}
		c.Close(websocket.CloseGoingAway)
	}
	for _, c := range conns {
		s.prune(c)
	}
}
