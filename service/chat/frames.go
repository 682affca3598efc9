package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Client→server frames. Every inbound payload is decoded into exactly
// one of these; adding a frame type means adding a case to
// DecodeClientFrame and to Server.handleFrame, both of which switch
// over the closed set below.

type ClientFrame interface{ clientFrame() }

type AuthFrame struct {
	Token string `json:"token"`
	// Chats is an optional list of chat uuids to subscribe right after
	// a successful authentication.
	Chats []string `json:"chats,omitempty"`
}

type SubscribeFrame struct {
	ChatUUID string `json:"chat_uuid"`
}

type UnsubscribeFrame struct {
	ChatUUID string `json:"chat_uuid"`
}

type PingFrame struct{}

type ChatUpdatesFrame struct{}

func (*AuthFrame) clientFrame()        {}
func (*SubscribeFrame) clientFrame()   {}
func (*UnsubscribeFrame) clientFrame() {}
func (*PingFrame) clientFrame()        {}
func (*ChatUpdatesFrame) clientFrame() {}

var (
	ErrBadJSON     = errors.New("invalid JSON")
	ErrMissingType = errors.New("message type not specified")
)

// UnknownFrameError reports a well-formed frame whose type the gateway
// does not understand. The connection stays open.
type UnknownFrameError struct {
	Type string
}

func (e *UnknownFrameError) Error() string {
	return fmt.Sprintf("unrecognized message type: %s", e.Type)
}

// DecodeClientFrame parses one inbound WebSocket payload.
func DecodeClientFrame(raw []byte) (ClientFrame, error) {
	var probe struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, ErrBadJSON
	}
	if probe.Type == nil {
		return nil, ErrMissingType
	}

	switch *probe.Type {
	case "auth":
		f := &AuthFrame{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, ErrBadJSON
		}
		return f, nil
	case "subscribe":
		f := &SubscribeFrame{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, ErrBadJSON
		}
		return f, nil
	case "unsubscribe":
		f := &UnsubscribeFrame{}
		if err := json.Unmarshal(raw, f); err != nil {
			return nil, ErrBadJSON
		}
		return f, nil
	case "ping":
		return &PingFrame{}, nil
	case "get_chat_updates":
		return &ChatUpdatesFrame{}, nil
	default:
		return nil, &UnknownFrameError{Type: *probe.Type}
	}
}

func frameName(f ClientFrame) string {
	switch f.(type) {
	case *AuthFrame:
		return "auth"
	case *SubscribeFrame:
		return "subscribe"
	case *UnsubscribeFrame:
		return "unsubscribe"
	case *PingFrame:
		return "ping"
	case *ChatUpdatesFrame:
		return "get_chat_updates"
	}
	return "unknown"
}

// ---- server→client frame builders ----

const wireTimeLayout = "2006-01-02 15:04:05"

func nowStamp() string { return time.Now().Format(wireTimeLayout) }

// ConnStats is the snapshot returned for get_chat_updates.
type ConnStats struct {
	UserID          int64    `json:"user_id"`
	ChatsSubscribed []string `json:"chats_subscribed"`
	TotalChats      int      `json:"total_chats"`
	TotalUsers      int      `json:"total_users"`
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// all builder inputs are marshal-safe structs
		panic(err)
	}
	return b
}

func buildError(msg string) []byte {
	return mustJSON(map[string]any{"type": "error", "message": msg})
}

func buildAuthSuccess(userID int64) []byte {
	return mustJSON(map[string]any{
		"type":      "auth_success",
		"user_id":   userID,
		"timestamp": nowStamp(),
	})
}

func buildSubscribeSuccess(chatUUID string) []byte {
	return mustJSON(map[string]any{"type": "subscribe_success", "chat_uuid": chatUUID})
}

func buildUnsubscribeSuccess(chatUUID string) []byte {
	return mustJSON(map[string]any{"type": "unsubscribe_success", "chat_uuid": chatUUID})
}

func buildPong() []byte {
	return mustJSON(map[string]any{"type": "pong", "timestamp": nowStamp()})
}

func buildServerPing() []byte {
	return mustJSON(map[string]any{"type": "ping"})
}

func buildChatUpdates(stats ConnStats) []byte {
	return mustJSON(map[string]any{
		"type":      "chat_updates",
		"stats":     stats,
		"timestamp": nowStamp(),
	})
}

func buildServerShutdown(msg string) []byte {
	return mustJSON(map[string]any{
		"type":      "server_shutdown",
		"message":   msg,
		"timestamp": nowStamp(),
	})
}
