package chat

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Bus events are the single cross-process input of the gateway. Every
// payload dequeued from the bus is structurally validated here before
// any delivery function sees it; an invalid event is dropped by the
// caller and never reaches a send path.

// Author distinguishes a human-authored message from an
// assistant/system one. On the wire it is the message's `user_id`
// field: an integer for a human, an explicit null for the assistant.
// The key must be present either way.
type Author struct {
	id    int64
	human bool
}

func HumanAuthor(userID int64) Author { return Author{id: userID, human: true} }
func AssistantAuthor() Author         { return Author{} }

// Human returns the author's user id and true for a human author.
func (a Author) Human() (int64, bool) { return a.id, a.human }

func (a Author) IsAssistant() bool { return !a.human }

func (a Author) MarshalJSON() ([]byte, error) {
	if a.human {
		return json.Marshal(a.id)
	}
	return []byte("null"), nil
}

func (a *Author) UnmarshalJSON(raw []byte) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		*a = AssistantAuthor()
		return nil
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return err
	}
	*a = HumanAuthor(id)
	return nil
}

// MessagePayload is the persisted message row as the producer
// serialized it.
type MessagePayload struct {
	UUID      string `json:"uuid"`
	Content   string `json:"content"`
	Author    Author `json:"user_id"`
	CreatedAt string `json:"created_at"`
}

type BusEvent interface {
	EventType() string
}

type NewMessageEvent struct {
	ChatUUID  string         `json:"chat_uuid"`
	ChatType  string         `json:"chat_type"`
	ChatTitle string         `json:"chat_title"`
	Message   MessagePayload `json:"message"`

	// SenderID drives the broadcast exclusion; zero means no human
	// sender (assistant-authored) and nothing is excluded.
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	SenderUUID string `json:"sender_uuid"`

	IsReply           bool   `json:"is_reply"`
	ReplyingToUUID    string `json:"replying_to_uuid"`
	RepliedContent    string `json:"replied_content"`
	RepliedAuthorName string `json:"replied_author_name"`

	Timestamp string `json:"timestamp"`
}

type NewNotificationEvent struct {
	// TargetUserID is notification.user_id: the only recipient.
	TargetUserID int64
	Title        string
	// Payload is the full notification object, forwarded verbatim.
	Payload   map[string]any
	Timestamp string
}

type MessageDeletedEvent struct {
	ChatUUID    string `json:"chat_uuid"`
	MessageUUID string `json:"message_uuid"`
}

type NewChatEvent struct {
	ChatUUID     string          `json:"chat_uuid"`
	Participants json.RawMessage `json:"participants"`
	ChatTitle    string          `json:"chat_title"`
	ChatType     string          `json:"chat_type"`
}

func (*NewMessageEvent) EventType() string      { return "new_message" }
func (*NewNotificationEvent) EventType() string { return "new_notification" }
func (*MessageDeletedEvent) EventType() string  { return "message_deleted" }
func (*NewChatEvent) EventType() string         { return "new_chat" }

// EventValidationError names the field that failed the structural
// check, for the drop log.
type EventValidationError struct {
	EventType string
	Field     string
	Reason    string
}

func (e *EventValidationError) Error() string {
	return fmt.Sprintf("invalid %s event: field %q %s", e.EventType, e.Field, e.Reason)
}

func missingField(eventType, field string) error {
	return &EventValidationError{EventType: eventType, Field: field, Reason: "is absent"}
}

// DecodeBusEvent parses and validates one bus payload. Required fields
// must be present; presence is checked on the raw object so that an
// explicit null (the assistant marker on message.user_id) still
// passes, exactly like a missing key does not.
func DecodeBusEvent(raw []byte) (BusEvent, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, &EventValidationError{EventType: "?", Field: "(payload)", Reason: "is not a JSON object"}
	}
	typRaw, ok := top["type"]
	if !ok {
		return nil, missingField("?", "type")
	}
	var typ string
	if err := json.Unmarshal(typRaw, &typ); err != nil {
		return nil, &EventValidationError{EventType: "?", Field: "type", Reason: "is not a string"}
	}

	switch typ {
	case "new_message":
		return decodeNewMessage(raw, top)
	case "new_notification":
		return decodeNewNotification(top)
	case "message_deleted":
		return decodeMessageDeleted(raw, top)
	case "new_chat":
		return decodeNewChat(raw, top)
	default:
		return nil, &EventValidationError{EventType: typ, Field: "type", Reason: "is unknown"}
	}
}

func decodeNewMessage(raw []byte, top map[string]json.RawMessage) (BusEvent, error) {
	for _, field := range []string{"chat_uuid", "message"} {
		if _, ok := top[field]; !ok {
			return nil, missingField("new_message", field)
		}
	}

	var msgObj map[string]json.RawMessage
	if err := json.Unmarshal(top["message"], &msgObj); err != nil {
		return nil, &EventValidationError{EventType: "new_message", Field: "message", Reason: "is not an object"}
	}
	for _, field := range []string{"uuid", "content", "user_id", "created_at"} {
		if _, ok := msgObj[field]; !ok {
			return nil, missingField("new_message", "message."+field)
		}
	}

	ev := &NewMessageEvent{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, &EventValidationError{EventType: "new_message", Field: "(payload)", Reason: err.Error()}
	}
	if ev.ChatType == "" {
		ev.ChatType = "user_to_user"
	}
	if ev.ChatTitle == "" {
		ev.ChatTitle = "Chat"
	}
	if ev.Timestamp == "" {
		ev.Timestamp = nowStamp()
	}
	return ev, nil
}

func decodeNewNotification(top map[string]json.RawMessage) (BusEvent, error) {
	notifRaw, ok := top["notification"]
	if !ok {
		return nil, missingField("new_notification", "notification")
	}
	var payload map[string]any
	if err := json.Unmarshal(notifRaw, &payload); err != nil || payload == nil {
		return nil, &EventValidationError{EventType: "new_notification", Field: "notification", Reason: "is not an object"}
	}
	if _, ok := payload["user_id"]; !ok {
		return nil, missingField("new_notification", "notification.user_id")
	}

	var fields struct {
		UserID int64  `mapstructure:"user_id"`
		Title  string `mapstructure:"title"`
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &fields,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(payload); err != nil || fields.UserID == 0 {
		return nil, &EventValidationError{EventType: "new_notification", Field: "notification.user_id", Reason: "is not a user id"}
	}

	ev := &NewNotificationEvent{
		TargetUserID: fields.UserID,
		Title:        fields.Title,
		Payload:      payload,
		Timestamp:    nowStamp(),
	}
	if tsRaw, ok := top["timestamp"]; ok {
		var ts string
		if json.Unmarshal(tsRaw, &ts) == nil && ts != "" {
			ev.Timestamp = ts
		}
	}
	return ev, nil
}

func decodeMessageDeleted(raw []byte, top map[string]json.RawMessage) (BusEvent, error) {
	for _, field := range []string{"chat_uuid", "message_uuid"} {
		if _, ok := top[field]; !ok {
			return nil, missingField("message_deleted", field)
		}
	}
	ev := &MessageDeletedEvent{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, &EventValidationError{EventType: "message_deleted", Field: "(payload)", Reason: err.Error()}
	}
	return ev, nil
}

func decodeNewChat(raw []byte, top map[string]json.RawMessage) (BusEvent, error) {
	for _, field := range []string{"chat_uuid", "participants"} {
		if _, ok := top[field]; !ok {
			return nil, missingField("new_chat", field)
		}
	}
	ev := &NewChatEvent{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, &EventValidationError{EventType: "new_chat", Field: "(payload)", Reason: err.Error()}
	}
	return ev, nil
}
