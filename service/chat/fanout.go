package chat

import (
	"FoxChat/logger"
)

// Delivery of validated bus events to connected clients. Each delivery
// snapshots its recipient set from the registry, then sends outside
// the lock; a failed send prunes that connection and the loop
// continues with the rest.

const previewRuneLimit = 100

// messagePreview truncates the content for a chat_notification.
func messagePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewRuneLimit {
		return content
	}
	return string(runes[:previewRuneLimit]) + "..."
}

// Dispatch routes one validated bus event to its recipients.
func (s *Server) Dispatch(ev BusEvent) {
	switch e := ev.(type) {
	case *NewMessageEvent:
		s.deliverNewMessage(e)
	case *NewNotificationEvent:
		s.deliverNotification(e)
	case *MessageDeletedEvent:
		s.deliverMessageDeleted(e)
	case *NewChatEvent:
		s.deliverNewChat(e)
	default:
		logger.Warnf("dispatch: unhandled event type %T", ev)
	}
}

// deliverNewMessage broadcasts the message to the chat's subscribers,
// excluding every connection of the sending user, then pushes a
// chat_notification to authenticated users who are not watching the
// chat. A given user gets the broadcast or the notification, never
// both.
func (s *Server) deliverNewMessage(e *NewMessageEvent) {
	var replyingTo map[string]any
	if e.IsReply {
		replyingTo = map[string]any{
			"message_uuid": e.ReplyingToUUID,
			"content":      e.RepliedContent,
			"author_name":  e.RepliedAuthorName,
		}
	}
	frame := mustJSON(map[string]any{
		"type":       "new_message",
		"chat_uuid":  e.ChatUUID,
		"chat_type":  e.ChatType,
		"chat_title": e.ChatTitle,
		"message":    e.Message,
		"sender_info": map[string]any{
			"id":   e.SenderID,
			"name": e.SenderName,
			"uuid": e.SenderUUID,
		},
		"is_reply":    e.IsReply,
		"replying_to": replyingTo,
		"timestamp":   e.Timestamp,
	})

	subscribers := s.registry.SubscribersExcluding(e.ChatUUID, e.SenderID)
	delivered := 0
	for _, c := range subscribers {
		if s.trySend(c, frame) {
			delivered++
		}
	}
	s.observer.EventDelivered("new_message", delivered)
	logger.Debugf("new_message %s: %d/%d subscribers", e.ChatUUID, delivered, len(subscribers))

	s.pushChatNotification(e)
}

// pushChatNotification tells non-subscribed authenticated users that a
// chat they are not watching has a new message. Assistant-authored
// messages are announced to everyone authenticated and away.
func (s *Server) pushChatNotification(e *NewMessageEvent) {
	kind := "new_message_notification"
	if e.IsReply {
		kind = "reply_notification"
	}
	frame := mustJSON(map[string]any{
		"type": "chat_notification",
		"notification": map[string]any{
			"type":            kind,
			"chat_uuid":       e.ChatUUID,
			"chat_title":      e.ChatTitle,
			"sender_name":     e.SenderName,
			"message_preview": messagePreview(e.Message.Content),
			"is_reply":        e.IsReply,
			"timestamp":       e.Timestamp,
		},
	})

	targets := s.registry.AuthedNonSubscribers(e.ChatUUID, e.SenderID)
	delivered := 0
	for _, c := range targets {
		if s.trySend(c, frame) {
			delivered++
		}
	}
	s.observer.EventDelivered("chat_notification", delivered)
}

// deliverNotification is a direct push to the target user's indexed
// connection only. No connection, no delivery; the event is not queued.
func (s *Server) deliverNotification(e *NewNotificationEvent) {
	c, ok := s.registry.UserConn(e.TargetUserID)
	if !ok {
		logger.Debugf("new_notification for user %d: not connected", e.TargetUserID)
		s.observer.EventDelivered("new_notification", 0)
		return
	}
	frame := mustJSON(map[string]any{
		"type":         "new_notification",
		"notification": e.Payload,
		"timestamp":    e.Timestamp,
	})
	delivered := 0
	if s.trySend(c, frame) {
		delivered = 1
	}
	s.observer.EventDelivered("new_notification", delivered)
}

// deliverMessageDeleted broadcasts to all subscribers, deleter
// included: every open view of the chat must drop the message.
func (s *Server) deliverMessageDeleted(e *MessageDeletedEvent) {
	frame := mustJSON(map[string]any{
		"type":         "message_deleted",
		"chat_uuid":    e.ChatUUID,
		"message_uuid": e.MessageUUID,
		"timestamp":    nowStamp(),
	})
	delivered := 0
	for _, c := range s.registry.ChatSubscribers(e.ChatUUID) {
		if s.trySend(c, frame) {
			delivered++
		}
	}
	s.observer.EventDelivered("message_deleted", delivered)
}

// deliverNewChat announces a chat's creation to its current
// subscriber set, no exclusion.
func (s *Server) deliverNewChat(e *NewChatEvent) {
	frame := mustJSON(map[string]any{
		"type":         "new_chat",
		"chat_uuid":    e.ChatUUID,
		"chat_title":   e.ChatTitle,
		"chat_type":    e.ChatType,
		"participants": e.Participants,
		"timestamp":    nowStamp(),
	})
	delivered := 0
	for _, c := range s.registry.ChatSubscribers(e.ChatUUID) {
		if s.trySend(c, frame) {
			delivered++
		}
	}
	s.observer.EventDelivered("new_chat", delivered)
}

// trySend enqueues a frame and prunes the connection when the enqueue
// fails. Returns whether the frame was accepted.
func (s *Server) trySend(c *Conn, frame []byte) bool {
	if err := c.Send(frame); err != nil {
		s.observer.SendFailed()
		logger.Warnf("conn %d: send failed, pruning: %v", c.ID, err)
		s.prune(c)
		return false
	}
	return true
}
