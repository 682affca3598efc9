package chat

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FoxChat/config"
	"FoxChat/tools/security"
)

var gatewayTestSecret = []byte("gateway-test-secret")

func newGatewayTest(t *testing.T) (*Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	server := NewServer(
		security.DefaultOptions(gatewayTestSecret),
		config.LimitsConfig{
			SendQueueSize: 16,
			WriteTimeout:  time.Second,
			PingInterval:  time.Minute,
		},
		nil, // no membership backend, subscriptions allowed
		nil,
	)

	router := gin.New()
	server.RegisterRoutes(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return server, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialGateway(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, frame map[string]any) {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func expectNoFrame(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, raw, err := ws.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", raw)
}

func tokenForUser(t *testing.T, userID int64) string {
	t.Helper()
	token, _, err := security.Generate(security.DefaultOptions(gatewayTestSecret), security.Identity{
		ID:   userID,
		UUID: fmt.Sprintf("u-%d", userID),
		Name: fmt.Sprintf("user%d", userID),
	})
	require.NoError(t, err)
	return token
}

// authedConn dials, authenticates, and optionally subscribes.
func authedConn(t *testing.T, url string, userID int64, chats ...string) *websocket.Conn {
	t.Helper()
	ws := dialGateway(t, url)
	sendFrame(t, ws, map[string]any{"type": "auth", "token": tokenForUser(t, userID)})
	frame := readFrame(t, ws)
	require.Equal(t, "auth_success", frame["type"])
	require.EqualValues(t, userID, frame["user_id"])
	for _, chat := range chats {
		sendFrame(t, ws, map[string]any{"type": "subscribe", "chat_uuid": chat})
		frame = readFrame(t, ws)
		require.Equal(t, "subscribe_success", frame["type"])
	}
	return ws
}

func newMessagePayload(chatUUID string, senderID int64, content string) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "new_message",
		"chat_uuid": %q,
		"chat_title": "Test Chat",
		"sender_id": %d,
		"sender_name": "user%d",
		"message": {"uuid": "m1", "content": %q, "user_id": %d, "created_at": "2024-01-01 00:00:00"}
	}`, chatUUID, senderID, senderID, content, senderID))
}

func TestSubscribeBeforeAuthRejectedButConnectionSurvives(t *testing.T) {
	_, url := newGatewayTest(t)
	ws := dialGateway(t, url)

	sendFrame(t, ws, map[string]any{"type": "subscribe", "chat_uuid": "abc"})
	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["type"])

	// the connection is still usable
	sendFrame(t, ws, map[string]any{"type": "ping"})
	frame = readFrame(t, ws)
	assert.Equal(t, "pong", frame["type"])
}

func TestMalformedFramesAreRecoverable(t *testing.T) {
	_, url := newGatewayTest(t)
	ws := dialGateway(t, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "error", readFrame(t, ws)["type"])

	sendFrame(t, ws, map[string]any{"chat_uuid": "abc"}) // no type
	assert.Equal(t, "error", readFrame(t, ws)["type"])

	sendFrame(t, ws, map[string]any{"type": "dance"})
	assert.Equal(t, "error", readFrame(t, ws)["type"])

	sendFrame(t, ws, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, ws)["type"])
}

func TestAuthSuccessBindsTokenUser(t *testing.T) {
	server, url := newGatewayTest(t)
	ws := authedConn(t, url, 42)

	sendFrame(t, ws, map[string]any{"type": "get_chat_updates"})
	frame := readFrame(t, ws)
	require.Equal(t, "chat_updates", frame["type"])
	stats := frame["stats"].(map[string]any)
	assert.EqualValues(t, 42, stats["user_id"])

	_, ok := server.Registry().UserConn(42)
	assert.True(t, ok)
}

func TestAuthFailureClosesConnection(t *testing.T) {
	_, url := newGatewayTest(t)
	ws := dialGateway(t, url)

	sendFrame(t, ws, map[string]any{"type": "auth", "token": "bogus"})
	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["type"])

	// the error frame is followed by a server-initiated close
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestAuthAutoSubscribe(t *testing.T) {
	server, url := newGatewayTest(t)
	ws := dialGateway(t, url)

	sendFrame(t, ws, map[string]any{"type": "auth", "token": tokenForUser(t, 5), "chats": []string{"abc"}})
	require.Equal(t, "auth_success", readFrame(t, ws)["type"])

	require.Eventually(t, func() bool {
		return server.Registry().UserSubscribed(5, "abc")
	}, time.Second, 10*time.Millisecond)

	server.Consume(newMessagePayload("abc", 99, "hello"))
	frame := readFrame(t, ws)
	assert.Equal(t, "new_message", frame["type"])
}

func TestNewMessageFanoutExcludesSender(t *testing.T) {
	server, url := newGatewayTest(t)
	a := authedConn(t, url, 1, "abc")
	b := authedConn(t, url, 2, "abc")

	server.Consume(newMessagePayload("abc", 1, "hi"))

	frame := readFrame(t, b)
	require.Equal(t, "new_message", frame["type"])
	assert.Equal(t, "abc", frame["chat_uuid"])
	msg := frame["message"].(map[string]any)
	assert.Equal(t, "hi", msg["content"])
	assert.EqualValues(t, 1, msg["user_id"])

	// the sender's own connection gets nothing for this event
	expectNoFrame(t, a)
}

func TestSenderExclusionCoversAllDevices(t *testing.T) {
	server, url := newGatewayTest(t)
	phone := authedConn(t, url, 1, "abc")
	laptop := authedConn(t, url, 1, "abc")
	other := authedConn(t, url, 2, "abc")

	server.Consume(newMessagePayload("abc", 1, "hi"))

	assert.Equal(t, "new_message", readFrame(t, other)["type"])
	expectNoFrame(t, phone)
	expectNoFrame(t, laptop)
}

func TestAwayUserGetsChatNotificationNotRawMessage(t *testing.T) {
	server, url := newGatewayTest(t)
	_ = authedConn(t, url, 1, "abc")
	away := authedConn(t, url, 3) // authenticated, not watching abc

	server.Consume(newMessagePayload("abc", 1, "a long and detailed message"))

	frame := readFrame(t, away)
	require.Equal(t, "chat_notification", frame["type"])
	notif := frame["notification"].(map[string]any)
	assert.Equal(t, "abc", notif["chat_uuid"])
	assert.Equal(t, "new_message_notification", notif["type"])
	assert.Equal(t, "a long and detailed message", notif["message_preview"])

	expectNoFrame(t, away)
}

func TestSubscribedUserNeverGetsBothFrames(t *testing.T) {
	server, url := newGatewayTest(t)
	b := authedConn(t, url, 2, "abc")

	server.Consume(newMessagePayload("abc", 1, "hi"))

	assert.Equal(t, "new_message", readFrame(t, b)["type"])
	expectNoFrame(t, b)
}

func TestInvalidBusEventReachesNobody(t *testing.T) {
	server, url := newGatewayTest(t)
	b := authedConn(t, url, 2, "abc")

	// message.created_at key absent
	server.Consume([]byte(`{
		"type": "new_message",
		"chat_uuid": "abc",
		"sender_id": 1,
		"message": {"uuid": "m1", "content": "hi", "user_id": 1}
	}`))

	expectNoFrame(t, b)
}

func TestNewNotificationIsDirectOnly(t *testing.T) {
	server, url := newGatewayTest(t)
	target := authedConn(t, url, 7)
	bystander := authedConn(t, url, 8)

	server.Consume([]byte(`{"type": "new_notification", "notification": {"user_id": 7, "title": "hey"}}`))

	frame := readFrame(t, target)
	require.Equal(t, "new_notification", frame["type"])
	notif := frame["notification"].(map[string]any)
	assert.Equal(t, "hey", notif["title"])

	expectNoFrame(t, bystander)
}

func TestMessageDeletedBroadcastsWithoutExclusion(t *testing.T) {
	server, url := newGatewayTest(t)
	a := authedConn(t, url, 1, "abc")
	b := authedConn(t, url, 2, "abc")

	server.Consume([]byte(`{"type": "message_deleted", "chat_uuid": "abc", "message_uuid": "m1"}`))

	for _, ws := range []*websocket.Conn{a, b} {
		frame := readFrame(t, ws)
		assert.Equal(t, "message_deleted", frame["type"])
		assert.Equal(t, "m1", frame["message_uuid"])
	}
}

func TestClosedConnectionIsPrunedEverywhere(t *testing.T) {
	server, url := newGatewayTest(t)
	a := authedConn(t, url, 1, "abc")
	b := authedConn(t, url, 2, "abc")

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		return server.Registry().ConnCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, server.Registry().SubscribersExcluding("abc", 2))
	_, ok := server.Registry().UserConn(1)
	assert.False(t, ok)

	// a broadcast after the close reaches the survivor only
	server.Consume(newMessagePayload("abc", 9, "still here"))
	assert.Equal(t, "new_message", readFrame(t, b)["type"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	server, url := newGatewayTest(t)
	b := authedConn(t, url, 2, "abc")

	sendFrame(t, b, map[string]any{"type": "unsubscribe", "chat_uuid": "abc"})
	require.Equal(t, "unsubscribe_success", readFrame(t, b)["type"])

	server.Consume(newMessagePayload("abc", 1, "hi"))

	// b is now an away user, so only the condensed notification arrives
	frame := readFrame(t, b)
	assert.Equal(t, "chat_notification", frame["type"])
}

func TestShutdownNotifiesEveryConnection(t *testing.T) {
	server, url := newGatewayTest(t)
	a := authedConn(t, url, 1)
	b := dialGateway(t, url) // not even authenticated

	server.Shutdown("maintenance")

	for _, ws := range []*websocket.Conn{a, b} {
		frame := readFrame(t, ws)
		assert.Equal(t, "server_shutdown", frame["type"])
		assert.Equal(t, "maintenance", frame["message"])
	}
	assert.Zero(t, server.Registry().ConnCount())
}
