package chat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientFrame(t *testing.T) {
	f, err := DecodeClientFrame([]byte(`{"type": "auth", "token": "abc", "chats": ["c1", "c2"]}`))
	require.NoError(t, err)
	auth := f.(*AuthFrame)
	assert.Equal(t, "abc", auth.Token)
	assert.Equal(t, []string{"c1", "c2"}, auth.Chats)

	f, err = DecodeClientFrame([]byte(`{"type": "subscribe", "chat_uuid": "c1"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", f.(*SubscribeFrame).ChatUUID)

	f, err = DecodeClientFrame([]byte(`{"type": "unsubscribe", "chat_uuid": "c1"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", f.(*UnsubscribeFrame).ChatUUID)

	f, err = DecodeClientFrame([]byte(`{"type": "ping"}`))
	require.NoError(t, err)
	assert.IsType(t, &PingFrame{}, f)

	f, err = DecodeClientFrame([]byte(`{"type": "get_chat_updates"}`))
	require.NoError(t, err)
	assert.IsType(t, &ChatUpdatesFrame{}, f)
}

func TestDecodeClientFrameErrors(t *testing.T) {
	_, err := DecodeClientFrame([]byte(`not json`))
	assert.ErrorIs(t, err, ErrBadJSON)

	_, err = DecodeClientFrame([]byte(`{"token": "abc"}`))
	assert.ErrorIs(t, err, ErrMissingType)

	_, err = DecodeClientFrame([]byte(`{"type": "dance"}`))
	var unknown *UnknownFrameError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "dance", unknown.Type)
}

func TestFrameName(t *testing.T) {
	assert.Equal(t, "auth", frameName(&AuthFrame{}))
	assert.Equal(t, "subscribe", frameName(&SubscribeFrame{}))
	assert.Equal(t, "ping", frameName(&PingFrame{}))
	assert.Equal(t, "get_chat_updates", frameName(&ChatUpdatesFrame{}))
}

func TestServerFrameBuilders(t *testing.T) {
	var frame map[string]any

	require.NoError(t, json.Unmarshal(buildAuthSuccess(7), &frame))
	assert.Equal(t, "auth_success", frame["type"])
	assert.EqualValues(t, 7, frame["user_id"])
	assert.NotEmpty(t, frame["timestamp"])

	require.NoError(t, json.Unmarshal(buildError("boom"), &frame))
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "boom", frame["message"])

	require.NoError(t, json.Unmarshal(buildSubscribeSuccess("c1"), &frame))
	assert.Equal(t, "subscribe_success", frame["type"])
	assert.Equal(t, "c1", frame["chat_uuid"])

	require.NoError(t, json.Unmarshal(buildPong(), &frame))
	assert.Equal(t, "pong", frame["type"])

	require.NoError(t, json.Unmarshal(buildServerShutdown("bye"), &frame))
	assert.Equal(t, "server_shutdown", frame["type"])
	assert.Equal(t, "bye", frame["message"])
}

func TestMessagePreview(t *testing.T) {
	assert.Equal(t, "short", messagePreview("short"))

	long := strings.Repeat("x", 150)
	got := messagePreview(long)
	assert.Len(t, got, 103)
	assert.True(t, strings.HasSuffix(got, "..."))

	// rune-aware, not byte-aware
	accented := strings.Repeat("ñ", 100)
	assert.Equal(t, accented, messagePreview(accented))
}
