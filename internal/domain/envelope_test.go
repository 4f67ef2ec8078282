package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserEnvelope(t *testing.T) {
	env, err := NewUserEnvelope("relay-1", "u1", UserTypeNotification, map[string]string{"title": "hi"})
	require.NoError(t, err)

	assert.Equal(t, KindUser, env.Kind)
	assert.Equal(t, "relay-1", env.ServerID)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.Timestamp.IsZero())
	require.NotNil(t, env.User)
	assert.Equal(t, "u1", env.User.UserID)
	assert.JSONEq(t, `{"title":"hi"}`, string(env.User.Payload))
}

func TestEnvelopeIDsAreUnique(t *testing.T) {
	a, err := NewBroadcastEnvelope("relay-1", BroadcastServerAnnouncement, nil)
	require.NoError(t, err)
	b, err := NewBroadcastEnvelope("relay-1", BroadcastServerAnnouncement, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestEncodeDecodeRoomEnvelope(t *testing.T) {
	msg, err := NewChatMessage("c1", "u1", "hello")
	require.NoError(t, err)

	env, err := NewRoomEnvelope("relay-1", "conversation:c1", RoomEventMessage, msg)
	require.NoError(t, err)

	body, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(body)
	require.NoError(t, err)
	require.NotNil(t, decoded.Room)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, "conversation:c1", decoded.Room.RoomID)
	assert.Equal(t, RoomMessageType, decoded.Room.Type)
	assert.Equal(t, RoomEventMessage, decoded.Room.Payload.Type)

	var got ChatMessage
	require.NoError(t, json.Unmarshal(decoded.Room.Payload.Data, &got))
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "hello", got.Content)
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown kind", `{"id":"1","serverId":"s","kind":"carrier-pigeon"}`},
		{"missing id", `{"serverId":"s","kind":"broadcast","broadcast":{"type":"presence_update"}}`},
		{"missing server", `{"id":"1","kind":"broadcast","broadcast":{"type":"presence_update"}}`},
		{"missing body", `{"id":"1","serverId":"s","kind":"user"}`},
		{"two bodies", `{"id":"1","serverId":"s","kind":"user","user":{"userId":"u","type":"message"},"broadcast":{"type":"presence_update"}}`},
		{"unknown user type", `{"id":"1","serverId":"s","kind":"user","user":{"userId":"u","type":"telegram"}}`},
		{"missing user id", `{"id":"1","serverId":"s","kind":"user","user":{"type":"message"}}`},
		{"bad room type", `{"id":"1","serverId":"s","kind":"room","room":{"roomId":"r","type":"other","payload":{"type":"message"}}}`},
		{"bad room event", `{"id":"1","serverId":"s","kind":"room","room":{"roomId":"r","type":"room_event","payload":{"type":"shout"}}}`},
		{"bad broadcast type", `{"id":"1","serverId":"s","kind":"broadcast","broadcast":{"type":"gossip"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.body))
			assert.Nil(t, env)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestPresenceEnvelope(t *testing.T) {
	env, err := NewPresenceEnvelope("relay-1", "u1", PresenceOffline)
	require.NoError(t, err)

	p, err := env.Presence()
	require.NoError(t, err)
	assert.Equal(t, PresenceOffline, p.Action)
	assert.Equal(t, "u1", p.UserID)

	other, err := NewUserEnvelope("relay-1", "u1", UserTypeMatch, nil)
	require.NoError(t, err)
	_, err = other.Presence()
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestNewChatMessage(t *testing.T) {
	_, err := NewChatMessage("", "u1", "hi")
	assert.ErrorIs(t, err, ErrMissingConversation)

	_, err = NewChatMessage("c1", "u1", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	long := make([]byte, MaxMessageLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = NewChatMessage("c1", "u1", string(long))
	assert.ErrorIs(t, err, ErrMessageTooLong)

	msg, err := NewChatMessage("c1", "u1", "  hi  ")
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "u1", msg.SenderID)
}
