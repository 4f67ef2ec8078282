package ws

import (
	"encoding/json"
)

// InboundFrame is what clients send.
type InboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID *int64          `json:"ackId,omitempty"`
}

// OutboundFrame is what the server sends. Acks reuse the request's AckID.
type OutboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	AckID *int64 `json:"ackId,omitempty"`
}

// Payload structs
type ConnectionSuccessPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	ServerID  string `json:"serverId"`
}

type PresencePayload struct {
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

type PresenceListPayload struct {
	Users []string `json:"users"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId"`
}

type MarkReadPayload struct {
	NotificationID string `json:"notificationId"`
}

type AckPayload struct {
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
	RoomID    string   `json:"roomId,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
	UserID    string   `json:"userId,omitempty"`
	Users     []string `json:"users,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func NewFrame(event string, data any) *OutboundFrame {
	return &OutboundFrame{
		Event: event,
		Data:  data,
	}
}

func NewAck(ackID *int64, payload AckPayload) *OutboundFrame {
	return &OutboundFrame{
		Event: AckEvent,
		Data:  payload,
		AckID: ackID,
	}
}

func NewError(code, message string) *OutboundFrame {
	return &OutboundFrame{
		Event: ErrorEvent,
		Data: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}

func NewConnectionSuccess(userID, sessionID, serverID string) *OutboundFrame {
	return NewFrame(ConnectionSuccess, ConnectionSuccessPayload{
		UserID:    userID,
		SessionID: sessionID,
		ServerID:  serverID,
	})
}

func (f *OutboundFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
