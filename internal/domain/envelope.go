package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

type EnvelopeKind string

const (
	KindUser      EnvelopeKind = "user"
	KindRoom      EnvelopeKind = "room"
	KindBroadcast EnvelopeKind = "broadcast"
)

type UserMessageType string

const (
	UserTypeNotification UserMessageType = "notification"
	UserTypeMessage      UserMessageType = "message"
	UserTypeMatch        UserMessageType = "match"
	UserTypePresence     UserMessageType = "presence"
	UserTypeAccount      UserMessageType = "account"
)

type RoomEventType string

const (
	RoomEventMessage RoomEventType = "message"
	RoomEventTyping  RoomEventType = "typing"
)

// RoomMessageType is the only type a RoomMessage can carry.
const RoomMessageType = "room_event"

type BroadcastType string

const (
	BroadcastPresenceUpdate     BroadcastType = "presence_update"
	BroadcastServerAnnouncement BroadcastType = "server_announcement"
)

type PresenceAction string

const (
	PresenceOnline  PresenceAction = "online"
	PresenceOffline PresenceAction = "offline"
)

// Envelope is the unit carried through the broker. Exactly one of User, Room
// and Broadcast is set, selected by Kind.
type Envelope struct {
	ID        string            `json:"id"`
	Kind      EnvelopeKind      `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	ServerID  string            `json:"serverId"`
	User      *UserMessage      `json:"user,omitempty"`
	Room      *RoomMessage      `json:"room,omitempty"`
	Broadcast *BroadcastMessage `json:"broadcast,omitempty"`
}

type UserMessage struct {
	UserID  string          `json:"userId"`
	Type    UserMessageType `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RoomMessage struct {
	RoomID  string    `json:"roomId"`
	Type    string    `json:"type"`
	Payload RoomEvent `json:"payload"`
}

type RoomEvent struct {
	Type RoomEventType   `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type BroadcastMessage struct {
	Type    BroadcastType   `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type PresencePayload struct {
	Action    PresenceAction `json:"action"`
	UserID    string         `json:"userId"`
	Timestamp time.Time      `json:"timestamp"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

func newEnvelope(serverID string, kind EnvelopeKind) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		ServerID:  serverID,
	}
}

func NewUserEnvelope(serverID, userID string, msgType UserMessageType, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	env := newEnvelope(serverID, KindUser)
	env.User = &UserMessage{
		UserID:  userID,
		Type:    msgType,
		Payload: raw,
	}

	return env, env.Validate()
}

func NewRoomEnvelope(serverID, roomID string, eventType RoomEventType, data any) (*Envelope, error) {
	raw, err := marshalPayload(data)
	if err != nil {
		return nil, err
	}

	env := newEnvelope(serverID, KindRoom)
	env.Room = &RoomMessage{
		RoomID: roomID,
		Type:   RoomMessageType,
		Payload: RoomEvent{
			Type: eventType,
			Data: raw,
		},
	}

	return env, env.Validate()
}

func NewBroadcastEnvelope(serverID string, msgType BroadcastType, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	env := newEnvelope(serverID, KindBroadcast)
	env.Broadcast = &BroadcastMessage{
		Type:    msgType,
		Payload: raw,
	}

	return env, env.Validate()
}

func NewPresenceEnvelope(serverID, userID string, action PresenceAction) (*Envelope, error) {
	return NewBroadcastEnvelope(serverID, BroadcastPresenceUpdate, PresencePayload{
		Action:    action,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	})
}

// DecodeEnvelope parses and validates a broker body. Anything that does not
// map onto a known variant is rejected.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}

	return &env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	return json.Marshal(e)
}

func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
	}
	if e.ServerID == "" {
		return fmt.Errorf("%w: missing serverId", ErrMalformedEnvelope)
	}

	switch e.Kind {
	case KindUser:
		if e.User == nil || e.Room != nil || e.Broadcast != nil {
			return fmt.Errorf("%w: user envelope must carry exactly the user body", ErrMalformedEnvelope)
		}
		if e.User.UserID == "" {
			return fmt.Errorf("%w: missing userId", ErrMalformedEnvelope)
		}
		if !e.User.Type.valid() {
			return fmt.Errorf("%w: unknown user message type %q", ErrMalformedEnvelope, e.User.Type)
		}
	case KindRoom:
		if e.Room == nil || e.User != nil || e.Broadcast != nil {
			return fmt.Errorf("%w: room envelope must carry exactly the room body", ErrMalformedEnvelope)
		}
		if e.Room.RoomID == "" {
			return fmt.Errorf("%w: missing roomId", ErrMalformedEnvelope)
		}
		if e.Room.Type != RoomMessageType {
			return fmt.Errorf("%w: unknown room message type %q", ErrMalformedEnvelope, e.Room.Type)
		}
		if !e.Room.Payload.Type.valid() {
			return fmt.Errorf("%w: unknown room event type %q", ErrMalformedEnvelope, e.Room.Payload.Type)
		}
	case KindBroadcast:
		if e.Broadcast == nil || e.User != nil || e.Room != nil {
			return fmt.Errorf("%w: broadcast envelope must carry exactly the broadcast body", ErrMalformedEnvelope)
		}
		if !e.Broadcast.Type.valid() {
			return fmt.Errorf("%w: unknown broadcast type %q", ErrMalformedEnvelope, e.Broadcast.Type)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, e.Kind)
	}

	return nil
}

// Presence decodes the payload of a presence broadcast or a presence user message.
func (e *Envelope) Presence() (*PresencePayload, error) {
	var raw json.RawMessage
	switch {
	case e.Broadcast != nil && e.Broadcast.Type == BroadcastPresenceUpdate:
		raw = e.Broadcast.Payload
	case e.User != nil && e.User.Type == UserTypePresence:
		raw = e.User.Payload
	default:
		return nil, fmt.Errorf("%w: not a presence envelope", ErrMalformedEnvelope)
	}

	var p PresencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: presence payload: %v", ErrMalformedEnvelope, err)
	}
	if p.Action != PresenceOnline && p.Action != PresenceOffline {
		return nil, fmt.Errorf("%w: unknown presence action %q", ErrMalformedEnvelope, p.Action)
	}

	return &p, nil
}

func (t UserMessageType) valid() bool {
	switch t {
	case UserTypeNotification, UserTypeMessage, UserTypeMatch, UserTypePresence, UserTypeAccount:
		return true
	}
	return false
}

func (t RoomEventType) valid() bool {
	return t == RoomEventMessage || t == RoomEventTyping
}

func (t BroadcastType) valid() bool {
	return t == BroadcastPresenceUpdate || t == BroadcastServerAnnouncement
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedEnvelope)
		}
		return json.RawMessage(p), nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return raw, nil
}
