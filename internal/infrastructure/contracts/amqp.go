package contracts

import (
	"strings"

	"github.com/hilthontt/relay/internal/domain"
)

// Exchanges
const (
	DirectExchange   = "relay.direct"
	TopicExchange    = "relay.topic"
	PresenceExchange = "relay.presence"
)

// Routing key prefixes
const (
	userKeyPrefix         = "user."
	roomKeyPrefix         = "room."
	notificationKeyPrefix = "notification."
	matchKeyPrefix        = "match."
)

// Room name prefixes used by the realtime gateway.
const (
	UserRoomPrefix         = "user:"
	ConversationRoomPrefix = "conversation:"
)

var topicKeyReplacer = strings.NewReplacer(".", "_", "*", "_", "#", "_")

// Binding is one (exchange, routing key) pair on the process queue.
type Binding struct {
	Exchange string
	Key      string
}

func sanitize(id string) string {
	return topicKeyReplacer.Replace(id)
}

func UserRoutingKey(userID string) string {
	return userKeyPrefix + userID
}

func NotificationRoutingKey(userID string) string {
	return notificationKeyPrefix + sanitize(userID)
}

func MatchRoutingKey(userID string) string {
	return matchKeyPrefix + sanitize(userID)
}

// UserBindings lists everything a process binds while it hosts a user.
func UserBindings(userID string) []Binding {
	return []Binding{
		{Exchange: DirectExchange, Key: UserRoutingKey(userID)},
		{Exchange: TopicExchange, Key: NotificationRoutingKey(userID)},
		{Exchange: TopicExchange, Key: MatchRoutingKey(userID)},
	}
}

func RoomRoutingKey(roomID string, event domain.RoomEventType) string {
	return roomKeyPrefix + sanitize(roomID) + "." + sanitize(string(event))
}

func RoomBindingPattern(roomID string) string {
	return roomKeyPrefix + sanitize(roomID) + ".*"
}

func RoomBinding(roomID string) Binding {
	return Binding{Exchange: TopicExchange, Key: RoomBindingPattern(roomID)}
}

func UserRoom(userID string) string {
	return UserRoomPrefix + userID
}

func ConversationRoom(conversationID string) string {
	return ConversationRoomPrefix + conversationID
}

// IsConversationRoom reports whether roomID names a conversation. Only those
// rooms are bound on the broker.
func IsConversationRoom(roomID string) bool {
	return strings.HasPrefix(roomID, ConversationRoomPrefix) && len(roomID) > len(ConversationRoomPrefix)
}

func ConversationID(roomID string) string {
	return strings.TrimPrefix(roomID, ConversationRoomPrefix)
}

// RoutingFor picks the exchange and key an envelope is published with.
func RoutingFor(env *domain.Envelope) (exchange, key string) {
	switch env.Kind {
	case domain.KindUser:
		switch env.User.Type {
		case domain.UserTypeNotification:
			return TopicExchange, NotificationRoutingKey(env.User.UserID)
		case domain.UserTypeMatch:
			return TopicExchange, MatchRoutingKey(env.User.UserID)
		default:
			return DirectExchange, UserRoutingKey(env.User.UserID)
		}
	case domain.KindRoom:
		return TopicExchange, RoomRoutingKey(env.Room.RoomID, env.Room.Payload.Type)
	default:
		return PresenceExchange, ""
	}
}
