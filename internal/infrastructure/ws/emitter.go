package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/contracts"
)

var userMessageTypes = map[string]domain.UserMessageType{
	NotificationNew: domain.UserTypeNotification,
	MessageNew:      domain.UserTypeMessage,
	MatchNew:        domain.UserTypeMatch,
	AccountUpdate:   domain.UserTypeAccount,
}

var roomEventTypes = map[string]domain.RoomEventType{
	MessageNew:    domain.RoomEventMessage,
	MessageTyping: domain.RoomEventTyping,
}

// EmitToUser delivers to the user's local connections, then publishes so
// other processes reach theirs. Local delivery is kept when the publish
// fails; the returned error wraps ErrPublishFailed.
func (c *Core) EmitToUser(ctx context.Context, userID, event string, data any) error {
	if userID == "" {
		return ErrMissingRecipient
	}
	msgType, ok := userMessageTypes[event]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnroutableEvent, event)
	}

	c.emitRoom(contracts.UserRoom(userID), NewFrame(event, data), nil)

	if err := c.publisher.PublishToUser(ctx, userID, msgType, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (c *Core) EmitToRoom(ctx context.Context, roomID, event string, data any) error {
	if roomID == "" {
		return ErrInvalidRoomID
	}
	eventType, ok := roomEventTypes[event]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnroutableEvent, event)
	}

	c.emitRoom(roomID, NewFrame(event, data), nil)

	if err := c.publisher.PublishToRoom(ctx, roomID, eventType, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// BroadcastPresence publishes the presence change, then tells every local
// connection.
func (c *Core) BroadcastPresence(ctx context.Context, userID string, online bool) error {
	action := domain.PresenceOffline
	if online {
		action = domain.PresenceOnline
	}

	err := c.publisher.PublishPresence(ctx, userID, action)

	c.emitAll(presenceFrame(&domain.PresencePayload{
		Action:    action,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}))

	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Announce sends a server announcement to every connection of every process.
func (c *Core) Announce(ctx context.Context, payload any) error {
	err := c.publisher.PublishAnnouncement(ctx, payload)
	c.emitAll(NewFrame(ServerAnnouncement, payload))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}
