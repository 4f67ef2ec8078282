package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/contracts"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var userEvents = map[domain.UserMessageType]string{
	domain.UserTypeNotification: NotificationNew,
	domain.UserTypeMessage:      MessageNew,
	domain.UserTypeMatch:        MatchNew,
	domain.UserTypeAccount:      AccountUpdate,
}

var roomEvents = map[domain.RoomEventType]string{
	domain.RoomEventMessage: MessageNew,
	domain.RoomEventTyping:  MessageTyping,
}

// Dispatch delivers an envelope consumed from the broker to the local
// connections it targets. A failed send to one connection never stops
// delivery to the others.
func (c *Core) Dispatch(ctx context.Context, env *domain.Envelope) (err error) {
	if env.ServerID == c.serverID {
		return nil
	}

	_, span := c.tracer.Start(ctx, "ws.dispatch", trace.WithAttributes(
		attribute.String("relay.envelope.id", env.ID),
		attribute.String("relay.envelope.kind", string(env.Kind)),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Error(logging.WebSocket, logging.Dispatch, "failed to dispatch envelope", map[logging.ExtraKey]any{
				logging.EnvelopeID:   env.ID,
				logging.ErrorMessage: err.Error(),
			})
		}
		span.End()
	}()

	var delivered int
	switch env.Kind {
	case domain.KindUser:
		delivered, err = c.dispatchUser(env)
	case domain.KindRoom:
		delivered, err = c.dispatchRoom(env)
	case domain.KindBroadcast:
		delivered, err = c.dispatchBroadcast(env)
	default:
		err = fmt.Errorf("%w: unknown kind %q", domain.ErrMalformedEnvelope, env.Kind)
	}
	if err != nil {
		return err
	}

	span.SetAttributes(attribute.Int("relay.delivered", delivered))
	c.logger.Debug(logging.WebSocket, logging.Dispatch, "envelope dispatched", map[logging.ExtraKey]any{
		logging.EnvelopeID: env.ID,
		"Delivered":        delivered,
	})
	return nil
}

func (c *Core) dispatchUser(env *domain.Envelope) (int, error) {
	if env.User == nil {
		return 0, fmt.Errorf("%w: missing user body", domain.ErrMalformedEnvelope)
	}
	roomID := contracts.UserRoom(env.User.UserID)

	if env.User.Type == domain.UserTypePresence {
		p, err := env.Presence()
		if err != nil {
			return 0, err
		}
		return c.emitRoom(roomID, presenceFrame(p), nil), nil
	}

	event, ok := userEvents[env.User.Type]
	if !ok {
		return 0, fmt.Errorf("%w: unknown user message type %q", domain.ErrMalformedEnvelope, env.User.Type)
	}
	return c.emitRoom(roomID, NewFrame(event, env.User.Payload), nil), nil
}

func (c *Core) dispatchRoom(env *domain.Envelope) (int, error) {
	if env.Room == nil {
		return 0, fmt.Errorf("%w: missing room body", domain.ErrMalformedEnvelope)
	}

	event, ok := roomEvents[env.Room.Payload.Type]
	if !ok {
		return 0, fmt.Errorf("%w: unknown room event %q", domain.ErrMalformedEnvelope, env.Room.Payload.Type)
	}

	var skip func(*Client) bool
	if env.Room.Payload.Type == domain.RoomEventTyping {
		var typing domain.TypingPayload
		if err := json.Unmarshal(env.Room.Payload.Data, &typing); err != nil {
			return 0, fmt.Errorf("%w: typing payload: %v", domain.ErrMalformedEnvelope, err)
		}
		skip = func(cl *Client) bool { return cl.UserID == typing.UserID }
	}

	return c.emitRoom(env.Room.RoomID, NewFrame(event, env.Room.Payload.Data), skip), nil
}

func (c *Core) dispatchBroadcast(env *domain.Envelope) (int, error) {
	if env.Broadcast == nil {
		return 0, fmt.Errorf("%w: missing broadcast body", domain.ErrMalformedEnvelope)
	}

	switch env.Broadcast.Type {
	case domain.BroadcastPresenceUpdate:
		p, err := env.Presence()
		if err != nil {
			return 0, err
		}
		return c.emitAll(presenceFrame(p)), nil
	case domain.BroadcastServerAnnouncement:
		return c.emitAll(NewFrame(ServerAnnouncement, env.Broadcast.Payload)), nil
	default:
		return 0, fmt.Errorf("%w: unknown broadcast type %q", domain.ErrMalformedEnvelope, env.Broadcast.Type)
	}
}

func presenceFrame(p *domain.PresencePayload) *OutboundFrame {
	event := UserOffline
	if p.Action == domain.PresenceOnline {
		event = UserOnline
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return NewFrame(event, PresencePayload{
		UserID:    p.UserID,
		Timestamp: ts.Format(time.RFC3339),
	})
}
