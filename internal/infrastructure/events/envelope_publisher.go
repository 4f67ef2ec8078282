package events

import (
	"context"

	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/contracts"
)

// Broker is what the publisher needs from messaging.Broker.
type Broker interface {
	ServerID() string
	Publish(ctx context.Context, exchange, routingKey string, env *domain.Envelope) error
}

type EnvelopePublisher struct {
	broker Broker
}

func NewEnvelopePublisher(broker Broker) *EnvelopePublisher {
	return &EnvelopePublisher{
		broker: broker,
	}
}

func (p *EnvelopePublisher) ServerID() string {
	return p.broker.ServerID()
}

// Publish routes the envelope by its kind and target.
func (p *EnvelopePublisher) Publish(ctx context.Context, env *domain.Envelope) error {
	exchange, key := contracts.RoutingFor(env)
	return p.broker.Publish(ctx, exchange, key, env)
}

func (p *EnvelopePublisher) PublishToUser(ctx context.Context, userID string, msgType domain.UserMessageType, payload any) error {
	env, err := domain.NewUserEnvelope(p.broker.ServerID(), userID, msgType, payload)
	if err != nil {
		return err
	}

	return p.Publish(ctx, env)
}

func (p *EnvelopePublisher) PublishToRoom(ctx context.Context, roomID string, eventType domain.RoomEventType, data any) error {
	env, err := domain.NewRoomEnvelope(p.broker.ServerID(), roomID, eventType, data)
	if err != nil {
		return err
	}

	return p.Publish(ctx, env)
}

func (p *EnvelopePublisher) PublishPresence(ctx context.Context, userID string, action domain.PresenceAction) error {
	env, err := domain.NewPresenceEnvelope(p.broker.ServerID(), userID, action)
	if err != nil {
		return err
	}

	return p.Publish(ctx, env)
}

func (p *EnvelopePublisher) PublishAnnouncement(ctx context.Context, payload any) error {
	env, err := domain.NewBroadcastEnvelope(p.broker.ServerID(), domain.BroadcastServerAnnouncement, payload)
	if err != nil {
		return err
	}

	return p.Publish(ctx, env)
}
