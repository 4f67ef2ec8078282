package events

import (
	"context"

	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/messaging"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, env *domain.Envelope) error
}

type Consumer interface {
	StartConsuming(ctx context.Context, handler messaging.EnvelopeHandler) error
	StopConsuming() error
}

type EnvelopeConsumer struct {
	consumer   Consumer
	dispatcher Dispatcher
}

func NewEnvelopeConsumer(consumer Consumer, dispatcher Dispatcher) *EnvelopeConsumer {
	return &EnvelopeConsumer{
		consumer:   consumer,
		dispatcher: dispatcher,
	}
}

// Listen hands every consumed envelope to the dispatcher until ctx is done.
func (c *EnvelopeConsumer) Listen(ctx context.Context) error {
	return c.consumer.StartConsuming(ctx, c.dispatcher.Dispatch)
}

func (c *EnvelopeConsumer) Stop() error {
	return c.consumer.StopConsuming()
}
