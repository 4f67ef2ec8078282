package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrAlreadyConsuming = errors.New("consumer already started")

// StartConsuming registers the handler for the process queue. The handler is
// kept across reconnects; if the broker is not connected yet, consumption
// starts with the next successful connection.
func (b *Broker) StartConsuming(ctx context.Context, handler EnvelopeHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if b.handler != nil {
		return ErrAlreadyConsuming
	}

	b.handler, b.consumeCtx = handler, ctx

	if b.state != StateConnected {
		return nil
	}

	if err := b.startConsumer(ctx, b.channel); err != nil {
		b.handler, b.consumeCtx = nil, nil
		return err
	}

	return nil
}

func (b *Broker) StopConsuming() error {
	b.mu.Lock()
	ch := b.channel
	hadConsumer := b.handler != nil
	connected := b.state == StateConnected
	b.handler, b.consumeCtx = nil, nil
	b.mu.Unlock()

	if !hadConsumer || !connected || ch == nil {
		return nil
	}

	if err := ch.Cancel(b.serverID, false); err != nil {
		return fmt.Errorf("failed to cancel consumer: %w", err)
	}
	return nil
}

// startConsumer must be called with mu held.
func (b *Broker) startConsumer(ctx context.Context, ch Channel) error {
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		b.QueueName(), // queue
		b.serverID,    // consumer
		false,         // auto-ack
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", b.QueueName(), err)
	}

	go b.consumeLoop(ctx, deliveries, b.handler)

	b.logger.Info(logging.RabbitMQ, logging.Consume, "consuming process queue", map[logging.ExtraKey]any{
		logging.ServerID: b.serverID,
	})
	return nil
}

func (b *Broker) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery, handler EnvelopeHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			b.handleDelivery(ctx, handler, d)
		}
	}
}

func (b *Broker) handleDelivery(ctx context.Context, handler EnvelopeHandler, d amqp.Delivery) {
	env, err := domain.DecodeEnvelope(d.Body)
	if err != nil {
		b.logger.Warn(logging.RabbitMQ, logging.Consume, "discarding malformed envelope", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
			logging.RoutingKey:   d.RoutingKey,
		})
		b.metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		b.settle(d, false)
		return
	}

	if env.ServerID == b.serverID {
		b.metrics.EnvelopesDropped.WithLabelValues("self_origin").Inc()
		b.settle(d, true)
		return
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
	ctx, span := b.tracer.Start(ctx, "rabbitmq.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.message.id", env.ID),
		attribute.String("relay.envelope.kind", string(env.Kind)),
	)

	if err := invoke(ctx, handler, env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Error(logging.RabbitMQ, logging.Consume, "envelope handler failed", map[logging.ExtraKey]any{
			logging.EnvelopeID:   env.ID,
			logging.ErrorMessage: err.Error(),
		})
		b.metrics.EnvelopesDropped.WithLabelValues("handler_error").Inc()
		b.settle(d, false)
		return
	}

	b.metrics.EnvelopesConsumed.WithLabelValues(string(env.Kind)).Inc()
	b.settle(d, true)
}

func invoke(ctx context.Context, handler EnvelopeHandler, env *domain.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("envelope handler panicked: %v", r)
		}
	}()

	return handler(ctx, env)
}

// settle acks or rejects without requeue. Rejected deliveries are not
// redelivered to avoid poison message loops.
func (b *Broker) settle(d amqp.Delivery, ack bool) {
	var err error
	if ack {
		err = d.Ack(false)
	} else {
		err = d.Nack(false, false)
	}

	if err != nil {
		b.logger.Warn(logging.RabbitMQ, logging.Consume, "failed to settle delivery", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}
}
