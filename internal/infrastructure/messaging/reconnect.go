package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
	amqp "github.com/rabbitmq/amqp091-go"
)

func (b *Broker) watch(gen uint64, closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed
	if !ok {
		amqpErr = nil
	}
	b.handleConnectionError(gen, amqpErr)
}

// handleConnectionError is the single entry for connection and channel
// failures. Notifications from an older connection or arriving while a
// reconnect is already pending are ignored.
func (b *Broker) handleConnectionError(gen uint64, amqpErr *amqp.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || gen != b.generation {
		return
	}
	if b.state == StateErrorDetected || b.state == StateReconnecting {
		return
	}

	b.setState(StateErrorDetected)

	reason := "connection closed"
	if amqpErr != nil {
		reason = amqpErr.Error()
	}
	b.logger.Error(logging.RabbitMQ, logging.Connection, "RabbitMQ connection lost", map[logging.ExtraKey]any{
		logging.ServerID:     b.serverID,
		logging.ErrorMessage: reason,
	})

	conn := b.conn
	b.conn, b.channel = nil, nil
	if conn != nil && !conn.IsClosed() {
		go func() { _ = conn.Close() }()
	}

	b.scheduleReconnectLocked()
}

func (b *Broker) scheduleReconnectLocked() {
	b.setState(StateReconnecting)

	delay := b.backoff.NextBackOff()
	if delay == backoff.Stop {
		b.backoff.Reset()
		delay = b.backoff.NextBackOff()
	}

	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
	}
	b.reconnectTimer = time.AfterFunc(delay, b.reconnect)

	b.logger.Info(logging.RabbitMQ, logging.Reconnect, "scheduling RabbitMQ reconnect", map[logging.ExtraKey]any{
		logging.Delay: delay.String(),
	})
}

func (b *Broker) reconnect() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.reconnectTimer = nil
	b.mu.Unlock()

	if err := b.establish(context.Background()); err != nil {
		if errors.Is(err, ErrConsumerNotStarted) {
			b.logger.Warn(logging.RabbitMQ, logging.Reconnect, "RabbitMQ reconnected without a consumer", map[logging.ExtraKey]any{
				logging.ErrorMessage: err.Error(),
			})
			return
		}

		b.logger.Warn(logging.RabbitMQ, logging.Reconnect, "RabbitMQ reconnect attempt failed", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})

		b.mu.Lock()
		if !b.closed {
			b.scheduleReconnectLocked()
		}
		b.mu.Unlock()
		return
	}

	b.metrics.BrokerReconnects.Inc()
	b.logger.Info(logging.RabbitMQ, logging.Reconnect, "reconnected to RabbitMQ", map[logging.ExtraKey]any{
		logging.ServerID: b.serverID,
	})
}
