package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/configs"
	"github.com/hilthontt/relay/internal/infrastructure/contracts"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
	"github.com/hilthontt/relay/internal/infrastructure/metrics"
	"github.com/hilthontt/relay/internal/infrastructure/tracing"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrChannelNotReady = errors.New("channel not initialized")
	ErrBrokerClosed    = errors.New("broker closed")

	// ErrConsumerNotStarted means the connection came up but consumption did
	// not; a reconnect has already been scheduled.
	ErrConsumerNotStarted = errors.New("connected but consumer failed to start")
)

// EnvelopeHandler processes one consumed envelope. A non-nil error rejects
// the delivery without requeue.
type EnvelopeHandler func(ctx context.Context, env *domain.Envelope) error

type Option func(*Broker)

func WithDialer(dial DialFunc) Option {
	return func(b *Broker) {
		b.dial = dial
	}
}

func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(b *Broker) {
		b.newBackOff = newBackOff
	}
}

// Broker owns the single AMQP connection and channel of the process, the
// process queue named after the server id and every binding on it.
type Broker struct {
	cfg      configs.RabbitMQConfig
	serverID string
	logger   logging.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	dial       DialFunc
	newBackOff func() backoff.BackOff

	// mu guards the connection handles and the reconnect state.
	mu             sync.Mutex
	conn           Connection
	channel        Channel
	generation     uint64
	state          State
	closed         bool
	backoff        backoff.BackOff
	reconnectTimer *time.Timer
	handler        EnvelopeHandler
	consumeCtx     context.Context

	// bindingsMu is always taken before mu.
	bindingsMu sync.Mutex
	bindings   map[contracts.Binding]struct{}

	publishMu sync.Mutex
}

func NewBroker(cfg configs.RabbitMQConfig, serverID string, logger logging.Logger, m *metrics.Metrics, opts ...Option) *Broker {
	b := &Broker{
		cfg:      cfg,
		serverID: serverID,
		logger:   logger,
		metrics:  m,
		tracer:   tracing.GetTracer(tracing.TracerName),
		dial:     dialAMQP,
		bindings: make(map[contracts.Binding]struct{}),
		state:    StateDisconnected,
	}
	b.newBackOff = b.defaultBackOff

	for _, opt := range opts {
		opt(b)
	}

	b.backoff = b.newBackOff()
	m.BrokerState.Set(float64(StateDisconnected))

	return b
}

func (b *Broker) defaultBackOff() backoff.BackOff {
	if b.cfg.ReconnectStrategy == "exponential" {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = b.cfg.ReconnectDelay
		exp.MaxInterval = b.cfg.MaxReconnectDelay
		exp.MaxElapsedTime = 0
		exp.Reset()
		return exp
	}

	return backoff.NewConstantBackOff(b.cfg.ReconnectDelay)
}

func (b *Broker) ServerID() string {
	return b.serverID
}

// QueueName is the process queue. It is exclusive to this connection and is
// deleted by the broker when the process goes away.
func (b *Broker) QueueName() string {
	return b.serverID
}

func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Broker) IsConnected() bool {
	return b.State() == StateConnected
}

// Connect opens the connection, declares the topology and re-applies known
// bindings. Errors here are fatal for startup. ErrConsumerNotStarted is only
// possible when StartConsuming ran first.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.mu.Unlock()

	if err := b.establish(ctx); err != nil {
		return err
	}

	b.logger.Info(logging.RabbitMQ, logging.Connection, "connected to RabbitMQ", map[logging.ExtraKey]any{
		logging.ServerID: b.serverID,
	})
	return nil
}

func (b *Broker) establish(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := b.dial(b.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	if err := b.declareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	b.bindingsMu.Lock()
	defer b.bindingsMu.Unlock()

	for binding := range b.bindings {
		if err := ch.QueueBind(b.QueueName(), binding.Key, binding.Exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("failed to restore binding %s/%s: %w", binding.Exchange, binding.Key, err)
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return ErrBrokerClosed
	}

	b.generation++
	gen := b.generation
	b.conn = conn
	b.channel = ch
	b.backoff.Reset()
	b.setState(StateConnected)

	handler, consumeCtx := b.handler, b.consumeCtx
	if handler != nil && consumeCtx.Err() == nil {
		if err := b.startConsumer(consumeCtx, ch); err != nil {
			b.mu.Unlock()
			b.handleConnectionError(gen, &amqp.Error{Reason: err.Error()})
			return fmt.Errorf("%w: %w", ErrConsumerNotStarted, err)
		}
	}
	b.mu.Unlock()

	go b.watch(gen, connClosed)
	go b.watch(gen, chanClosed)

	return nil
}

func (b *Broker) declareTopology(ch Channel) error {
	exchanges := []struct {
		name    string
		kind    string
		durable bool
	}{
		{contracts.DirectExchange, amqp.ExchangeDirect, true},
		{contracts.TopicExchange, amqp.ExchangeTopic, true},
		{contracts.PresenceExchange, amqp.ExchangeFanout, false},
	}

	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(
			ex.name,    // name
			ex.kind,    // type
			ex.durable, // durable
			false,      // auto-deleted
			false,      // internal
			false,      // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex.name, err)
		}
	}

	q, err := ch.QueueDeclare(
		b.QueueName(), // name
		false,         // durable
		true,          // delete when unused
		true,          // exclusive
		false,         // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", b.QueueName(), err)
	}

	if err := ch.QueueBind(q.Name, "", contracts.PresenceExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue to %s: %w", contracts.PresenceExchange, err)
	}

	return nil
}

func (b *Broker) currentChannel() Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateConnected {
		return nil
	}
	return b.channel
}

// Publish sends one envelope. It fails fast with ErrChannelNotReady while the
// broker is not connected.
func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, env *domain.Envelope) error {
	ctx, span := b.tracer.Start(ctx, "rabbitmq.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination.name", exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		attribute.String("messaging.message.id", env.ID),
	)

	err := b.publish(ctx, exchange, routingKey, env)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	b.metrics.EnvelopesPublished.WithLabelValues(string(env.Kind), result).Inc()

	return err
}

func (b *Broker) publish(ctx context.Context, exchange, routingKey string, env *domain.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	ch := b.currentChannel()
	if ch == nil {
		return ErrChannelNotReady
	}

	if err := ch.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			Headers:      headers,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    env.Timestamp,
			MessageId:    env.ID,
			AppId:        b.serverID,
			Type:         string(env.Kind),
			Body:         body,
		},
	); err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", exchange, routingKey, err)
	}

	return nil
}

// Close stops consumption and closes channel and connection. It never
// reconnects afterwards.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.reconnectTimer != nil {
		b.reconnectTimer.Stop()
		b.reconnectTimer = nil
	}
	conn, ch := b.conn, b.channel
	hadConsumer := b.handler != nil
	b.conn, b.channel, b.handler = nil, nil, nil
	b.setState(StateDisconnected)
	b.mu.Unlock()

	var errs []error
	if ch != nil {
		if hadConsumer {
			if err := ch.Cancel(b.serverID, false); err != nil {
				errs = append(errs, fmt.Errorf("cancel consumer: %w", err))
			}
		}
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	for _, err := range errs {
		b.logger.Warn(logging.RabbitMQ, logging.Shutdown, "error while closing broker", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	return errors.Join(errs...)
}

func (b *Broker) setState(s State) {
	b.state = s
	b.metrics.BrokerState.Set(float64(s))
}
