package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/configs"
	"github.com/hilthontt/relay/internal/infrastructure/contracts"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
	"github.com/hilthontt/relay/internal/infrastructure/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testServerID = "relay-test"

func newTestBroker(t *testing.T) (*Broker, *fakeDialer) {
	t.Helper()

	dialer := &fakeDialer{}
	b := NewBroker(
		configs.RabbitMQConfig{Prefetch: 10, ReconnectDelay: 10 * time.Millisecond},
		testServerID,
		logging.NewNopLogger(),
		metrics.New(),
		WithDialer(dialer.dial),
		WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }),
	)
	t.Cleanup(func() { _ = b.Close() })

	return b, dialer
}

func TestConnectDeclaresTopology(t *testing.T) {
	b, dialer := newTestBroker(t)
	require.NoError(t, b.Connect(context.Background()))

	ch := dialer.last().ch
	assert.Equal(t, declaredExchange{kind: amqp.ExchangeDirect, durable: true}, ch.exchanges[contracts.DirectExchange])
	assert.Equal(t, declaredExchange{kind: amqp.ExchangeTopic, durable: true}, ch.exchanges[contracts.TopicExchange])
	assert.Equal(t, declaredExchange{kind: amqp.ExchangeFanout, durable: false}, ch.exchanges[contracts.PresenceExchange])

	require.Len(t, ch.queues, 1)
	assert.Equal(t, declaredQueue{name: testServerID, durable: false, autoDelete: true, exclusive: true}, ch.queues[0])
	assert.True(t, ch.hasBinding(contracts.Binding{Exchange: contracts.PresenceExchange, Key: ""}))
	assert.Equal(t, StateConnected, b.State())
}

func TestConnectFailureIsReturned(t *testing.T) {
	b, dialer := newTestBroker(t)
	dialer.setFail(true)

	err := b.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, b.State())
}

func TestPublishFailsFastWhenDisconnected(t *testing.T) {
	b, _ := newTestBroker(t)

	env, err := domain.NewUserEnvelope(testServerID, "u1", domain.UserTypeMessage, nil)
	require.NoError(t, err)

	err = b.Publish(context.Background(), contracts.DirectExchange, "user.u1", env)
	assert.ErrorIs(t, err, ErrChannelNotReady)
	assert.EqualError(t, err, "channel not initialized")
}

func TestPublishSetsProperties(t *testing.T) {
	b, dialer := newTestBroker(t)
	require.NoError(t, b.Connect(context.Background()))

	env, err := domain.NewUserEnvelope(testServerID, "u1", domain.UserTypeNotification, map[string]string{"id": "n1"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), contracts.TopicExchange, "notification.u1", env))

	ch := dialer.last().ch
	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, env.ID, msg.MessageId)
	assert.Equal(t, testServerID, msg.AppId)
	assert.Equal(t, contracts.Binding{Exchange: contracts.TopicExchange, Key: "notification.u1"}, ch.routes[0])

	decoded, err := domain.DecodeEnvelope(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
}

func TestBindUserIsIdempotent(t *testing.T) {
	b, dialer := newTestBroker(t)
	require.NoError(t, b.Connect(context.Background()))
	ctx := context.Background()

	require.NoError(t, b.BindUser(ctx, "u1"))
	require.NoError(t, b.BindUser(ctx, "u1"))
	require.NoError(t, b.UnbindUser(ctx, "u1"))

	ch := dialer.last().ch
	for _, binding := range contracts.UserBindings("u1") {
		assert.False(t, ch.hasBinding(binding), binding.Key)
		assert.Equal(t, 1, ch.bindCount(binding), binding.Key)
	}
	assert.Empty(t, b.Bindings())
}

func TestBindRoom(t *testing.T) {
	b, dialer := newTestBroker(t)
	require.NoError(t, b.Connect(context.Background()))

	require.NoError(t, b.BindRoom(context.Background(), "conversation:1"))
	assert.True(t, dialer.last().ch.hasBinding(contracts.RoomBinding("conversation:1")))

	require.NoError(t, b.UnbindRoom(context.Background(), "conversation:1"))
	assert.False(t, dialer.last().ch.hasBinding(contracts.RoomBinding("conversation:1")))
}

func delivery(t *testing.T, ack amqp.Acknowledger, tag uint64, env *domain.Envelope) amqp.Delivery {
	t.Helper()
	body, err := env.Encode()
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}

func TestConsumerSkipsSelfOrigin(t *testing.T) {
	b, dialer := newTestBroker(t)
	require.NoError(t, b.Connect(context.Background()))

	var mu sync.Mutex
	var handled []string
	require.NoError(t, b.StartConsuming(context.Background(), func(ctx context.Context, env *domain.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, env.ServerID)
		return nil
	}))

	own, err := domain.NewPresenceEnvelope(testServerID, "u1", domain.PresenceOnline)
	require.NoError(t, err)
	foreign, err := domain.NewPresenceEnvelope("relay-other", "u2", domain.PresenceOnline)
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	ch := dialer.last().ch
	ch.deliveries <- delivery(t, ack, 1, own)
	ch.deliveries <- delivery(t, ack, 2, foreign)

	assert.Eventually(t, func() bool {
		acked, _ := ack.counts()
		return acked == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"relay-other"}, handled)
}

func TestConsumerRejectsWithoutRequeue(t *testing.T) {
	b, dialer := newTestBroker(t)
	require.NoError(t, b.Connect(context.Background()))

	require.NoError(t, b.StartConsuming(context.Background(), func(ctx context.Context, env *domain.Envelope) error {
		switch env.Broadcast.Type {
		case domain.BroadcastServerAnnouncement:
			panic("boom")
		default:
			return errors.New("handler failed")
		}
	}))

	failing, err := domain.NewPresenceEnvelope("relay-other", "u1", domain.PresenceOnline)
	require.NoError(t, err)
	panicking, err := domain.NewBroadcastEnvelope("relay-other", domain.BroadcastServerAnnouncement, nil)
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	ch := dialer.last().ch
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"kind":"nope"}`)}
	ch.deliveries <- delivery(t, ack, 2, failing)
	ch.deliveries <- delivery(t, ack, 3, panicking)

	assert.Eventually(t, func() bool {
		_, nacked := ack.counts()
		return nacked == 3
	}, time.Second, 5*time.Millisecond)

	ack.mu.Lock()
	defer ack.mu.Unlock()
	assert.Empty(t, ack.acked)
	assert.Equal(t, []bool{false, false, false}, ack.requeued)
}

func TestStartConsumingTwice(t *testing.T) {
	b, _ := newTestBroker(t)
	require.NoError(t, b.Connect(context.Background()))

	handler := func(context.Context, *domain.Envelope) error { return nil }
	require.NoError(t, b.StartConsuming(context.Background(), handler))
	assert.ErrorIs(t, b.StartConsuming(context.Background(), handler), ErrAlreadyConsuming)

	require.NoError(t, b.StopConsuming())
	require.NoError(t, b.StartConsuming(context.Background(), handler))
}

func TestReconnectRestoresBindingsAndConsumer(t *testing.T) {
	b, dialer := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))

	require.NoError(t, b.BindUser(ctx, "u1"))
	require.NoError(t, b.BindRoom(ctx, "conversation:7"))

	handled := make(chan string, 1)
	require.NoError(t, b.StartConsuming(ctx, func(ctx context.Context, env *domain.Envelope) error {
		handled <- env.ID
		return nil
	}))

	first := dialer.last()
	dialer.setFail(true)
	first.kill()

	require.Eventually(t, func() bool {
		return b.State() == StateReconnecting
	}, time.Second, 2*time.Millisecond)

	env, err := domain.NewUserEnvelope(testServerID, "u1", domain.UserTypeMessage, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Publish(ctx, contracts.DirectExchange, "user.u1", env), ErrChannelNotReady)

	// Joins while the broker is down are applied on reconnect.
	require.NoError(t, b.BindUser(ctx, "u2"))

	dialer.setFail(false)
	require.Eventually(t, func() bool {
		return b.State() == StateConnected
	}, time.Second, 2*time.Millisecond)

	second := dialer.last()
	require.NotSame(t, first, second)
	for _, binding := range append(contracts.UserBindings("u1"), contracts.UserBindings("u2")...) {
		assert.True(t, second.ch.hasBinding(binding), binding.Key)
	}
	assert.True(t, second.ch.hasBinding(contracts.RoomBinding("conversation:7")))
	assert.True(t, second.ch.hasBinding(contracts.Binding{Exchange: contracts.PresenceExchange}))
	assert.Equal(t, 1, second.ch.consumerCount())

	require.NoError(t, b.Publish(ctx, contracts.DirectExchange, "user.u1", env))
	assert.Equal(t, 1, second.ch.publishedCount())

	foreign, err := domain.NewUserEnvelope("relay-other", "u1", domain.UserTypeMessage, nil)
	require.NoError(t, err)
	second.ch.deliveries <- delivery(t, &fakeAcknowledger{}, 1, foreign)

	select {
	case id := <-handled:
		assert.Equal(t, foreign.ID, id)
	case <-time.After(time.Second):
		t.Fatal("consumer did not resume after reconnect")
	}
}

func TestConsumerStartFailureIsReported(t *testing.T) {
	b, dialer := newTestBroker(t)
	ctx := context.Background()
	dialer.consumeFailures = 1

	require.NoError(t, b.StartConsuming(ctx, func(context.Context, *domain.Envelope) error { return nil }))

	err := b.Connect(ctx)
	require.ErrorIs(t, err, ErrConsumerNotStarted)

	// The scheduled retry brings the consumer up on a fresh connection.
	require.Eventually(t, func() bool {
		return b.State() == StateConnected && dialer.connCount() == 2
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, dialer.last().ch.consumerCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.BrokerReconnects))
}

func TestReconnectWithoutConsumerIsNotCounted(t *testing.T) {
	b, dialer := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, b.StartConsuming(ctx, func(context.Context, *domain.Envelope) error { return nil }))

	dialer.mu.Lock()
	dialer.consumeFailures = 1
	dialer.mu.Unlock()
	dialer.last().kill()

	require.Eventually(t, func() bool {
		return b.State() == StateConnected && dialer.connCount() == 3
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, dialer.last().ch.consumerCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.BrokerReconnects))
}

func TestConnectionAndChannelCloseTriggerOneReconnect(t *testing.T) {
	b, dialer := newTestBroker(t)
	require.NoError(t, b.Connect(context.Background()))

	dialer.last().kill()

	require.Eventually(t, func() bool {
		return b.State() == StateConnected && dialer.connCount() == 2
	}, time.Second, 2*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, dialer.connCount())
	assert.Equal(t, StateConnected, b.State())
}

func TestCloseStopsReconnecting(t *testing.T) {
	b, dialer := newTestBroker(t)
	require.NoError(t, b.Connect(context.Background()))
	require.NoError(t, b.StartConsuming(context.Background(), func(context.Context, *domain.Envelope) error { return nil }))

	conn := dialer.last()
	require.NoError(t, b.Close())
	assert.True(t, conn.IsClosed())
	assert.Equal(t, []string{testServerID}, conn.ch.cancelled)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dialer.connCount())
	assert.Equal(t, StateDisconnected, b.State())
	assert.ErrorIs(t, b.Connect(context.Background()), ErrBrokerClosed)
}

func TestHeaderCarrier(t *testing.T) {
	headers := amqp.Table{}
	c := headerCarrier(headers)
	c.Set("traceparent", "00-abc")

	assert.Equal(t, "00-abc", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("missing"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
