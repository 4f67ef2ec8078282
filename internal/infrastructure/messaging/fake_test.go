package messaging

import (
	"context"
	"errors"
	"sync"

	"github.com/hilthontt/relay/internal/infrastructure/configs"
	"github.com/hilthontt/relay/internal/infrastructure/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

type declaredExchange struct {
	kind    string
	durable bool
}

type declaredQueue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  map[string]declaredExchange
	queues     []declaredQueue
	bindings   map[contracts.Binding]bool
	bindCalls  map[contracts.Binding]int
	published  []amqp.Publishing
	routes     []contracts.Binding
	deliveries chan amqp.Delivery
	consumers  []string
	cancelled  []string
	notify     []chan *amqp.Error
	closed     bool
	publishErr error
	consumeErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges:  make(map[string]declaredExchange),
		bindings:   make(map[contracts.Binding]bool),
		bindCalls:  make(map[contracts.Binding]int),
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges[name] = declaredExchange{kind: kind, durable: durable}
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, declaredQueue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive})
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	b := contracts.Binding{Exchange: exchange, Key: key}
	c.bindings[b] = true
	c.bindCalls[b]++
	return nil
}

func (c *fakeChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	delete(c.bindings, contracts.Binding{Exchange: exchange, Key: key})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	c.consumers = append(c.consumers, consumer)
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, consumer)
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, msg)
	c.routes = append(c.routes, contracts.Binding{Exchange: exchange, Key: key})
	return nil
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, ch)
	return ch
}

func (c *fakeChannel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeChannel) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, n := range c.notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	close(c.deliveries)
}

func (c *fakeChannel) hasBinding(b contracts.Binding) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindings[b]
}

func (c *fakeChannel) bindCount(b contracts.Binding) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindCalls[b]
}

func (c *fakeChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func (c *fakeChannel) consumerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.consumers)
}

type fakeConnection struct {
	mu     sync.Mutex
	ch     *fakeChannel
	notify []chan *amqp.Error
	closed bool
}

func (c *fakeConnection) Channel() (Channel, error) {
	return c.ch, nil
}

func (c *fakeConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, ch)
	return ch
}

func (c *fakeConnection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, n := range c.notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	c.mu.Unlock()

	c.ch.shutdown(reason)
}

// kill simulates the broker dropping the TCP connection.
func (c *fakeConnection) kill() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true})
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	calls int
	conns []*fakeConnection

	// consumeFailures makes Consume fail on the next n connections.
	consumeFailures int
}

func (d *fakeDialer) dial(configs.RabbitMQConfig) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail {
		return nil, errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")
	}
	conn := &fakeConnection{ch: newFakeChannel()}
	if d.consumeFailures > 0 {
		d.consumeFailures--
		conn.ch.consumeErr = errors.New("Exception (405) Reason: \"RESOURCE_LOCKED\"")
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) last() *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	nacked   []uint64
	requeued []bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeued = append(a.requeued, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (acked, nacked int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.nacked)
}
