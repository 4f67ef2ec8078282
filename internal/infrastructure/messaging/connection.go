package messaging

import (
	"context"

	"github.com/hilthontt/relay/internal/infrastructure/configs"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the broker uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection the broker uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

type DialFunc func(cfg configs.RabbitMQConfig) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(cfg configs.RabbitMQConfig) (Connection, error) {
	conn, err := amqp.DialConfig(cfg.URI(), amqp.Config{
		Vhost:     cfg.VHost,
		Heartbeat: cfg.Heartbeat,
		Dial:      amqp.DefaultDial(cfg.ConnectionTimeout),
	})
	if err != nil {
		return nil, err
	}

	return amqpConnection{Connection: conn}, nil
}
