package messaging

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// headerCarrier lets otel propagators read and write AMQP headers.
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	v, ok := c[key].(string)
	if !ok {
		return ""
	}
	return v
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
