package messaging

import (
	"context"
	"fmt"

	"github.com/hilthontt/relay/internal/infrastructure/contracts"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
)

// BindUser routes the user's direct, notification and match keys to the
// process queue. Binding an already bound user is a no-op.
func (b *Broker) BindUser(ctx context.Context, userID string) error {
	return b.bind(ctx, contracts.UserBindings(userID)...)
}

func (b *Broker) UnbindUser(ctx context.Context, userID string) error {
	return b.unbind(ctx, contracts.UserBindings(userID)...)
}

func (b *Broker) BindRoom(ctx context.Context, roomID string) error {
	return b.bind(ctx, contracts.RoomBinding(roomID))
}

func (b *Broker) UnbindRoom(ctx context.Context, roomID string) error {
	return b.unbind(ctx, contracts.RoomBinding(roomID))
}

// Bindings returns a snapshot of the binding set.
func (b *Broker) Bindings() []contracts.Binding {
	b.bindingsMu.Lock()
	defer b.bindingsMu.Unlock()

	out := make([]contracts.Binding, 0, len(b.bindings))
	for binding := range b.bindings {
		out = append(out, binding)
	}
	return out
}

// bind records the bindings and applies them when connected. While
// disconnected they are applied by the next reconnect.
func (b *Broker) bind(ctx context.Context, bindings ...contracts.Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.bindingsMu.Lock()
	defer b.bindingsMu.Unlock()

	ch := b.currentChannel()
	for _, binding := range bindings {
		if _, ok := b.bindings[binding]; ok {
			continue
		}
		b.bindings[binding] = struct{}{}

		if ch == nil {
			continue
		}
		if err := ch.QueueBind(b.QueueName(), binding.Key, binding.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s/%s: %w", binding.Exchange, binding.Key, err)
		}
		b.logger.Debug(logging.RabbitMQ, logging.Topology, "bound routing key", map[logging.ExtraKey]any{
			logging.Exchange:   binding.Exchange,
			logging.RoutingKey: binding.Key,
		})
	}

	return nil
}

func (b *Broker) unbind(ctx context.Context, bindings ...contracts.Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.bindingsMu.Lock()
	defer b.bindingsMu.Unlock()

	ch := b.currentChannel()
	for _, binding := range bindings {
		if _, ok := b.bindings[binding]; !ok {
			continue
		}
		delete(b.bindings, binding)

		if ch == nil {
			continue
		}
		if err := ch.QueueUnbind(b.QueueName(), binding.Key, binding.Exchange, nil); err != nil {
			return fmt.Errorf("failed to unbind %s/%s: %w", binding.Exchange, binding.Key, err)
		}
		b.logger.Debug(logging.RabbitMQ, logging.Topology, "unbound routing key", map[logging.ExtraKey]any{
			logging.Exchange:   binding.Exchange,
			logging.RoutingKey: binding.Key,
		})
	}

	return nil
}
