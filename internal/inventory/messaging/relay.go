package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"inventory-tracker/internal/inventory"

	amqp "github.com/rabbitmq/amqp091-go"
)

const relayConsumerPrefix = "inventory-relay-"

type Broadcaster interface {
	Publish(topic string, ev inventory.UpdateEvent) int
}

// Relay feeds events committed by other instances into the local hub. Each
// instance consumes from its own exclusive queue bound to the exchange.
type Relay struct {
	channel    *amqp.Channel
	queue      string
	instanceID string
	hub        Broadcaster
	logger     *slog.Logger
}

func NewRelay(conn *amqp.Connection, exchange, instanceID string, hub Broadcaster, logger *slog.Logger) (*Relay, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := DeclareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}

	q, err := ch.QueueDeclare(
		"",
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare relay queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind relay queue to %q: %w", exchange, err)
	}

	return &Relay{
		channel:    ch,
		queue:      q.Name,
		instanceID: instanceID,
		hub:        hub,
		logger:     logger,
	}, nil
}

func (r *Relay) Listen(ctx context.Context) error {
	msgs, err := r.channel.Consume(
		r.queue,
		relayConsumerPrefix+r.instanceID,
		false, // manual ack
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume queue %q: %w", r.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}

			if err := r.handleMessage(&msg); err != nil {
				r.logger.Error("relay message dropped", "error", err)
				_ = msg.Nack(false, false)
				continue
			}

			_ = msg.Ack(false)
		}
	}
}

func (r *Relay) handleMessage(msg *amqp.Delivery) error {
	if origin, _ := msg.Headers[OriginHeader].(string); origin == r.instanceID {
		return nil
	}

	ev, err := DecodeEvent(msg)
	if err != nil {
		return err
	}

	for _, topic := range inventory.Topics(ev.ProductID) {
		r.hub.Publish(topic, ev)
	}
	return nil
}

func (r *Relay) Close() error {
	return r.channel.Close()
}
