package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"inventory-tracker/internal/inventory"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	contentTypeJSON = "application/json"
	exchangeKind    = "fanout"

	// OriginHeader names the instance that committed the write.
	OriginHeader = "x-origin-instance"
)

// DeclareExchange declares the durable fanout exchange committed events are
// published on.
func DeclareExchange(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(
		exchange,
		exchangeKind,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return nil
}

// DecodeEvent parses a delivery body into an UpdateEvent.
func DecodeEvent(msg *amqp.Delivery) (inventory.UpdateEvent, error) {
	var ev inventory.UpdateEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		return inventory.UpdateEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if ev.ProductID == "" || ev.Version < 1 {
		return inventory.UpdateEvent{}, fmt.Errorf("event without product id or version: %w", inventory.ErrInvalidRequest)
	}
	return ev, nil
}

type RabbitPublisher struct {
	channel    *amqp.Channel
	exchange   string
	instanceID string
}

func NewRabbitPublisher(conn *amqp.Connection, exchange, instanceID string) (*RabbitPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := DeclareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return &RabbitPublisher{
		channel:    ch,
		exchange:   exchange,
		instanceID: instanceID,
	}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, ev inventory.UpdateEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.channel.PublishWithContext(
		ctx,
		p.exchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ProductID + ":" + strconv.FormatInt(ev.Version, 10),
			Timestamp:    ev.Timestamp,
			Type:         string(ev.UpdateType),
			Headers:      amqp.Table{OriginHeader: p.instanceID},
			Body:         payload,
		},
	); err != nil {
		return fmt.Errorf("publish to %q: %w", p.exchange, err)
	}

	return nil
}

func (p *RabbitPublisher) Close() error {
	return p.channel.Close()
}
