package notifications

import (
	"context"
	"fmt"
	"log/slog"

	"inventory-tracker/internal/inventory/messaging"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	consumerTag   = "notifications-service"
	prefetchCount = 32
)

// Consumer reads committed inventory events from a durable queue bound to the
// events exchange, so nothing published while it is down is lost.
type Consumer struct {
	channel *amqp.Channel
	queue   string
	logger  *slog.Logger
	metrics Metrics
}

type Metrics struct {
	Processed *prometheus.CounterVec
	Rejected  prometheus.Counter
}

func NewConsumer(conn *amqp.Connection, exchange, queue string, logger *slog.Logger, metrics Metrics) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := messaging.DeclareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}

	_, err = ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %q: %w", queue, err)
	}

	if err := ch.QueueBind(queue, "", exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue %q to %q: %w", queue, exchange, err)
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return &Consumer{
		channel: ch,
		queue:   queue,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (c *Consumer) Listen(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		consumerTag,
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume queue %q: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}

			if err := c.handleMessage(&msg); err != nil {
				// undecodable events are dropped, not requeued
				c.logger.Error("handle message failed", "error", err, "message_id", msg.MessageId)
				c.metrics.Rejected.Inc()
				_ = msg.Nack(false, false)
				continue
			}

			_ = msg.Ack(false)
		}
	}
}

func (c *Consumer) handleMessage(msg *amqp.Delivery) error {
	ev, err := messaging.DecodeEvent(msg)
	if err != nil {
		return err
	}

	c.metrics.Processed.WithLabelValues(string(ev.UpdateType)).Inc()

	origin, _ := msg.Headers[messaging.OriginHeader].(string)
	c.logger.Info("inventory event",
		"update_type", ev.UpdateType,
		"product_id", ev.ProductID,
		"product_name", ev.ProductName,
		"quantity", ev.Quantity,
		"delta", ev.Delta,
		"version", ev.Version,
		"removed", ev.Removed,
		"origin_instance", origin,
		"timestamp", ev.Timestamp,
	)

	if ev.Quantity == 0 && !ev.Removed {
		c.logger.Warn("item out of stock", "product_id", ev.ProductID, "version", ev.Version)
	}

	return nil
}

func (c *Consumer) Close() error {
	return c.channel.Close()
}
