package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/video-entitlements/internal/metrics"
	"github.com/magabrotheeeer/video-entitlements/internal/models"
)

// Publisher отправляет доставки в обменник. Публикации в один канал сериализуются.
type Publisher struct {
	mu         sync.Mutex
	ch         *amqp.Channel
	exchange   string
	routingKey string
	metrics    *metrics.Metrics
}

// NewPublisher создаёт издателя доставок. m может быть nil.
func NewPublisher(ch *amqp.Channel, m *metrics.Metrics) *Publisher {
	return &Publisher{
		ch:         ch,
		exchange:   DeliveriesExchange,
		routingKey: VideoRoutingKey,
		metrics:    m,
	}
}

// Deliver публикует сообщение о доставке.
func (p *Publisher) Deliver(ctx context.Context, d models.Delivery) error {
	const op = "rabbitmq.Deliver"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	p.mu.Lock()
	err := PublishMessage(p.ch, p.exchange, p.routingKey, d)
	p.mu.Unlock()
	p.metrics.Published(err)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Close закрывает канал публикации.
func (p *Publisher) Close() error {
	return p.ch.Close()
}

// PublishMessage публикует сообщение в формате JSON с постоянной доставкой.
func PublishMessage(ch *amqp.Channel, exchange string, routingKey string, message any) error {
	const op = "rabbitmq.PublishMessage"
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = ch.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
