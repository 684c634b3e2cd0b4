package rabbitmq

import (
	"fmt"

	"github.com/streadway/amqp"
)

const (
	DeliveriesExchange = "deliveries"
	VideoRoutingKey    = "video"
)

type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// DeliveryQueues очереди, из которых бот забирает доставки.
func DeliveryQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: "deliveries.video", RoutingKey: VideoRoutingKey},
	}
}

// SetupChannel открывает канал, объявляет обменник доставок и привязывает к нему очереди.
func SetupChannel(conn *amqp.Connection, queues []QueueConfig) (*amqp.Channel, error) {
	const op = "rabbitmq.SetupChannel"

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	err = ch.ExchangeDeclare(
		DeliveriesExchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.QueueName, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("%s: failed to declare queue %s: %w", op, q.QueueName, err)
		}
		if err := ch.QueueBind(q.QueueName, q.RoutingKey, DeliveriesExchange, false, nil); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("%s: failed to bind queue %s with routing key %s: %w", op, q.QueueName, q.RoutingKey, err)
		}
	}

	return ch, nil
}
