package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/video-entitlements/internal/lib/sl"
	"github.com/magabrotheeeer/video-entitlements/internal/models"
)

// ConsumeDeliveries читает доставки из очереди и передаёт их handler.
// Сообщение подтверждается после успешной обработки, при ошибке возвращается в очередь.
// Нечитаемое сообщение отбрасывается.
func ConsumeDeliveries(ctx context.Context, ch *amqp.Channel, queueName string, log *slog.Logger,
	handler func(context.Context, models.Delivery) error) error {
	const op = "rabbitmq.ConsumeDeliveries"
	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	go func() {
		for {
			select {
			case msg, ok := <-deliveries:
				if !ok {
					return
				}
				handleDelivery(ctx, msg, log, handler)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func handleDelivery(ctx context.Context, msg amqp.Delivery, log *slog.Logger,
	handler func(context.Context, models.Delivery) error) {
	var d models.Delivery
	if err := json.Unmarshal(msg.Body, &d); err != nil {
		log.Error("dropping undecodable delivery", sl.Err(err))
		if err := msg.Nack(false, false); err != nil {
			log.Error("failed to nack message", sl.Err(err))
		}
		return
	}

	if err := handler(ctx, d); err != nil {
		log.Warn("delivery handler failed, requeueing",
			slog.String("user_id", d.UserID), slog.String("video_key", d.VideoKey), sl.Err(err))
		if err := msg.Nack(false, true); err != nil {
			log.Error("failed to nack message", sl.Err(err))
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		log.Error("failed to ack message", sl.Err(err))
	}
}
