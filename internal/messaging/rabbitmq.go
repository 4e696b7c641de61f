package messaging

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	storyChangesExchange     = "story_changes_exchange"
	storyChangesExchangeType = "fanout"
)

// ConnectRabbitMQ dials the broker, retrying while it starts up.
func ConnectRabbitMQ(url string, maxRetries int, retryDelay time.Duration, logger *zap.Logger) (*amqp.Connection, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			logger.Info("Connected to RabbitMQ", zap.Int("attempt", attempt))
			return conn, nil
		}
		lastErr = fmt.Errorf("dial rabbitmq (attempt %d/%d): %w", attempt, maxRetries, err)
		logger.Warn("RabbitMQ not ready, retrying...", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < maxRetries {
			time.Sleep(retryDelay)
		}
	}
	return nil, lastErr
}

func declareExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(
		storyChangesExchange,
		storyChangesExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}
