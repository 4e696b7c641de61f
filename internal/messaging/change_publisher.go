package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var _ interfaces.ChangePublisher = (*RabbitMQChangePublisher)(nil)

// RabbitMQChangePublisher рассылает уведомления об изменениях историй через fanout exchange.
type RabbitMQChangePublisher struct {
	mu     sync.Mutex // amqp.Channel не потокобезопасен для публикации
	ch     *amqp.Channel
	logger *zap.Logger
}

func NewRabbitMQChangePublisher(conn *amqp.Connection, logger *zap.Logger) (*RabbitMQChangePublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(ch); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange '%s': %w", storyChangesExchange, err)
	}
	logger.Info("Story change exchange declared", zap.String("exchange", storyChangesExchange))
	return &RabbitMQChangePublisher{
		ch:     ch,
		logger: logger.Named("ChangePublisher"),
	}, nil
}

func (p *RabbitMQChangePublisher) PublishChange(ctx context.Context, change models.StoryChange) error {
	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal story change: %w", err)
	}

	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx,
		storyChangesExchange,
		"", // routing key не используется для fanout
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	p.mu.Unlock()
	if err != nil {
		changesPublishedTotal.WithLabelValues("error").Inc()
		p.logger.Error("Failed to publish story change", zap.Stringer("storyID", change.StoryID), zap.Error(err))
		return fmt.Errorf("publish story change: %w", err)
	}
	changesPublishedTotal.WithLabelValues("ok").Inc()
	p.logger.Debug("Story change published",
		zap.Stringer("storyID", change.StoryID),
		zap.String("kind", string(change.Kind)),
		zap.Int64("revision", change.Revision),
	)
	return nil
}

func (p *RabbitMQChangePublisher) Close() error {
	if p.ch != nil {
		return p.ch.Close()
	}
	return nil
}
