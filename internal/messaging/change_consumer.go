package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ChangeConsumer receives story changes from every process on a private,
// auto-deleted queue bound to the fanout exchange.
type ChangeConsumer struct {
	ch          *amqp.Channel
	queueName   string
	consumerTag string
	handler     interfaces.ChangeHandler
	logger      *zap.Logger
}

func NewChangeConsumer(conn *amqp.Connection, handler interfaces.ChangeHandler, logger *zap.Logger) (*ChangeConsumer, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("change handler is nil")
	}
	consumerTag := fmt.Sprintf("story_change_consumer_%d", time.Now().UnixNano())
	c := &ChangeConsumer{
		consumerTag: consumerTag,
		handler:     handler,
		logger:      logger.Named("ChangeConsumer").With(zap.String("consumerTag", consumerTag)),
	}

	var err error
	c.ch, err = conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(c.ch); err != nil {
		_ = c.ch.Close()
		return nil, fmt.Errorf("declare exchange '%s': %w", storyChangesExchange, err)
	}

	// Временная эксклюзивная очередь, имя выдает брокер.
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = c.ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	c.queueName = q.Name

	if err := c.ch.QueueBind(c.queueName, "", storyChangesExchange, false, nil); err != nil {
		_ = c.ch.Close()
		return nil, fmt.Errorf("bind queue '%s': %w", c.queueName, err)
	}
	if err := c.ch.Qos(32, 0, false); err != nil {
		_ = c.ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	c.logger.Info("Story change consumer ready", zap.String("queue", c.queueName))
	return c, nil
}

// Run consumes until ctx is done or the channel closes.
func (c *ChangeConsumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queueName, c.consumerTag, false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			if err := c.ch.Cancel(c.consumerTag, false); err != nil {
				c.logger.Warn("Failed to cancel consumer", zap.Error(err))
			}
			c.logger.Info("Story change consumer stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("Delivery channel closed")
				return nil
			}
			c.handle(d)
		}
	}
}

func (c *ChangeConsumer) handle(d amqp.Delivery) {
	var change models.StoryChange
	if err := json.Unmarshal(d.Body, &change); err != nil {
		changesConsumedTotal.WithLabelValues("malformed").Inc()
		c.logger.Error("Malformed story change dropped", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	c.handler(change)
	changesConsumedTotal.WithLabelValues("ok").Inc()
	if err := d.Ack(false); err != nil {
		c.logger.Error("Failed to ack story change", zap.Error(err))
	}
}

func (c *ChangeConsumer) Close() error {
	return c.ch.Close()
}
