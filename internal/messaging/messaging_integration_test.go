package messaging

import (
	"context"
	"testing"
	"time"

	"narrative-engine/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func TestChangeFanout(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	ctx := context.Background()
	logger := zap.NewNop()

	container, err := rabbitmq.Run(ctx,
		"rabbitmq:3-management-alpine",
		testcontainers.WithWaitStrategy(wait.ForLog("Server startup complete")),
	)
	if err != nil {
		t.Skipf("RabbitMQ container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)
	conn, err := ConnectRabbitMQ(url, 5, time.Second, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Два процесса - два консьюмера, каждый получает каждое изменение.
	received := [2]chan models.StoryChange{make(chan models.StoryChange, 1), make(chan models.StoryChange, 1)}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for i := range received {
		out := received[i]
		consumer, err := NewChangeConsumer(conn, func(c models.StoryChange) { out <- c }, logger)
		require.NoError(t, err)
		go func() { _ = consumer.Run(runCtx) }()
	}

	publisher, err := NewRabbitMQChangePublisher(conn, logger)
	require.NoError(t, err)
	defer publisher.Close()

	change := models.StoryChange{
		StoryID:  uuid.New(),
		Kind:     models.ChangeUpserted,
		Revision: 7,
		OwnerID:  uuid.New(),
		Public:   true,
	}
	require.NoError(t, publisher.PublishChange(ctx, change))

	for i, ch := range received {
		select {
		case got := <-ch:
			require.Equal(t, change.StoryID, got.StoryID, "consumer %d", i)
			require.Equal(t, int64(7), got.Revision)
			require.True(t, got.Public)
		case <-time.After(10 * time.Second):
			t.Fatalf("consumer %d did not receive the change", i)
		}
	}
}
