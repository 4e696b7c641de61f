package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AccountFactory builds the initial state of an account that was never stored.
type AccountFactory func(id uuid.UUID, now time.Time) *models.Account

const maxAccountTxRetries = 10

var _ interfaces.AccountRepository = (*redisAccountRepository)(nil)

type redisAccountRepository struct {
	client  *redis.Client
	factory AccountFactory
	now     func() time.Time
	logger  *zap.Logger
}

// NewRedisAccountRepository stores each account as one JSON value under
// account:{id}. Updates use WATCH/MULTI and are retried on contention.
func NewRedisAccountRepository(client *redis.Client, factory AccountFactory, logger *zap.Logger) interfaces.AccountRepository {
	return &redisAccountRepository{
		client:  client,
		factory: factory,
		now:     time.Now,
		logger:  logger.Named("RedisAccountRepo"),
	}
}

func accountKey(id uuid.UUID) string {
	return fmt.Sprintf("account:%s", id)
}

func (r *redisAccountRepository) Get(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return r.load(ctx, r.client, id)
}

// load reads through any client or transaction.
func (r *redisAccountRepository) load(ctx context.Context, c redis.Cmdable, id uuid.UUID) (*models.Account, error) {
	data, err := c.Get(ctx, accountKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return r.factory(id, r.now()), nil
	}
	if err != nil {
		r.logger.Error("Failed to read account", zap.Stringer("accountID", id), zap.Error(err))
		return nil, fmt.Errorf("read account %s: %w", id, err)
	}
	var acc models.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", id, err)
	}
	return &acc, nil
}

func (r *redisAccountRepository) Update(ctx context.Context, id uuid.UUID, fn func(acc *models.Account) error) (*models.Account, error) {
	key := accountKey(id)
	log := r.logger.With(zap.Stringer("accountID", id))

	for attempt := 1; attempt <= maxAccountTxRetries; attempt++ {
		var (
			result *models.Account
			fnErr  error
		)
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			acc, err := r.load(ctx, tx, id)
			if err != nil {
				return err
			}
			if fnErr = fn(acc); fnErr != nil {
				return fnErr
			}
			acc.UpdatedAt = r.now().UTC()
			data, err := json.Marshal(acc)
			if err != nil {
				return fmt.Errorf("encode account %s: %w", id, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			result = acc
			return err
		}, key)

		switch {
		case fnErr != nil:
			return nil, fnErr
		case err == nil:
			return result, nil
		case errors.Is(err, redis.TxFailedErr):
			log.Debug("Account changed concurrently, retrying", zap.Int("attempt", attempt))
			continue
		default:
			log.Error("Account update failed", zap.Error(err))
			return nil, fmt.Errorf("update account %s: %w", id, err)
		}
	}
	return nil, fmt.Errorf("update account %s: too much contention after %d attempts", id, maxAccountTxRetries)
}
