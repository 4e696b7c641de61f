package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Connect создает пул соединений и ждет, пока база станет доступна.
func Connect(ctx context.Context, dsn string, maxConns int32, maxRetries int, retryDelay time.Duration, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				logger.Info("Connected to PostgreSQL", zap.Int("attempt", attempt), zap.Int32("maxConns", poolCfg.MaxConns))
				return pool, nil
			}
			pool.Close()
		}
		lastErr = fmt.Errorf("connect to postgres (attempt %d/%d): %w", attempt, maxRetries, err)
		logger.Warn("PostgreSQL not ready, retrying...", zap.Int("attempt", attempt), zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return nil, lastErr
}
