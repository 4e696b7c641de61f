package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"narrative-engine/internal/assets"
	"narrative-engine/internal/config"
	"narrative-engine/internal/database"
	"narrative-engine/internal/engine"
	"narrative-engine/internal/generation"
	"narrative-engine/internal/handler"
	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/livesync"
	"narrative-engine/internal/logger"
	"narrative-engine/internal/messaging"
	"narrative-engine/internal/middleware"
	"narrative-engine/internal/objectives"
	"narrative-engine/internal/resources"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

const (
	connectRetries = 10
	retryDelay     = 3 * time.Second
	feedIdleTime   = 10 * time.Minute
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	cfg.LogSummary(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Фоновые воркеры живут до конца shutdown HTTP сервера, а не до сигнала.
	workCtx, cancelWork := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	// 2. Хранилища
	poolCfg := cfg.Resources()
	var (
		store       interfaces.RecordStore
		accounts    interfaces.AccountRepository
		redisClient *redis.Client
	)
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("Using in-memory stores, data is lost on restart")
		store = database.NewMemoryRecordStore(logger)
		accounts = database.NewMemoryAccountRepository(poolCfg.NewAccount)
	default:
		pool, err := database.Connect(ctx, cfg.GetDSN(), cfg.DBMaxConns, cfg.DBConnRetries, retryDelay, logger)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		defer pool.Close()
		if err := database.ApplyMigrations(pool, logger); err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}

		redisClient, err = setupRedis(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		accounts = database.NewRedisAccountRepository(redisClient, poolCfg.NewAccount, logger)

		var (
			publisher interfaces.ChangePublisher
			mqConn    *amqp.Connection
		)
		if cfg.RabbitMQURL != "" {
			mqConn, err = messaging.ConnectRabbitMQ(cfg.RabbitMQURL, connectRetries, retryDelay, logger)
			if err != nil {
				logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
			}
			defer mqConn.Close()
			changePublisher, err := messaging.NewRabbitMQChangePublisher(mqConn, logger)
			if err != nil {
				logger.Fatal("Failed to create change publisher", zap.Error(err))
			}
			defer changePublisher.Close()
			publisher = changePublisher
		} else {
			logger.Info("RABBITMQ_URL not set, feed changes stay within this process")
		}

		pgStore := database.NewPgRecordStore(pool, publisher, cfg.FeedLimit, cfg.FeedResync, logger)
		store = pgStore

		if mqConn != nil {
			consumer, err := messaging.NewChangeConsumer(mqConn, pgStore.HandleChange, logger)
			if err != nil {
				logger.Fatal("Failed to create change consumer", zap.Error(err))
			}
			defer consumer.Close()
			workers.Add(1)
			go func() {
				defer workers.Done()
				if err := consumer.Run(workCtx); err != nil {
					logger.Error("Story change consumer stopped with error", zap.Error(err))
				}
			}()
		}
	}

	// 3. Генерация и ассеты
	aiClient, err := generation.NewAIClient(cfg.AIClient(), logger)
	if err != nil {
		logger.Fatal("Failed to create AI client", zap.Error(err))
	}
	images, err := generation.NewImageGenerator(cfg.Images(), logger)
	if err != nil {
		logger.Fatal("Failed to create image generator", zap.Error(err))
	}
	generator := generation.NewService(aiClient, images, generation.NewTokenCounter(cfg.AIModel, logger), cfg.Generation(), logger)

	assetStore, err := assets.NewFileStore(cfg.AssetSavePath, cfg.AssetPublicBaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to create asset store", zap.Error(err))
	}

	// 4. Движок
	layer := livesync.NewLayer(store, logger)
	workers.Add(1)
	go func() {
		defer workers.Done()
		layer.Run(workCtx)
	}()

	pools := resources.NewManager(accounts, poolCfg, logger)
	seed := cfg.ObjectiveSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sessionEngine := engine.NewSessionEngine(
		layer,
		pools,
		objectives.NewManager(pools, seed, logger),
		generator,
		assetStore,
		cfg.Engine(),
		logger,
	)

	feeds := handler.NewFeedKeeper(layer, feedIdleTime, logger)
	workers.Add(1)
	go func() {
		defer workers.Done()
		feeds.Run(workCtx)
	}()

	// 5. HTTP
	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.GinZapLogger(logger))
	router.Use(gin.Recovery())

	p := ginprometheus.NewPrometheus("gin")

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)
	router.Static("/assets", assetStore.Dir())

	verifier, err := middleware.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, logger)
	if err != nil {
		logger.Fatal("Failed to create JWT verifier", zap.Error(err))
	}
	auth := middleware.Auth(verifier.VerifyToken, logger)

	handler.NewStoryHandler(sessionEngine, pools, feeds, logger).
		RegisterRoutes(router, auth, actionRateLimiter(cfg, redisClient, logger))
	handler.NewFeedHub(layer, cfg.AllowedOrigins, logger).RegisterRoutes(router, auth)

	p.Use(router)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// ходы ждут генерацию, поэтому WriteTimeout не выставляем
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server listen error", zap.Error(err))
		}
	}()

	// 6. Graceful shutdown
	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	// очередь записей досбрасывается внутри layer.Run
	cancelWork()
	workers.Wait()
	logger.Info("Server exiting")
}

func setupRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			logger.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))
			return client, nil
		}
		logger.Warn("Redis ping failed, retrying...", zap.Int("attempt", attempt), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("redis unreachable after %d attempts: %w", connectRetries, lastErr)
}

// actionRateLimiter limits generator-backed requests per account. The Redis
// store shares limits across processes; without Redis limits are per process.
func actionRateLimiter(cfg *config.Config, client *redis.Client, logger *zap.Logger) gin.HandlerFunc {
	if cfg.ActionRateLimit == 0 {
		return nil
	}
	var store ratelimit.Store
	if client != nil {
		store = ratelimit.RedisStore(&ratelimit.RedisOptions{
			RedisClient: client,
			Rate:        cfg.ActionRateWindow,
			Limit:       cfg.ActionRateLimit,
		})
	} else {
		store = ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{
			Rate:  cfg.ActionRateWindow,
			Limit: cfg.ActionRateLimit,
		})
	}
	return ratelimit.RateLimiter(store, &ratelimit.Options{
		ErrorHandler: func(c *gin.Context, info ratelimit.Info) {
			logger.Warn("Action rate limit exceeded",
				zap.String("path", c.Request.URL.Path),
				zap.Time("resetTime", info.ResetTime),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, handler.APIError{
				Message: "Too many requests. Try again in " + time.Until(info.ResetTime).Round(time.Second).String(),
				Code:    "rate_limited",
			})
		},
		KeyFunc: func(c *gin.Context) string {
			if id, ok := middleware.UserID(c); ok {
				return "action:" + id.String()
			}
			return "action-ip:" + c.ClientIP()
		},
	})
}
