package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"narrative-engine/internal/engine"
	"narrative-engine/internal/generation"
	"narrative-engine/internal/models"
	"narrative-engine/internal/resources"
	"narrative-engine/internal/utils"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// Config содержит конфигурацию сервера историй.
type Config struct {
	// Сервер
	Port            string        `envconfig:"SERVER_PORT" default:"8080"`
	Env             string        `envconfig:"ENV" default:"development"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding     string        `envconfig:"LOG_ENCODING" default:"json"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	AllowedOrigins  []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// Хранилище: postgres | memory
	StoreDriver   string        `envconfig:"STORE_DRIVER" default:"postgres"`
	DBHost        string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" default:"postgres"`
	DBName        string        `envconfig:"DB_NAME" default:"narrative"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int32         `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBConnRetries int           `envconfig:"DB_CONNECT_RETRIES" default:"10"`
	FeedLimit     int           `envconfig:"FEED_LIMIT" default:"200"`
	FeedResync    time.Duration `envconfig:"FEED_RESYNC_INTERVAL" default:"1m"`
	DBPassword    string        `envconfig:"DB_PASSWORD"` // секрет db_password имеет приоритет

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	// Пусто - уведомления только внутри процесса.
	RabbitMQURL string `envconfig:"RABBITMQ_URL"`

	// Аутентификация
	JWTSecret string `envconfig:"JWT_SECRET"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`

	// Генерация
	AIProvider          string        `envconfig:"AI_PROVIDER" default:"openai"`
	AIBaseURL           string        `envconfig:"AI_BASE_URL"`
	AIModel             string        `envconfig:"AI_MODEL" default:"gpt-4o-mini"`
	AITimeout           time.Duration `envconfig:"AI_TIMEOUT" default:"120s"`
	AITemperature       float64       `envconfig:"AI_TEMPERATURE" default:"0.8"`
	AIMaxTokens         int           `envconfig:"AI_MAX_TOKENS" default:"1500"`
	AIPromptTokenBudget int           `envconfig:"AI_PROMPT_TOKEN_BUDGET" default:"6000"`
	AIAPIKey            string        `envconfig:"AI_API_KEY"`

	ImageProvider    string        `envconfig:"IMAGE_PROVIDER" default:"none"`
	ImageBaseURL     string        `envconfig:"IMAGE_BASE_URL"`
	ImageModel       string        `envconfig:"IMAGE_MODEL"`
	ImageSize        string        `envconfig:"IMAGE_SIZE"`
	ImageRatio       string        `envconfig:"IMAGE_RATIO" default:"2:3"`
	ImageStyleSuffix string        `envconfig:"IMAGE_STYLE_SUFFIX"`
	ImageTimeout     time.Duration `envconfig:"IMAGE_TIMEOUT" default:"120s"`

	AssetSavePath      string `envconfig:"ASSET_SAVE_PATH" default:"./data/assets"`
	AssetPublicBaseURL string `envconfig:"ASSET_PUBLIC_BASE_URL" default:"http://localhost:8080/assets"`

	// Экономика
	TokenCap               int           `envconfig:"TOKEN_CAP" default:"10"`
	TokenInterval          time.Duration `envconfig:"TOKEN_REGEN_INTERVAL" default:"30m"`
	BookmarkCap            int           `envconfig:"BOOKMARK_CAP" default:"3"`
	BookmarkInterval       time.Duration `envconfig:"BOOKMARK_REGEN_INTERVAL" default:"8h"`
	FreeMonthlyCreations   int           `envconfig:"FREE_MONTHLY_CREATIONS" default:"3"`
	PlusMonthlyCreations   int           `envconfig:"PLUS_MONTHLY_CREATIONS" default:"10"`
	ProMonthlyCreations    int           `envconfig:"PRO_MONTHLY_CREATIONS" default:"30"`
	MaxSuggestions         int           `envconfig:"MAX_SUGGESTIONS" default:"3"`
	ObjectiveSeed          int64         `envconfig:"OBJECTIVE_SEED" default:"0"`
	MaxHistory             int           `envconfig:"MAX_HISTORY" default:"400"`
	ChapterLength          int           `envconfig:"CHAPTER_LENGTH" default:"10"`
	RecentHistory          int           `envconfig:"RECENT_HISTORY" default:"10"`
	RelationshipThresholds []int         `envconfig:"RELATIONSHIP_THRESHOLDS" default:"-50,50"`
	CommitTimeout          time.Duration `envconfig:"COMMIT_TIMEOUT" default:"30s"`

	// Ограничение частоты действий на аккаунт
	ActionRateLimit  uint          `envconfig:"ACTION_RATE_LIMIT" default:"20"`
	ActionRateWindow time.Duration `envconfig:"ACTION_RATE_WINDOW" default:"1m"`
}

// GetDSN возвращает строку подключения (DSN) для PostgreSQL.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// LoadConfig загружает .env (если есть), переменные окружения и секреты.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}

	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	cfg.DBPassword = utils.SecretOrEnv("db_password", cfg.DBPassword)
	cfg.JWTSecret = utils.SecretOrEnv("jwt_secret", cfg.JWTSecret)
	cfg.AIAPIKey = utils.SecretOrEnv("ai_api_key", cfg.AIAPIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret is not set (secret jwt_secret or JWT_SECRET)")
	}
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ChapterLength <= 0 || c.MaxHistory <= 0 {
		return fmt.Errorf("CHAPTER_LENGTH and MAX_HISTORY must be positive")
	}
	if c.TokenInterval <= 0 || c.BookmarkInterval <= 0 {
		return fmt.Errorf("pool regeneration intervals must be positive")
	}
	return nil
}

// LogSummary logs the effective configuration without secrets.
func (c *Config) LogSummary(logger *zap.Logger) {
	logger.Info("Configuration loaded",
		zap.String("port", c.Port),
		zap.String("env", c.Env),
		zap.String("storeDriver", c.StoreDriver),
		zap.String("db", fmt.Sprintf("postgres://%s:***@%s:%s/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)),
		zap.String("redisAddr", c.RedisAddr),
		zap.Bool("rabbitmq", c.RabbitMQURL != ""),
		zap.String("aiProvider", c.AIProvider),
		zap.String("aiModel", c.AIModel),
		zap.String("imageProvider", c.ImageProvider),
		zap.Bool("jwtSecretLoaded", c.JWTSecret != ""),
	)
}

func (c *Config) Resources() resources.Config {
	return resources.Config{
		Tokens:    resources.PoolSpec{Cap: c.TokenCap, Interval: c.TokenInterval},
		Bookmarks: resources.PoolSpec{Cap: c.BookmarkCap, Interval: c.BookmarkInterval},
		PlanLimits: map[models.Plan]models.CreationLimit{
			models.PlanFree:  models.CreationLimit(c.FreeMonthlyCreations),
			models.PlanPlus:  models.CreationLimit(c.PlusMonthlyCreations),
			models.PlanPro:   models.CreationLimit(c.ProMonthlyCreations),
			models.PlanAdmin: models.UnlimitedCreations,
		},
	}
}

func (c *Config) Engine() engine.Config {
	return engine.Config{
		MaxHistory:             c.MaxHistory,
		ChapterLength:          c.ChapterLength,
		RelationshipThresholds: c.RelationshipThresholds,
		RecentHistory:          c.RecentHistory,
		CommitTimeout:          c.CommitTimeout,
	}
}

func (c *Config) AIClient() generation.ClientConfig {
	return generation.ClientConfig{
		Provider: c.AIProvider,
		APIKey:   c.AIAPIKey,
		BaseURL:  c.AIBaseURL,
		Model:    c.AIModel,
		Timeout:  c.AITimeout,
	}
}

func (c *Config) Images() generation.ImageConfig {
	return generation.ImageConfig{
		Provider:    c.ImageProvider,
		APIKey:      c.AIAPIKey,
		BaseURL:     c.ImageBaseURL,
		Model:       c.ImageModel,
		Size:        c.ImageSize,
		Ratio:       c.ImageRatio,
		StyleSuffix: c.ImageStyleSuffix,
		Timeout:     c.ImageTimeout,
	}
}

func (c *Config) Generation() generation.Config {
	temperature := c.AITemperature
	maxTokens := c.AIMaxTokens
	return generation.Config{
		PromptTokenBudget: c.AIPromptTokenBudget,
		MaxSuggestions:    c.MaxSuggestions,
		Temperature:       &temperature,
		MaxTokens:         &maxTokens,
	}
}
