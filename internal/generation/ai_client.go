package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrAIGenerationFailed - ошибка при генерации текста AI.
var ErrAIGenerationFailed = errors.New("ai generation failed")

// GenerationParams are optional sampling parameters; nil means provider default.
type GenerationParams struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	// JSON asks the provider for a single JSON object.
	JSON bool
}

// UsageInfo содержит информацию об использовании токенов.
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// AIClient - интерфейс для взаимодействия с AI API.
type AIClient interface {
	GenerateText(ctx context.Context, systemPrompt, userInput string, params GenerationParams) (string, UsageInfo, error)
}

// ClientConfig selects and configures the text provider.
type ClientConfig struct {
	Provider string // openai | ollama
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

// NewAIClient creates the client for the configured provider.
func NewAIClient(cfg ClientConfig, logger *zap.Logger) (AIClient, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		openaiConfig := openaigo.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			openaiConfig.BaseURL = cfg.BaseURL
		}
		openaiConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
		logger.Info("OpenAI client created", zap.String("baseURL", openaiConfig.BaseURL), zap.String("model", cfg.Model))
		return &openAIClient{
			client: openaigo.NewClientWithConfig(openaiConfig),
			model:  cfg.Model,
			logger: logger.Named("OpenAIClient"),
		}, nil
	case "ollama":
		return newOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown AI provider: '%s'", cfg.Provider)
	}
}

// --- OpenAI ---

type openAIClient struct {
	client *openaigo.Client
	model  string
	logger *zap.Logger
}

func (c *openAIClient) GenerateText(ctx context.Context, systemPrompt, userInput string, params GenerationParams) (string, UsageInfo, error) {
	usage := UsageInfo{}
	if strings.TrimSpace(systemPrompt) == "" {
		aiRequestsTotal.WithLabelValues("openai", c.model, "error").Inc()
		return "", usage, fmt.Errorf("%w: empty system prompt", ErrAIGenerationFailed)
	}

	messages := []openaigo.ChatCompletionMessage{
		{Role: openaigo.ChatMessageRoleSystem, Content: systemPrompt},
	}
	if userInput != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{Role: openaigo.ChatMessageRoleUser, Content: userInput})
	}

	req := openaigo.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: float32Val(params.Temperature),
		MaxTokens:   intVal(params.MaxTokens),
		TopP:        float32Val(params.TopP),
	}
	if params.JSON {
		req.ResponseFormat = &openaigo.ChatCompletionResponseFormat{Type: openaigo.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	c.logger.Debug("Sending request to AI",
		zap.String("model", c.model),
		zap.Int("systemPromptBytes", len(systemPrompt)),
		zap.Int("userInputBytes", len(userInput)),
	)
	resp, err := c.client.CreateChatCompletion(ctx, req)
	duration := time.Since(start)
	if err != nil {
		c.logger.Error("AI API error", zap.Duration("duration", duration), zap.Error(err))
		aiRequestsTotal.WithLabelValues("openai", c.model, "error").Inc()
		return "", usage, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		aiRequestsTotal.WithLabelValues("openai", c.model, "error_empty_response").Inc()
		return "", usage, fmt.Errorf("%w: empty response", ErrAIGenerationFailed)
	}

	aiRequestsTotal.WithLabelValues("openai", c.model, "success").Inc()
	aiRequestDuration.WithLabelValues("openai", c.model).Observe(duration.Seconds())
	if resp.Usage.TotalTokens > 0 {
		usage = UsageInfo{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
		aiPromptTokens.WithLabelValues("openai", c.model).Observe(float64(usage.PromptTokens))
		aiCompletionTokens.WithLabelValues("openai", c.model).Observe(float64(usage.CompletionTokens))
	}
	c.logger.Debug("AI response received", zap.Duration("duration", duration), zap.Int("totalTokens", usage.TotalTokens))
	return resp.Choices[0].Message.Content, usage, nil
}

func float32Val(f64 *float64) float32 {
	if f64 == nil {
		return 0 // 0 - значение API по умолчанию
	}
	return float32(*f64)
}

func intVal(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

// --- Ollama ---

type ollamaClient struct {
	client  *api.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

func newOllamaClient(cfg ClientConfig, logger *zap.Logger) (AIClient, error) {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/v1")
	baseURL = strings.TrimSuffix(baseURL, "/")
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse Ollama base URL '%s': %w", baseURL, err)
	}
	logger.Info("Ollama client created", zap.String("baseURL", baseURL), zap.String("model", cfg.Model))
	return &ollamaClient{
		client:  api.NewClient(parsed, &http.Client{Timeout: cfg.Timeout}),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.Named("OllamaClient"),
	}, nil
}

func (c *ollamaClient) GenerateText(ctx context.Context, systemPrompt, userInput string, params GenerationParams) (string, UsageInfo, error) {
	usage := UsageInfo{}
	if strings.TrimSpace(systemPrompt) == "" {
		aiRequestsTotal.WithLabelValues("ollama", c.model, "error").Inc()
		return "", usage, fmt.Errorf("%w: empty system prompt", ErrAIGenerationFailed)
	}

	messages := []api.Message{{Role: "system", Content: systemPrompt}}
	if userInput != "" {
		messages = append(messages, api.Message{Role: "user", Content: userInput})
	}
	options := map[string]interface{}{}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}
	if params.JSON {
		req.Format = json.RawMessage(`"json"`)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	var resp api.ChatResponse
	err := c.client.Chat(ctx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	duration := time.Since(start)
	if err != nil {
		c.logger.Error("Ollama API error", zap.Duration("duration", duration), zap.Error(err))
		aiRequestsTotal.WithLabelValues("ollama", c.model, "error").Inc()
		return "", usage, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}
	if resp.Message.Content == "" {
		aiRequestsTotal.WithLabelValues("ollama", c.model, "error_empty_response").Inc()
		return "", usage, fmt.Errorf("%w: empty response", ErrAIGenerationFailed)
	}

	aiRequestsTotal.WithLabelValues("ollama", c.model, "success").Inc()
	aiRequestDuration.WithLabelValues("ollama", c.model).Observe(duration.Seconds())
	usage = UsageInfo{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
	}
	if usage.TotalTokens > 0 {
		aiPromptTokens.WithLabelValues("ollama", c.model).Observe(float64(usage.PromptTokens))
		aiCompletionTokens.WithLabelValues("ollama", c.model).Observe(float64(usage.CompletionTokens))
	}
	return resp.Message.Content, usage, nil
}
