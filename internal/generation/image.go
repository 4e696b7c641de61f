package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrImageGenerationFailed - ошибка при генерации изображения.
var ErrImageGenerationFailed = errors.New("image generation failed")

// ImageGenerator renders a prompt into raw image bytes.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// ImageConfig selects and configures the image provider.
type ImageConfig struct {
	Provider    string // openai | sana | none
	APIKey      string
	BaseURL     string
	Model       string
	Size        string
	Ratio       string
	StyleSuffix string
	Timeout     time.Duration
}

// NewImageGenerator returns nil for provider "none": stories then get no
// generated images and any image prompt fails the operation that needs it.
func NewImageGenerator(cfg ImageConfig, logger *zap.Logger) (ImageGenerator, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		openaiConfig := openaigo.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			openaiConfig.BaseURL = cfg.BaseURL
		}
		openaiConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
		model := cfg.Model
		if model == "" {
			model = openaigo.CreateImageModelDallE3
		}
		size := cfg.Size
		if size == "" {
			size = openaigo.CreateImageSize1024x1024
		}
		return &openAIImageGenerator{
			client:      openaigo.NewClientWithConfig(openaiConfig),
			model:       model,
			size:        size,
			styleSuffix: cfg.StyleSuffix,
			logger:      logger.Named("OpenAIImageGenerator"),
		}, nil
	case "sana":
		if cfg.BaseURL == "" {
			return nil, errors.New("sana image provider requires a base URL")
		}
		ratio := cfg.Ratio
		if ratio == "" {
			ratio = "2:3"
		}
		return &sanaImageGenerator{
			baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
			client:      &http.Client{Timeout: cfg.Timeout},
			ratio:       ratio,
			styleSuffix: cfg.StyleSuffix,
			logger:      logger.Named("SanaImageGenerator"),
		}, nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown image provider: '%s'", cfg.Provider)
	}
}

type openAIImageGenerator struct {
	client      *openaigo.Client
	model       string
	size        string
	styleSuffix string
	logger      *zap.Logger
}

func (g *openAIImageGenerator) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	resp, err := g.client.CreateImage(ctx, openaigo.ImageRequest{
		Prompt:         prompt + g.styleSuffix,
		Model:          g.model,
		Size:           g.size,
		N:              1,
		ResponseFormat: openaigo.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		imageRequestsTotal.WithLabelValues("openai", "error").Inc()
		g.logger.Error("Image API call failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrImageGenerationFailed, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		imageRequestsTotal.WithLabelValues("openai", "error_empty_response").Inc()
		return nil, fmt.Errorf("%w: empty image data", ErrImageGenerationFailed)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		imageRequestsTotal.WithLabelValues("openai", "error_decode").Inc()
		return nil, fmt.Errorf("%w: decode image: %v", ErrImageGenerationFailed, err)
	}
	imageRequestsTotal.WithLabelValues("openai", "success").Inc()
	return data, nil
}

// sanaRequest - тело запроса к SANA API.
type sanaRequest struct {
	Prompt string `json:"prompt"`
	Ratio  string `json:"ratio"`
}

type sanaImageGenerator struct {
	baseURL     string
	client      *http.Client
	ratio       string
	styleSuffix string
	logger      *zap.Logger
}

func (g *sanaImageGenerator) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	log := g.logger.With(zap.String("api_url", g.baseURL))

	body, err := json.Marshal(sanaRequest{Prompt: prompt + g.styleSuffix, Ratio: g.ratio})
	if err != nil {
		return nil, fmt.Errorf("marshal sana request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create sana request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/*")

	resp, err := g.client.Do(req)
	if err != nil {
		imageRequestsTotal.WithLabelValues("sana", "error").Inc()
		log.Error("SANA API request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrImageGenerationFailed, err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		imageRequestsTotal.WithLabelValues("sana", "error_status").Inc()
		log.Error("SANA API returned non-OK status", zap.Int("status_code", resp.StatusCode), zap.ByteString("response_body", data))
		return nil, fmt.Errorf("%w: status %d", ErrImageGenerationFailed, resp.StatusCode)
	}
	if readErr != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrImageGenerationFailed, readErr)
	}
	if len(data) == 0 {
		imageRequestsTotal.WithLabelValues("sana", "error_empty_response").Inc()
		return nil, fmt.Errorf("%w: empty image data", ErrImageGenerationFailed)
	}
	imageRequestsTotal.WithLabelValues("sana", "success").Inc()
	return data, nil
}
