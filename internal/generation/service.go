package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/models"

	"go.uber.org/zap"
)

// Config - параметры сервиса генерации.
type Config struct {
	PromptTokenBudget int
	MaxSuggestions    int
	Temperature       *float64
	MaxTokens         *int
}

type service struct {
	ai     AIClient
	images ImageGenerator
	tokens TokenCounter
	cfg    Config
	logger *zap.Logger
}

var _ interfaces.GenerationService = (*service)(nil)

// NewService builds the generation service. images may be nil, tokens may be
// nil (a byte-based estimate is used then).
func NewService(ai AIClient, images ImageGenerator, tokens TokenCounter, cfg Config, logger *zap.Logger) interfaces.GenerationService {
	if tokens == nil {
		tokens = approxCounter{}
	}
	if cfg.MaxSuggestions <= 0 {
		cfg.MaxSuggestions = 3
	}
	return &service{
		ai:     ai,
		images: images,
		tokens: tokens,
		cfg:    cfg,
		logger: logger.Named("GenerationService"),
	}
}

func (s *service) params(jsonMode bool) GenerationParams {
	return GenerationParams{Temperature: s.cfg.Temperature, MaxTokens: s.cfg.MaxTokens, JSON: jsonMode}
}

func (s *service) GenerateTurn(ctx context.Context, req models.GenerationRequest) (*models.EffectPayload, error) {
	log := s.logger.With(zap.Stringer("storyID", req.StoryID), zap.Bool("narratorMode", req.NarratorMode))

	system := buildTurnSystemPrompt(req)
	input, kept, err := s.fitHistory(system, req.RecentHistory, func(h []models.HistoryEntry) (string, error) {
		r := req
		r.RecentHistory = h
		return encodeInput(r)
	})
	if err != nil {
		return nil, err
	}
	if kept < len(req.RecentHistory) {
		log.Debug("Recent history trimmed to fit prompt budget", zap.Int("kept", kept), zap.Int("total", len(req.RecentHistory)))
	}

	text, usage, err := s.ai.GenerateText(ctx, system, input, s.params(true))
	if err != nil {
		return nil, err
	}

	raw, ok := extractJSONObject(text)
	if !ok {
		payloadErrorsTotal.WithLabelValues("turn").Inc()
		log.Error("Generator reply has no JSON object", zap.Int("replyBytes", len(text)))
		return nil, fmt.Errorf("%w: reply is not a JSON object", ErrAIGenerationFailed)
	}
	var payload models.EffectPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		payloadErrorsTotal.WithLabelValues("turn").Inc()
		log.Error("Failed to decode effect payload", zap.Error(err))
		return nil, fmt.Errorf("%w: decode effect payload: %v", ErrAIGenerationFailed, err)
	}
	if strings.TrimSpace(payload.Narrative) == "" {
		payloadErrorsTotal.WithLabelValues("turn").Inc()
		return nil, fmt.Errorf("%w: effect payload has no narrative", ErrAIGenerationFailed)
	}

	log.Debug("Effect payload generated", zap.Int("totalTokens", usage.TotalTokens))
	return &payload, nil
}

func (s *service) SummarizeChapter(ctx context.Context, req models.ChapterRequest) (string, error) {
	system := buildChapterSystemPrompt(req)
	input, _, err := s.fitHistory(system, req.Entries, func(h []models.HistoryEntry) (string, error) {
		r := req
		r.Entries = h
		return encodeInput(r)
	})
	if err != nil {
		return "", err
	}
	text, _, err := s.ai.GenerateText(ctx, system, input, s.params(false))
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(text)
	if summary == "" {
		payloadErrorsTotal.WithLabelValues("chapter").Inc()
		return "", fmt.Errorf("%w: empty chapter summary", ErrAIGenerationFailed)
	}
	return summary, nil
}

type suggestionReply struct {
	Suggestions []string `json:"suggestions"`
}

func (s *service) SuggestActions(ctx context.Context, req models.SuggestionRequest) ([]string, error) {
	system := buildSuggestionSystemPrompt(req, s.cfg.MaxSuggestions)
	input, _, err := s.fitHistory(system, req.RecentHistory, func(h []models.HistoryEntry) (string, error) {
		r := req
		r.RecentHistory = h
		return encodeInput(r)
	})
	if err != nil {
		return nil, err
	}
	text, _, err := s.ai.GenerateText(ctx, system, input, s.params(true))
	if err != nil {
		return nil, err
	}

	raw, ok := extractJSONObject(text)
	if !ok {
		payloadErrorsTotal.WithLabelValues("suggestions").Inc()
		return nil, fmt.Errorf("%w: reply is not a JSON object", ErrAIGenerationFailed)
	}
	var reply suggestionReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		payloadErrorsTotal.WithLabelValues("suggestions").Inc()
		return nil, fmt.Errorf("%w: decode suggestions: %v", ErrAIGenerationFailed, err)
	}

	seen := make(map[string]struct{}, len(reply.Suggestions))
	out := make([]string, 0, s.cfg.MaxSuggestions)
	for _, sug := range reply.Suggestions {
		sug = strings.TrimSpace(sug)
		if sug == "" {
			continue
		}
		key := strings.ToLower(sug)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, sug)
		if len(out) == s.cfg.MaxSuggestions {
			break
		}
	}
	if len(out) == 0 {
		payloadErrorsTotal.WithLabelValues("suggestions").Inc()
		return nil, fmt.Errorf("%w: no suggestions", ErrAIGenerationFailed)
	}
	return out, nil
}

func (s *service) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	if s.images == nil {
		return nil, fmt.Errorf("%w: no image provider configured", ErrImageGenerationFailed)
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrImageGenerationFailed)
	}
	return s.images.GenerateImage(ctx, prompt)
}

// fitHistory drops the oldest entries until the prompt fits the token budget.
// It returns the rendered input and how many entries were kept.
func (s *service) fitHistory(system string, history []models.HistoryEntry, render func([]models.HistoryEntry) (string, error)) (string, int, error) {
	budget := s.cfg.PromptTokenBudget
	systemTokens := s.tokens.Count(system)
	for n := len(history); ; n-- {
		input, err := render(history[len(history)-n:])
		if err != nil {
			return "", 0, err
		}
		if budget <= 0 || n == 0 || systemTokens+s.tokens.Count(input) <= budget {
			return input, n, nil
		}
	}
}
