package interfaces

import (
	"context"

	"narrative-engine/internal/models"
)

// GenerationService turns a player's action into effect data.
//
//go:generate mockery --name GenerationService --output ./mocks --outpkg mocks --case=underscore
type GenerationService interface {
	GenerateTurn(ctx context.Context, req models.GenerationRequest) (*models.EffectPayload, error)
	SummarizeChapter(ctx context.Context, req models.ChapterRequest) (string, error)
	SuggestActions(ctx context.Context, req models.SuggestionRequest) ([]string, error)
	// GenerateImage returns raw image bytes for the prompt.
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// AssetStore accepts raw visual/audio payloads and returns a durable URL.
// Implementations never retry internally.
//
//go:generate mockery --name AssetStore --output ./mocks --outpkg mocks --case=underscore
type AssetStore interface {
	Put(ctx context.Context, kind models.AssetKind, data []byte) (string, error)
}
