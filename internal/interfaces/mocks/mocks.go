package mocks

import (
	"context"
	"encoding/json"

	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

var (
	_ interfaces.RecordStore       = (*RecordStore)(nil)
	_ interfaces.AccountRepository = (*AccountRepository)(nil)
	_ interfaces.GenerationService = (*GenerationService)(nil)
	_ interfaces.AssetStore        = (*AssetStore)(nil)
	_ interfaces.ChangePublisher   = (*ChangePublisher)(nil)
)

// Mock RecordStore
type RecordStore struct {
	mock.Mock
}

func (m *RecordStore) Subscribe(ctx context.Context, feed models.Feed) (<-chan models.Snapshot, error) {
	args := m.Called(ctx, feed)
	var ch <-chan models.Snapshot
	if v := args.Get(0); v != nil {
		switch c := v.(type) {
		case chan models.Snapshot:
			ch = c
		case <-chan models.Snapshot:
			ch = c
		}
	}
	return ch, args.Error(1)
}

func (m *RecordStore) Create(ctx context.Context, story *models.Story) error {
	args := m.Called(ctx, story)
	return args.Error(0)
}

func (m *RecordStore) Get(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	args := m.Called(ctx, id)
	var s *models.Story
	if v := args.Get(0); v != nil {
		s = v.(*models.Story)
	}
	return s, args.Error(1)
}

func (m *RecordStore) SetMerge(ctx context.Context, id uuid.UUID, fields map[string]json.RawMessage) error {
	args := m.Called(ctx, id, fields)
	return args.Error(0)
}

func (m *RecordStore) SetMergeIf(ctx context.Context, id uuid.UUID, fields map[string]json.RawMessage, expected int64) error {
	args := m.Called(ctx, id, fields, expected)
	return args.Error(0)
}

func (m *RecordStore) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *RecordStore) MakePublic(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	args := m.Called(ctx, id)
	var s *models.Story
	if v := args.Get(0); v != nil {
		s = v.(*models.Story)
	}
	return s, args.Error(1)
}

// Mock AccountRepository
type AccountRepository struct {
	mock.Mock
}

func (m *AccountRepository) Get(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	args := m.Called(ctx, id)
	var a *models.Account
	if v := args.Get(0); v != nil {
		a = v.(*models.Account)
	}
	return a, args.Error(1)
}

func (m *AccountRepository) Update(ctx context.Context, id uuid.UUID, fn func(acc *models.Account) error) (*models.Account, error) {
	args := m.Called(ctx, id, fn)
	var a *models.Account
	if v := args.Get(0); v != nil {
		a = v.(*models.Account)
	}
	return a, args.Error(1)
}

// Mock GenerationService
type GenerationService struct {
	mock.Mock
}

func (m *GenerationService) GenerateTurn(ctx context.Context, req models.GenerationRequest) (*models.EffectPayload, error) {
	args := m.Called(ctx, req)
	var p *models.EffectPayload
	if v := args.Get(0); v != nil {
		p = v.(*models.EffectPayload)
	}
	return p, args.Error(1)
}

func (m *GenerationService) SummarizeChapter(ctx context.Context, req models.ChapterRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *GenerationService) SuggestActions(ctx context.Context, req models.SuggestionRequest) ([]string, error) {
	args := m.Called(ctx, req)
	var out []string
	if v := args.Get(0); v != nil {
		out = v.([]string)
	}
	return out, args.Error(1)
}

func (m *GenerationService) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	args := m.Called(ctx, prompt)
	var out []byte
	if v := args.Get(0); v != nil {
		out = v.([]byte)
	}
	return out, args.Error(1)
}

// Mock AssetStore
type AssetStore struct {
	mock.Mock
}

func (m *AssetStore) Put(ctx context.Context, kind models.AssetKind, data []byte) (string, error) {
	args := m.Called(ctx, kind, data)
	return args.String(0), args.Error(1)
}

// Mock ChangePublisher
type ChangePublisher struct {
	mock.Mock
}

func (m *ChangePublisher) PublishChange(ctx context.Context, change models.StoryChange) error {
	args := m.Called(ctx, change)
	return args.Error(0)
}
