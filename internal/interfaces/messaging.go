package interfaces

import (
	"context"

	"narrative-engine/internal/models"
)

// ChangePublisher рассылает уведомления об изменении историй другим процессам.
//
//go:generate mockery --name ChangePublisher --output ./mocks --outpkg mocks --case=underscore
type ChangePublisher interface {
	PublishChange(ctx context.Context, change models.StoryChange) error
}

// ChangeHandler is invoked for every change notification received.
type ChangeHandler func(change models.StoryChange)
