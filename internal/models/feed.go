package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FeedKind - вид живой подписки.
type FeedKind string

const (
	FeedPublic      FeedKind = "public"      // все публичные истории
	FeedPrivate     FeedKind = "private"     // приватные истории аккаунта
	FeedParticipant FeedKind = "participant" // истории, где аккаунт участник
)

// Feed identifies one live subscription.
type Feed struct {
	Kind      FeedKind  `json:"kind"`
	AccountID uuid.UUID `json:"account_id,omitempty"`
}

func PublicFeed() Feed { return Feed{Kind: FeedPublic} }
func PrivateFeed(account uuid.UUID) Feed { return Feed{Kind: FeedPrivate, AccountID: account} }
func ParticipantFeed(account uuid.UUID) Feed { return Feed{Kind: FeedParticipant, AccountID: account} }

// Key is a stable map key for the feed.
func (f Feed) Key() string {
	if f.Kind == FeedPublic {
		return string(FeedPublic)
	}
	return fmt.Sprintf("%s:%s", f.Kind, f.AccountID)
}

// Matches reports whether the story belongs to the feed.
func (f Feed) Matches(s *Story) bool {
	switch f.Kind {
	case FeedPublic:
		return s.IsPublic()
	case FeedPrivate:
		return !s.IsPublic() && s.OwnerID == f.AccountID
	case FeedParticipant:
		return s.Participant(f.AccountID) >= 0
	}
	return false
}

// MatchesChange is the notification-level version of Matches.
func (f Feed) MatchesChange(c StoryChange) bool {
	switch f.Kind {
	case FeedPublic:
		return c.Public
	case FeedPrivate:
		return !c.Public && c.OwnerID == f.AccountID
	case FeedParticipant:
		for _, id := range c.ParticipantIDs {
			if id == f.AccountID {
				return true
			}
		}
	}
	return false
}

// Snapshot is a full-collection view of one feed at a point in time.
type Snapshot struct {
	Feed       Feed
	Stories    []*Story
	ObservedAt time.Time
}

type ChangeKind string

const (
	ChangeUpserted  ChangeKind = "upserted"
	ChangeDeleted   ChangeKind = "deleted"
	ChangePublished ChangeKind = "published"
)

// StoryChange - уведомление об изменении записи, рассылается между процессами.
// Старые значения владельца/участников нужны, чтобы ушедшие из ленты тоже обновились.
type StoryChange struct {
	StoryID        uuid.UUID   `json:"story_id"`
	Kind           ChangeKind  `json:"kind"`
	Revision       int64       `json:"revision"`
	OwnerID        uuid.UUID   `json:"owner_id"`
	ParticipantIDs []uuid.UUID `json:"participant_ids,omitempty"`
	Public         bool        `json:"public"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

// ChangeOrigin tells cache listeners whether a change came from this process.
type ChangeOrigin string

const (
	OriginLocal  ChangeOrigin = "local"
	OriginRemote ChangeOrigin = "remote"
)

// ChangeEvent is emitted by the synchronization layer whenever its cache changes.
type ChangeEvent struct {
	StoryID  uuid.UUID    `json:"story_id"`
	Revision int64        `json:"revision"`
	Deleted  bool         `json:"deleted,omitempty"`
	Origin   ChangeOrigin `json:"origin"`
	Story    *Story       `json:"story,omitempty"`
}
