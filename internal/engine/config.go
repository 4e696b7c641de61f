package engine

import "time"

// Config - константы машины состояний.
type Config struct {
	MaxHistory             int           // hard cap of history entries; the next action ends the story
	ChapterLength          int           // every N-th entry opens a chapter-end interstitial
	RelationshipThresholds []int         // crossing any of these raises a relationship event
	RecentHistory          int           // entries sent to the generator as context
	CommitTimeout          time.Duration // how long a commit waits for persistence
}

func DefaultConfig() Config {
	return Config{
		MaxHistory:             400,
		ChapterLength:          10,
		RelationshipThresholds: []int{-50, 50},
		RecentHistory:          10,
		CommitTimeout:          30 * time.Second,
	}
}
