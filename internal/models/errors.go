package models

import "errors"

// Стандартные ошибки движка. Сервисы оборачивают их через fmt.Errorf("%w: ...").
var (
	// Common Resource/DB Errors
	ErrNotFound         = errors.New("resource not found")
	ErrRevisionConflict = errors.New("record revision conflict")

	// Auth
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrTokenInvalid   = errors.New("token is invalid")
	ErrTokenMalformed = errors.New("token is malformed")
	ErrTokenExpired   = errors.New("token has expired")

	// Resource pools & quota
	ErrInsufficientTokens    = errors.New("not enough tokens")
	ErrInsufficientBookmarks = errors.New("not enough bookmarks")
	ErrCreationQuotaExceeded = errors.New("monthly story creation quota exceeded")
	ErrUnknownPool           = errors.New("unknown resource pool")
	ErrUnknownPlan           = errors.New("unknown plan")

	// Session state machine
	ErrNoActiveCharacter   = errors.New("no active character committed to the story")
	ErrNotYourTurn         = errors.New("it is another participant's turn")
	ErrInterstitialPending = errors.New("story is waiting for an interstitial to be acknowledged")
	ErrStoryEnded          = errors.New("story has ended")
	ErrInvalidState        = errors.New("operation is not allowed in the current story state")
	ErrConcurrentTurn      = errors.New("story was changed by a concurrent turn")
	ErrCommitPending       = errors.New("story write is still queued, outcome unknown")

	// Characters & participants
	ErrCharacterNotFound  = errors.New("character not found")
	ErrNoStatPoints       = errors.New("no unspent stat points")
	ErrUnknownStat        = errors.New("unknown stat")
	ErrAlreadyParticipant = errors.New("account already participates in this story")

	// Collaborators
	ErrGenerationFailed = errors.New("generation service failed")
	ErrAssetUpload      = errors.New("asset upload failed")

	// General Request Errors
	ErrInvalidInput = errors.New("invalid input data")
)
