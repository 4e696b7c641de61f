package handler

import (
	"errors"
	"net/http"

	"narrative-engine/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIError - стандартный ответ об ошибке.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Порядок важен: первое совпадение по errors.Is выигрывает.
var errorMappings = []errorMapping{
	{models.ErrCharacterNotFound, http.StatusNotFound, "character_not_found"},
	{models.ErrNotFound, http.StatusNotFound, "not_found"},
	{models.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{models.ErrForbidden, http.StatusForbidden, "forbidden"},
	{models.ErrCreationQuotaExceeded, http.StatusForbidden, "creation_quota_exceeded"},
	{models.ErrInsufficientTokens, http.StatusPaymentRequired, "insufficient_tokens"},
	{models.ErrInsufficientBookmarks, http.StatusPaymentRequired, "insufficient_bookmarks"},
	{models.ErrNotYourTurn, http.StatusConflict, "not_your_turn"},
	{models.ErrInterstitialPending, http.StatusConflict, "interstitial_pending"},
	{models.ErrStoryEnded, http.StatusConflict, "story_ended"},
	{models.ErrConcurrentTurn, http.StatusConflict, "concurrent_turn"},
	{models.ErrRevisionConflict, http.StatusConflict, "concurrent_turn"},
	{models.ErrAlreadyParticipant, http.StatusConflict, "already_participant"},
	{models.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{models.ErrNoActiveCharacter, http.StatusBadRequest, "no_active_character"},
	{models.ErrNoStatPoints, http.StatusBadRequest, "no_stat_points"},
	{models.ErrUnknownStat, http.StatusBadRequest, "unknown_stat"},
	{models.ErrUnknownPlan, http.StatusBadRequest, "unknown_plan"},
	{models.ErrUnknownPool, http.StatusBadRequest, "unknown_pool"},
	{models.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{models.ErrCommitPending, http.StatusServiceUnavailable, "commit_pending"},
	{models.ErrGenerationFailed, http.StatusBadGateway, "generation_failed"},
	{models.ErrAssetUpload, http.StatusBadGateway, "asset_upload_failed"},
}

// mapError переводит доменную ошибку в HTTP статус и код.
func mapError(err error) (int, APIError) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, APIError{Message: err.Error(), Code: m.code}
		}
	}
	return http.StatusInternalServerError, APIError{Message: "Internal server error", Code: "internal"}
}

func (h *StoryHandler) handleError(c *gin.Context, err error) {
	status, body := mapError(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	} else {
		h.logger.Debug("Request rejected", zap.String("code", body.Code), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, APIError{Message: msg, Code: "invalid_input"})
}
