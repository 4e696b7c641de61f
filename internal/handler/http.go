package handler

import (
	"net/http"
	"strings"
	"time"

	"narrative-engine/internal/engine"
	"narrative-engine/internal/middleware"
	"narrative-engine/internal/models"
	"narrative-engine/internal/resources"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StoryHandler обрабатывает HTTP запросы к движку историй.
type StoryHandler struct {
	engine engine.SessionEngine
	pools  resources.Manager
	feeds  *FeedKeeper
	logger *zap.Logger
}

func NewStoryHandler(e engine.SessionEngine, pools resources.Manager, feeds *FeedKeeper, logger *zap.Logger) *StoryHandler {
	return &StoryHandler{
		engine: e,
		pools:  pools,
		feeds:  feeds,
		logger: logger.Named("StoryHandler"),
	}
}

// RegisterRoutes mounts the API. actionLimit guards the endpoints that call
// the generator; it may be nil.
func (h *StoryHandler) RegisterRoutes(router gin.IRouter, auth, actionLimit gin.HandlerFunc) {
	if actionLimit == nil {
		actionLimit = func(c *gin.Context) { c.Next() }
	}
	api := router.Group("/api/v1", auth)

	stories := api.Group("/stories")
	{
		stories.POST("", h.createStory)
		stories.GET("", h.listStories)
		stories.GET("/:id", h.getStory)
		stories.DELETE("/:id", h.deleteStory)

		stories.POST("/:id/character", h.commitCharacter)
		stories.POST("/:id/actions", actionLimit, h.submitAction)
		stories.POST("/:id/suggestions", actionLimit, h.requestSuggestions)
		stories.POST("/:id/chapter/ack", h.acknowledgeChapter)
		stories.POST("/:id/relationship-event/ack", h.acknowledgeRelationshipEvent)
		stories.POST("/:id/restart", h.restart)

		stories.POST("/:id/characters", h.recruitCharacter)
		stories.DELETE("/:id/characters/:characterId", h.removeCharacter)
		stories.POST("/:id/characters/:characterId/stats", h.allocateStatPoint)

		stories.POST("/:id/join", h.joinStory)
		stories.POST("/:id/leave", h.leaveStory)
		stories.POST("/:id/publish", h.makePublic)
	}

	api.GET("/account", h.getAccount)
	api.PUT("/admin/accounts/:accountId/plan", middleware.RequireRole("admin"), h.setPlan)
}

// --- helpers ---

func (h *StoryHandler) caller(c *gin.Context) (uuid.UUID, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{Message: "Unauthorized", Code: "unauthorized"})
	}
	return id, ok
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// storyAction - общий каркас для операций вида (story, account) -> story.
func (h *StoryHandler) storyAction(fn func(c *gin.Context, storyID, accountID uuid.UUID) (*models.Story, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := h.caller(c)
		if !ok {
			return
		}
		storyID, ok := uuidParam(c, "id")
		if !ok {
			return
		}
		story, err := fn(c, storyID, accountID)
		if err != nil {
			h.handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, story)
	}
}

// --- stories ---

func (h *StoryHandler) createStory(c *gin.Context) {
	accountID, ok := h.caller(c)
	if !ok {
		return
	}
	var req engine.CreateStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	req.AccountID = accountID
	req.DisplayName = middleware.DisplayName(c)

	story, err := h.engine.CreateStory(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, story)
}

func (h *StoryHandler) listStories(c *gin.Context) {
	accountID, ok := h.caller(c)
	if !ok {
		return
	}
	var feed models.Feed
	switch models.FeedKind(strings.ToLower(c.DefaultQuery("feed", string(models.FeedPrivate)))) {
	case models.FeedPublic:
		feed = models.PublicFeed()
	case models.FeedPrivate:
		feed = models.PrivateFeed(accountID)
	case models.FeedParticipant:
		feed = models.ParticipantFeed(accountID)
	default:
		badRequest(c, "feed must be one of public, private, participant")
		return
	}
	if err := h.feeds.Ensure(c.Request.Context(), feed); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feed": feed, "stories": h.engine.ListStories(feed)})
}

func (h *StoryHandler) getStory(c *gin.Context) {
	h.storyAction(func(c *gin.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
		return h.engine.GetStory(c.Request.Context(), storyID, accountID)
	})(c)
}

func (h *StoryHandler) deleteStory(c *gin.Context) {
	accountID, ok := h.caller(c)
	if !ok {
		return
	}
	storyID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	if err := h.engine.DeleteStory(c.Request.Context(), storyID, accountID); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type commitCharacterRequest struct {
	CharacterID uuid.UUID `json:"character_id" binding:"required"`
}

func (h *StoryHandler) commitCharacter(c *gin.Context) {
	h.storyAction(func(c *gin.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
		var req commitCharacterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, models.ErrInvalidInput
		}
		return h.engine.CommitCharacter(c.Request.Context(), storyID, accountID, req.CharacterID)
	})(c)
}

type actionRequest struct {
	Action string `json:"action" binding:"required"`
}

// TurnResponse - результат хода для клиента.
type TurnResponse struct {
	Story              *models.Story             `json:"story"`
	Entry              *models.HistoryEntry      `json:"entry,omitempty"`
	Status             models.StoryStatus        `json:"status"`
	Event              *models.RelationshipEvent `json:"event,omitempty"`
	ObjectiveCreated   *models.Objective         `json:"objective_created,omitempty"`
	ObjectiveCompleted *models.Objective         `json:"objective_completed,omitempty"`
	RewardCredited     int                       `json:"reward_credited,omitempty"`
	RewardSuppressed   bool                      `json:"reward_suppressed,omitempty"`
	RewardFailed       bool                      `json:"reward_failed,omitempty"`
	LeveledUp          bool                      `json:"leveled_up,omitempty"`
	CapReached         bool                      `json:"cap_reached,omitempty"`
}

func (h *StoryHandler) submitAction(c *gin.Context) {
	accountID, ok := h.caller(c)
	if !ok {
		return
	}
	storyID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Action) == "" {
		badRequest(c, "action is required")
		return
	}

	res, err := h.engine.SubmitAction(c.Request.Context(), engine.ActionRequest{
		StoryID:   storyID,
		AccountID: accountID,
		Action:    req.Action,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, TurnResponse{
		Story:              res.Story,
		Entry:              res.Entry,
		Status:             res.Status,
		Event:              res.Event,
		ObjectiveCreated:   res.ObjectiveCreated,
		ObjectiveCompleted: res.ObjectiveCompleted,
		RewardCredited:     res.RewardCredited,
		RewardSuppressed:   res.RewardSuppressed,
		RewardFailed:       res.RewardFailed,
		LeveledUp:          res.LeveledUp,
		CapReached:         res.CapReached,
	})
}

func (h *StoryHandler) requestSuggestions(c *gin.Context) {
	accountID, ok := h.caller(c)
	if !ok {
		return
	}
	storyID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	suggestions, err := h.engine.RequestSuggestions(c.Request.Context(), storyID, accountID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

func (h *StoryHandler) acknowledgeChapter(c *gin.Context) {
	h.storyAction(func(c *gin.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
		return h.engine.AcknowledgeChapter(c.Request.Context(), storyID, accountID)
	})(c)
}

func (h *StoryHandler) acknowledgeRelationshipEvent(c *gin.Context) {
	h.storyAction(func(c *gin.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
		return h.engine.AcknowledgeRelationshipEvent(c.Request.Context(), storyID, accountID)
	})(c)
}

func (h *StoryHandler) restart(c *gin.Context) {
	h.storyAction(func(c *gin.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
		return h.engine.Restart(c.Request.Context(), storyID, accountID)
	})(c)
}

// --- characters ---

func (h *StoryHandler) recruitCharacter(c *gin.Context) {
	h.storyAction(func(c *gin.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
		var in engine.CharacterInput
		if err := c.ShouldBindJSON(&in); err != nil {
			return nil, models.ErrInvalidInput
		}
		return h.engine.RecruitCharacter(c.Request.Context(), storyID, accountID, in)
	})(c)
}

func (h *StoryHandler) removeCharacter(c *gin.Context) {
	h.storyAction(func(c *gin.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
		characterID, err := uuid.Parse(c.Param("characterId"))
		if err != nil {
			return nil, models.ErrInvalidInput
		}
		return h.engine.RemoveCharacter(c.Request.Context(), storyID, accountID, characterID)
	})(c)
}

type allocateStatRequest struct {
	Stat models.StatName `json:"stat" binding:"required"`
}

func (h *StoryHandler) allocateStatPoint(c *gin.Context) {
	h.storyAction(func(c *gin.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
		characterID, err := uuid.Parse(c.Param("characterId"))
		if err != nil {
			return nil, models.ErrInvalidInput
		}
		var req allocateStatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, models.ErrInvalidInput
		}
		return h.engine.AllocateStatPoint(c.Request.Context(), storyID, accountID, characterID, req.Stat)
	})(c)
}

// --- participants & visibility ---

func (h *StoryHandler) joinStory(c *gin.Context) {
	h.storyAction(func(c *gin.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
		return h.engine.JoinStory(c.Request.Context(), storyID, accountID, middleware.DisplayName(c))
	})(c)
}

func (h *StoryHandler) leaveStory(c *gin.Context) {
	h.storyAction(func(c *gin.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
		return h.engine.LeaveStory(c.Request.Context(), storyID, accountID)
	})(c)
}

func (h *StoryHandler) makePublic(c *gin.Context) {
	h.storyAction(func(c *gin.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
		return h.engine.MakePublic(c.Request.Context(), storyID, accountID)
	})(c)
}

// --- account ---

// AccountResponse - баланс аккаунта с моментами следующей регенерации.
type AccountResponse struct {
	*models.Account
	NextTokenAt      *time.Time `json:"next_token_at,omitempty"`
	NextBookmarkAt   *time.Time `json:"next_bookmark_at,omitempty"`
	MonthlyLimit     int        `json:"monthly_limit"`
	UnlimitedCreates bool       `json:"unlimited_creations"`
}

func (h *StoryHandler) accountResponse(acc *models.Account) AccountResponse {
	cfg := h.pools.Config()
	resp := AccountResponse{Account: acc}
	if t := resources.NextUnitAt(acc.Tokens, cfg.Tokens); !t.IsZero() {
		resp.NextTokenAt = &t
	}
	if t := resources.NextUnitAt(acc.Bookmarks, cfg.Bookmarks); !t.IsZero() {
		resp.NextBookmarkAt = &t
	}
	limit := cfg.Limit(acc.Plan)
	if limit == models.UnlimitedCreations {
		resp.UnlimitedCreates = true
	} else {
		resp.MonthlyLimit = int(limit)
	}
	return resp
}

func (h *StoryHandler) getAccount(c *gin.Context) {
	accountID, ok := h.caller(c)
	if !ok {
		return
	}
	acc, err := h.pools.Balance(c.Request.Context(), accountID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.accountResponse(acc))
}

type setPlanRequest struct {
	Plan models.Plan `json:"plan" binding:"required"`
}

func (h *StoryHandler) setPlan(c *gin.Context) {
	accountID, ok := uuidParam(c, "accountId")
	if !ok {
		return
	}
	var req setPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	acc, err := h.pools.SetPlan(c.Request.Context(), accountID, req.Plan)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.accountResponse(acc))
}
