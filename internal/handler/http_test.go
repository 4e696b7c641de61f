package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"narrative-engine/internal/database"
	"narrative-engine/internal/engine"
	"narrative-engine/internal/middleware"
	"narrative-engine/internal/models"
	"narrative-engine/internal/resources"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

type mockEngine struct {
	mock.Mock
}

var _ engine.SessionEngine = (*mockEngine)(nil)

func (m *mockEngine) story(args mock.Arguments) (*models.Story, error) {
	s, _ := args.Get(0).(*models.Story)
	return s, args.Error(1)
}

func (m *mockEngine) CreateStory(ctx context.Context, req engine.CreateStoryRequest) (*models.Story, error) {
	return m.story(m.Called(ctx, req))
}
func (m *mockEngine) GetStory(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
	return m.story(m.Called(ctx, storyID, accountID))
}
func (m *mockEngine) ListStories(feed models.Feed) []*models.Story {
	s, _ := m.Called(feed).Get(0).([]*models.Story)
	return s
}
func (m *mockEngine) DeleteStory(ctx context.Context, storyID, accountID uuid.UUID) error {
	return m.Called(ctx, storyID, accountID).Error(0)
}
func (m *mockEngine) CommitCharacter(ctx context.Context, storyID, accountID, characterID uuid.UUID) (*models.Story, error) {
	return m.story(m.Called(ctx, storyID, accountID, characterID))
}
func (m *mockEngine) SubmitAction(ctx context.Context, req engine.ActionRequest) (*engine.TurnResult, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*engine.TurnResult)
	return r, args.Error(1)
}
func (m *mockEngine) AcknowledgeChapter(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
	return m.story(m.Called(ctx, storyID, accountID))
}
func (m *mockEngine) AcknowledgeRelationshipEvent(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
	return m.story(m.Called(ctx, storyID, accountID))
}
func (m *mockEngine) Restart(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
	return m.story(m.Called(ctx, storyID, accountID))
}
func (m *mockEngine) RecruitCharacter(ctx context.Context, storyID, accountID uuid.UUID, in engine.CharacterInput) (*models.Story, error) {
	return m.story(m.Called(ctx, storyID, accountID, in))
}
func (m *mockEngine) RemoveCharacter(ctx context.Context, storyID, accountID, characterID uuid.UUID) (*models.Story, error) {
	return m.story(m.Called(ctx, storyID, accountID, characterID))
}
func (m *mockEngine) AllocateStatPoint(ctx context.Context, storyID, accountID, characterID uuid.UUID, stat models.StatName) (*models.Story, error) {
	return m.story(m.Called(ctx, storyID, accountID, characterID, stat))
}
func (m *mockEngine) RequestSuggestions(ctx context.Context, storyID, accountID uuid.UUID) ([]string, error) {
	args := m.Called(ctx, storyID, accountID)
	s, _ := args.Get(0).([]string)
	return s, args.Error(1)
}
func (m *mockEngine) JoinStory(ctx context.Context, storyID, accountID uuid.UUID, displayName string) (*models.Story, error) {
	return m.story(m.Called(ctx, storyID, accountID, displayName))
}
func (m *mockEngine) LeaveStory(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
	return m.story(m.Called(ctx, storyID, accountID))
}
func (m *mockEngine) MakePublic(ctx context.Context, storyID, accountID uuid.UUID) (*models.Story, error) {
	return m.story(m.Called(ctx, storyID, accountID))
}

// fakeSource records watches and lets tests push change events.
type fakeSource struct {
	mu       sync.Mutex
	watched  map[string]int
	released map[string]int
	stories  map[string][]*models.Story
	events   chan models.ChangeEvent
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		watched:  make(map[string]int),
		released: make(map[string]int),
		stories:  make(map[string][]*models.Story),
		events:   make(chan models.ChangeEvent, 16),
	}
}

func (f *fakeSource) Watch(_ context.Context, feed models.Feed) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[feed.Key()]++
	return func() {
		f.mu.Lock()
		f.released[feed.Key()]++
		f.mu.Unlock()
	}, nil
}

func (f *fakeSource) List(feed models.Feed) []*models.Story {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stories[feed.Key()]
}

func (f *fakeSource) Changes() (<-chan models.ChangeEvent, func()) {
	return f.events, func() {}
}

func (f *fakeSource) watchCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watched[key]
}

type testEnv struct {
	router *gin.Engine
	engine *mockEngine
	source *fakeSource
	pools  resources.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	cfg := resources.DefaultConfig()
	pools := resources.NewManager(database.NewMemoryAccountRepository(cfg.NewAccount), cfg, logger)
	eng := new(mockEngine)
	source := newFakeSource()

	verifier, err := middleware.NewJWTVerifier(testSecret, "", logger)
	require.NoError(t, err)
	auth := middleware.Auth(verifier.VerifyToken, logger)

	router := gin.New()
	NewStoryHandler(eng, pools, NewFeedKeeper(source, time.Minute, logger), logger).RegisterRoutes(router, auth, nil)
	NewFeedHub(source, []string{"*"}, logger).RegisterRoutes(router, auth)
	return &testEnv{router: router, engine: eng, source: source, pools: pools}
}

func signToken(t *testing.T, userID uuid.UUID, roles ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, models.Claims{
		UserID:      userID,
		DisplayName: "Tester",
		Roles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/account", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/account", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateStory_UsesCaller(t *testing.T) {
	env := newTestEnv(t)
	user := uuid.New()
	created := &models.Story{ID: uuid.New(), OwnerID: user, Title: "Lighthouse"}
	env.engine.On("CreateStory", mock.Anything, mock.MatchedBy(func(r engine.CreateStoryRequest) bool {
		return r.AccountID == user && r.DisplayName == "Tester" && r.Title == "Lighthouse"
	})).Return(created, nil).Once()

	rec := env.do(t, http.MethodPost, "/api/v1/stories", signToken(t, user), map[string]any{"title": "Lighthouse"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got models.Story
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)
	env.engine.AssertExpectations(t)

	rec = env.do(t, http.MethodPost, "/api/v1/stories", signToken(t, user), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAction_MapsDomainErrors(t *testing.T) {
	env := newTestEnv(t)
	user, storyID := uuid.New(), uuid.New()
	env.engine.On("SubmitAction", mock.Anything, engine.ActionRequest{StoryID: storyID, AccountID: user, Action: "wait"}).
		Return(nil, fmt.Errorf("turn: %w", models.ErrNotYourTurn)).Once()

	rec := env.do(t, http.MethodPost, "/api/v1/stories/"+storyID.String()+"/actions", signToken(t, user), map[string]string{"action": "wait"})
	require.Equal(t, http.StatusConflict, rec.Code)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "not_your_turn", apiErr.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/stories/not-a-uuid/actions", signToken(t, user), map[string]string{"action": "wait"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAction_ReturnsTurnResult(t *testing.T) {
	env := newTestEnv(t)
	user, storyID := uuid.New(), uuid.New()
	story := &models.Story{ID: storyID, OwnerID: user, Status: models.StoryStatusChapterEnd}
	env.engine.On("SubmitAction", mock.Anything, mock.Anything).
		Return(&engine.TurnResult{Story: story, Status: models.StoryStatusChapterEnd, RewardCredited: 2}, nil).Once()

	rec := env.do(t, http.MethodPost, "/api/v1/stories/"+storyID.String()+"/actions", signToken(t, user), map[string]string{"action": "look"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.StoryStatusChapterEnd, resp.Status)
	assert.Equal(t, 2, resp.RewardCredited)
}

func TestListStories_KeepsFeedWatched(t *testing.T) {
	env := newTestEnv(t)
	user := uuid.New()
	env.engine.On("ListStories", models.PublicFeed()).Return([]*models.Story{{ID: uuid.New()}})

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/api/v1/stories?feed=public", signToken(t, user), nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 1, env.source.watchCount("public"))

	rec := env.do(t, http.MethodGet, "/api/v1/stories?feed=everything", signToken(t, user), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAccount(t *testing.T) {
	env := newTestEnv(t)
	user := uuid.New()
	ok, err := env.pools.Consume(context.Background(), user, models.PoolTokens, 1)
	require.NoError(t, err)
	require.True(t, ok)

	rec := env.do(t, http.MethodGet, "/api/v1/account", signToken(t, user), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AccountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 9, resp.Tokens.Balance)
	assert.NotNil(t, resp.NextTokenAt)
	assert.Nil(t, resp.NextBookmarkAt)
	assert.Equal(t, 3, resp.MonthlyLimit)
}

func TestSetPlan_RequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	target := uuid.New()
	path := "/api/v1/admin/accounts/" + target.String() + "/plan"

	rec := env.do(t, http.MethodPut, path, signToken(t, uuid.New()), map[string]string{"plan": "pro"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := signToken(t, uuid.New(), "admin")
	rec = env.do(t, http.MethodPut, path, admin, map[string]string{"plan": "pro"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AccountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.PlanPro, resp.Plan)

	rec = env.do(t, http.MethodPut, path, admin, map[string]string{"plan": "gold"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("x: %w", models.ErrNotFound), http.StatusNotFound},
		{models.ErrCharacterNotFound, http.StatusNotFound},
		{models.ErrInsufficientTokens, http.StatusPaymentRequired},
		{models.ErrCreationQuotaExceeded, http.StatusForbidden},
		{fmt.Errorf("%w: boom", models.ErrConcurrentTurn), http.StatusConflict},
		{models.ErrInterstitialPending, http.StatusConflict},
		{models.ErrUnknownStat, http.StatusBadRequest},
		{fmt.Errorf("%w: turn", models.ErrGenerationFailed), http.StatusBadGateway},
		{fmt.Errorf("%w: story", models.ErrCommitPending), http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, body := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		if status == http.StatusInternalServerError {
			assert.NotContains(t, body.Message, "disk")
		}
	}
}
