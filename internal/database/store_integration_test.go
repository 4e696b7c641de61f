package database_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"narrative-engine/internal/database"
	"narrative-engine/internal/interfaces"
	"narrative-engine/internal/models"
	"narrative-engine/internal/resources"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// StoreIntegrationSuite проверяет хранилища на настоящих PostgreSQL и Redis.
type StoreIntegrationSuite struct {
	suite.Suite
	ctx         context.Context
	pgContainer *postgres.PostgresContainer
	rdContainer *tcredis.RedisContainer
	pgPool      *pgxpool.Pool
	redisClient *redis.Client
	store       *database.PgRecordStore
	accounts    interfaces.AccountRepository
	logger      *zap.Logger
}

func (s *StoreIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	var err error

	s.logger, err = zap.NewDevelopment()
	require.NoError(s.T(), err)

	s.pgContainer, err = postgres.Run(s.ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("narrative_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start postgres container")

	dsn, err := s.pgContainer.ConnectionString(s.ctx, "sslmode=disable")
	require.NoError(s.T(), err)

	s.pgPool, err = database.Connect(s.ctx, dsn, 5, 5, time.Second, s.logger)
	require.NoError(s.T(), err)
	require.NoError(s.T(), database.ApplyMigrations(s.pgPool, s.logger))

	s.rdContainer, err = tcredis.Run(s.ctx,
		"docker.io/redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("* Ready to accept connections").
				WithOccurrence(1).
				WithStartupTimeout(1*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start redis container")

	host, err := s.rdContainer.Host(s.ctx)
	require.NoError(s.T(), err)
	port, err := s.rdContainer.MappedPort(s.ctx, "6379/tcp")
	require.NoError(s.T(), err)
	s.redisClient = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(s.T(), s.redisClient.Ping(s.ctx).Err())

	s.store = database.NewPgRecordStore(s.pgPool, nil, 100, 0, s.logger)
	s.accounts = database.NewRedisAccountRepository(s.redisClient, resources.DefaultConfig().NewAccount, s.logger)
}

func (s *StoreIntegrationSuite) TearDownSuite() {
	if s.pgPool != nil {
		s.pgPool.Close()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	if s.pgContainer != nil {
		if err := s.pgContainer.Terminate(s.ctx); err != nil {
			s.logger.Error("Failed to terminate postgres container", zap.Error(err))
		}
	}
	if s.rdContainer != nil {
		if err := s.rdContainer.Terminate(s.ctx); err != nil {
			s.logger.Error("Failed to terminate redis container", zap.Error(err))
		}
	}
}

func (s *StoreIntegrationSuite) SetupTest() {
	require.NoError(s.T(), s.redisClient.FlushDB(s.ctx).Err())
	_, err := s.pgPool.Exec(s.ctx, "TRUNCATE TABLE private_stories, public_stories")
	require.NoError(s.T(), err)
}

func TestStoreIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		t.Skipf("Docker client init error: %v", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		cli.Close()
		t.Skipf("Docker daemon is not accessible: %v", err)
	}
	cli.Close()

	suite.Run(t, new(StoreIntegrationSuite))
}

func newStory(owner uuid.UUID, visibility models.Visibility) *models.Story {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Story{
		ID:         uuid.New(),
		OwnerID:    owner,
		Title:      "Lighthouse",
		Status:     models.StoryStatusIdle,
		Visibility: visibility,
		TimeOfDay:  models.TimeMorning,
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func rawFields(t *testing.T, kv map[string]any) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(kv))
	for k, v := range kv {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		out[k] = b
	}
	return out
}

func (s *StoreIntegrationSuite) TestCreateGetMerge() {
	t := s.T()
	owner := uuid.New()
	story := newStory(owner, models.VisibilityPrivate)
	require.NoError(t, s.store.Create(s.ctx, story))

	got, err := s.store.Get(s.ctx, story.ID)
	require.NoError(t, err)
	require.Equal(t, story.Title, got.Title)
	require.Equal(t, int64(1), got.Revision)

	err = s.store.SetMerge(s.ctx, story.ID, rawFields(t, map[string]any{
		"location_name": "Harbor",
		"revision":      2,
	}))
	require.NoError(t, err)

	got, err = s.store.Get(s.ctx, story.ID)
	require.NoError(t, err)
	require.Equal(t, "Harbor", got.LocationName)
	require.Equal(t, "Lighthouse", got.Title, "fields outside the patch are kept")
	require.Equal(t, int64(2), got.Revision)

	_, err = s.store.Get(s.ctx, uuid.New())
	require.ErrorIs(t, err, models.ErrNotFound)
}

func (s *StoreIntegrationSuite) TestSetMergeIf_Conflict() {
	t := s.T()
	story := newStory(uuid.New(), models.VisibilityPrivate)
	require.NoError(t, s.store.Create(s.ctx, story))

	err := s.store.SetMergeIf(s.ctx, story.ID, rawFields(t, map[string]any{"revision": 2, "title": "A"}), 1)
	require.NoError(t, err)

	err = s.store.SetMergeIf(s.ctx, story.ID, rawFields(t, map[string]any{"revision": 2, "title": "B"}), 1)
	require.ErrorIs(t, err, models.ErrRevisionConflict)

	got, err := s.store.Get(s.ctx, story.ID)
	require.NoError(t, err)
	require.Equal(t, "A", got.Title)
}

func (s *StoreIntegrationSuite) TestMakePublicMovesRecord() {
	t := s.T()
	owner := uuid.New()
	story := newStory(owner, models.VisibilityPrivate)
	require.NoError(t, s.store.Create(s.ctx, story))

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	public, err := s.store.Subscribe(ctx, models.PublicFeed())
	require.NoError(t, err)
	first := <-public
	require.Empty(t, first.Stories)

	published, err := s.store.MakePublic(s.ctx, story.ID)
	require.NoError(t, err)
	require.True(t, published.IsPublic())
	require.Equal(t, int64(2), published.Revision)

	select {
	case snap := <-public:
		require.Len(t, snap.Stories, 1)
		require.Equal(t, story.ID, snap.Stories[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("public feed did not receive the published story")
	}

	var privateCount int
	require.NoError(t, s.pgPool.QueryRow(s.ctx, "SELECT COUNT(*) FROM private_stories WHERE id = $1", story.ID).Scan(&privateCount))
	require.Zero(t, privateCount)

	again, err := s.store.MakePublic(s.ctx, story.ID)
	require.NoError(t, err)
	require.Equal(t, published.Revision, again.Revision)
}

func (s *StoreIntegrationSuite) TestParticipantFeedFollowsParticipantList() {
	t := s.T()
	owner, guest := uuid.New(), uuid.New()
	story := newStory(owner, models.VisibilityShared)
	story.Participants = []models.Participant{{UserID: owner, DisplayName: "owner"}}
	require.NoError(t, s.store.Create(s.ctx, story))

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	feed, err := s.store.Subscribe(ctx, models.ParticipantFeed(guest))
	require.NoError(t, err)
	require.Empty(t, (<-feed).Stories)

	participants := append(story.Participants, models.Participant{UserID: guest, DisplayName: "guest"})
	require.NoError(t, s.store.SetMerge(s.ctx, story.ID, rawFields(t, map[string]any{
		"participants": participants,
		"revision":     2,
	})))

	select {
	case snap := <-feed:
		require.Len(t, snap.Stories, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("participant feed was not refreshed")
	}
}

func (s *StoreIntegrationSuite) TestDeleteIsIdempotent() {
	t := s.T()
	story := newStory(uuid.New(), models.VisibilityPublic)
	require.NoError(t, s.store.Create(s.ctx, story))
	require.NoError(t, s.store.Delete(s.ctx, story.ID))
	require.NoError(t, s.store.Delete(s.ctx, story.ID))
	_, err := s.store.Get(s.ctx, story.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func (s *StoreIntegrationSuite) TestRedisAccountUpdate() {
	t := s.T()
	id := uuid.New()

	acc, err := s.accounts.Get(s.ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.PlanFree, acc.Plan)

	updated, err := s.accounts.Update(s.ctx, id, func(a *models.Account) error {
		a.Plan = models.PlanPro
		a.Tokens.Balance -= 1
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, models.PlanPro, updated.Plan)

	stop := errors.New("stop")
	_, err = s.accounts.Update(s.ctx, id, func(a *models.Account) error {
		a.Plan = models.PlanFree
		return stop
	})
	require.ErrorIs(t, err, stop)

	acc, err = s.accounts.Get(s.ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.PlanPro, acc.Plan, "failed update stores nothing")
	require.Equal(t, updated.Tokens.Balance, acc.Tokens.Balance)
}
