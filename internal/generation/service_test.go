package generation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"narrative-engine/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockAIClient struct {
	mock.Mock
}

func (m *mockAIClient) GenerateText(ctx context.Context, systemPrompt, userInput string, params GenerationParams) (string, UsageInfo, error) {
	args := m.Called(ctx, systemPrompt, userInput, params)
	return args.String(0), args.Get(1).(UsageInfo), args.Error(2)
}

func turnRequest() models.GenerationRequest {
	return models.GenerationRequest{
		StoryID:   uuid.New(),
		Title:     "Lighthouse",
		Action:    "open the door",
		TimeOfDay: models.TimeNight,
	}
}

func TestGenerateTurn_DecodesFencedJSON(t *testing.T) {
	ai := new(mockAIClient)
	reply := "Here you go:\n```json\n{\"narrative\":\"The door creaks.\",\"time_of_day\":\"morning\",\"vitals\":{\"health\":-5}}\n```"
	ai.On("GenerateText", mock.Anything, mock.Anything, mock.Anything, mock.MatchedBy(func(p GenerationParams) bool { return p.JSON })).
		Return(reply, UsageInfo{TotalTokens: 42}, nil).Once()

	svc := NewService(ai, nil, nil, Config{}, zap.NewNop())
	payload, err := svc.GenerateTurn(context.Background(), turnRequest())
	require.NoError(t, err)
	assert.Equal(t, "The door creaks.", payload.Narrative)
	assert.Equal(t, "morning", payload.TimeOfDay)
	require.NotNil(t, payload.Vitals)
	assert.Equal(t, -5, payload.Vitals.Health)
	ai.AssertExpectations(t)
}

func TestGenerateTurn_RejectsPayloadWithoutNarrative(t *testing.T) {
	ai := new(mockAIClient)
	ai.On("GenerateText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(`{"location_name":"Harbor"}`, UsageInfo{}, nil)

	svc := NewService(ai, nil, nil, Config{}, zap.NewNop())
	_, err := svc.GenerateTurn(context.Background(), turnRequest())
	assert.ErrorIs(t, err, ErrAIGenerationFailed)

	ai2 := new(mockAIClient)
	ai2.On("GenerateText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("no json here", UsageInfo{}, nil)
	svc = NewService(ai2, nil, nil, Config{}, zap.NewNop())
	_, err = svc.GenerateTurn(context.Background(), turnRequest())
	assert.ErrorIs(t, err, ErrAIGenerationFailed)
}

func TestGenerateTurn_SystemPromptFollowsMode(t *testing.T) {
	req := turnRequest()
	req.MustCreateObjective = true
	full := buildTurnSystemPrompt(req)
	assert.Contains(t, full, `"relationship_deltas"`)
	assert.Contains(t, full, `"new_objective"`)

	req.NarratorMode = true
	reduced := buildTurnSystemPrompt(req)
	assert.NotContains(t, reduced, `"vitals"`)
	assert.NotContains(t, reduced, `"new_objective"`)
}

func TestGenerateTurn_TrimsOldestHistoryToBudget(t *testing.T) {
	req := turnRequest()
	for i := 0; i < 10; i++ {
		req.RecentHistory = append(req.RecentHistory, models.HistoryEntry{
			ID:      uuid.New(),
			Action:  strings.Repeat("a", 200),
			Outcome: strings.Repeat("b", 200),
		})
	}
	system := buildTurnSystemPrompt(req)

	var sent string
	ai := new(mockAIClient)
	ai.On("GenerateText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.String(2) }).
		Return(`{"narrative":"ok"}`, UsageInfo{}, nil)

	counter := approxCounter{}
	budget := counter.Count(system) + 700
	svc := NewService(ai, nil, counter, Config{PromptTokenBudget: budget}, zap.NewNop())
	_, err := svc.GenerateTurn(context.Background(), req)
	require.NoError(t, err)

	var decoded models.GenerationRequest
	require.NoError(t, json.Unmarshal([]byte(sent), &decoded))
	require.NotEmpty(t, decoded.RecentHistory)
	assert.Less(t, len(decoded.RecentHistory), 10)
	last := decoded.RecentHistory[len(decoded.RecentHistory)-1]
	assert.Equal(t, req.RecentHistory[9].ID, last.ID, "newest entries are kept")
	assert.LessOrEqual(t, counter.Count(system)+counter.Count(sent), budget)
}

func TestSuggestActions_DedupesAndCaps(t *testing.T) {
	ai := new(mockAIClient)
	ai.On("GenerateText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(`{"suggestions":["Run"," run ","Hide","","Fight","Talk"]}`, UsageInfo{}, nil)

	svc := NewService(ai, nil, nil, Config{MaxSuggestions: 3}, zap.NewNop())
	got, err := svc.SuggestActions(context.Background(), models.SuggestionRequest{StoryID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, []string{"Run", "Hide", "Fight"}, got)
}

func TestSummarizeChapter_PassesErrors(t *testing.T) {
	boom := errors.New("boom")
	ai := new(mockAIClient)
	ai.On("GenerateText", mock.Anything, mock.Anything, mock.Anything, mock.MatchedBy(func(p GenerationParams) bool { return !p.JSON })).
		Return("", UsageInfo{}, boom).Once()
	ai.On("GenerateText", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("  The keeper found the letter.  ", UsageInfo{}, nil)

	svc := NewService(ai, nil, nil, Config{}, zap.NewNop())
	_, err := svc.SummarizeChapter(context.Background(), models.ChapterRequest{Chapter: 1})
	assert.ErrorIs(t, err, boom)

	summary, err := svc.SummarizeChapter(context.Background(), models.ChapterRequest{Chapter: 1})
	require.NoError(t, err)
	assert.Equal(t, "The keeper found the letter.", summary)
}

func TestGenerateImage_WithoutProvider(t *testing.T) {
	svc := NewService(new(mockAIClient), nil, nil, Config{}, zap.NewNop())
	_, err := svc.GenerateImage(context.Background(), "a lighthouse")
	assert.ErrorIs(t, err, ErrImageGenerationFailed)
}

func TestOpenAIClient_JSONMode(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"1","object":"chat.completion","model":"test",
			"choices":[{"index":0,"message":{"role":"assistant","content":"{\"narrative\":\"hi\"}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	}))
	defer srv.Close()

	client, err := NewAIClient(ClientConfig{Provider: "openai", APIKey: "k", BaseURL: srv.URL + "/v1", Model: "test", Timeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	text, usage, err := client.GenerateText(context.Background(), "system", "input", GenerationParams{JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"narrative":"hi"}`, text)
	assert.Equal(t, 15, usage.TotalTokens)
	format, ok := body["response_format"].(map[string]any)
	require.True(t, ok, "response_format must be sent in JSON mode")
	assert.Equal(t, "json_object", format["type"])
}

func TestSanaImageGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sanaRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Prompt == "fail, oil painting" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.Equal(t, "2:3", req.Ratio)
		_, _ = w.Write([]byte{0xFF, 0xD8, 0xFF})
	}))
	defer srv.Close()

	gen, err := NewImageGenerator(ImageConfig{Provider: "sana", BaseURL: srv.URL, StyleSuffix: ", oil painting", Timeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	data, err := gen.GenerateImage(context.Background(), "a lighthouse")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, data)

	_, err = gen.GenerateImage(context.Background(), "fail")
	assert.ErrorIs(t, err, ErrImageGenerationFailed)
}

func TestNewAIClient_UnknownProvider(t *testing.T) {
	_, err := NewAIClient(ClientConfig{Provider: "telepathy"}, zap.NewNop())
	assert.Error(t, err)
}
