package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"benchrunner/internal/llm"
	"benchrunner/internal/models"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Complete(ctx context.Context, c llm.Completion) (string, error) {
	args := m.Called(ctx, c)
	return args.String(0), args.Error(1)
}

func TestRouter_Generate(t *testing.T) {
	oai := &MockProvider{}
	claude := &MockProvider{}
	router := llm.NewRouter(oai, claude, 512)
	ctx := context.Background()
	question := models.Question{ID: 1, Text: "What is 2+2?"}

	oai.On("Complete", ctx, mock.MatchedBy(func(c llm.Completion) bool {
		return c.Model == "gpt-4o" && c.Prompt == "What is 2+2?" && c.MaxTokens == 512 && c.Temperature == nil
	})).Return("4", nil).Once()

	answer, err := router.Generate(ctx, "gpt-4o", question, models.Parameters{})
	require.NoError(t, err)
	assert.Equal(t, "4", answer)

	claude.On("Complete", ctx, mock.MatchedBy(func(c llm.Completion) bool {
		return c.Model == "claude-3-5-sonnet" && c.System == "be brief" && c.MaxTokens == 64 &&
			c.Temperature != nil && *c.Temperature == 0.2
	})).Return("four", nil).Once()

	answer, err = router.Generate(ctx, "claude-3-5-sonnet", question, models.Parameters{
		SystemPrompt: "be brief",
		Temperature:  null.FloatFrom(0.2),
		MaxTokens:    null.IntFrom(64),
	})
	require.NoError(t, err)
	assert.Equal(t, "four", answer)

	oai.AssertExpectations(t)
	claude.AssertExpectations(t)
}

func TestRouter_MissingProvider(t *testing.T) {
	router := llm.NewRouter(&MockProvider{}, nil, 0)
	_, err := router.Generate(context.Background(), "claude-3-haiku", models.Question{}, models.Parameters{})
	assert.ErrorIs(t, err, models.ErrItemPermanent)
}

func TestRouter_Evaluate(t *testing.T) {
	oai := &MockProvider{}
	router := llm.NewRouter(oai, nil, 256)
	ctx := context.Background()
	answer := models.Answer{ID: 5, Text: "Paris", QuestionText: "Capital of France?", ReferenceAnswer: null.StringFrom("Paris")}

	oai.On("Complete", ctx, mock.MatchedBy(func(c llm.Completion) bool {
		return c.Model == "gpt-4o-mini" && c.System != ""
	})).Return("9.5\nCorrect.", nil).Once()

	score, err := router.Evaluate(ctx, "gpt-4o-mini", answer, "exact match")
	require.NoError(t, err)
	assert.Equal(t, 9.5, score)

	oai.On("Complete", ctx, mock.Anything).Return("I cannot grade this", nil).Once()
	_, err = router.Evaluate(ctx, "gpt-4o-mini", answer, "")
	assert.ErrorIs(t, err, models.ErrItemTransient)
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
		wantErr  bool
	}{
		{"7", 7, false},
		{"Score: 8.25/10", 8.25, false},
		{"0", 0, false},
		{"11", 0, true},
		{"-1", 0, true},
		{"excellent", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			score, err := llm.ParseScore(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, score)
		})
	}
}

func TestIsPermanentStatus(t *testing.T) {
	for status, expected := range map[int]bool{
		0:   false,
		200: false,
		400: true,
		401: true,
		404: true,
		408: false,
		429: false,
		500: false,
		503: false,
	} {
		assert.Equal(t, expected, llm.IsPermanentStatus(status), "status %d", status)
	}
}

func TestOpenAI_Complete(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "nope", "type": "invalid_request_error"}})
			return
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   body["model"],
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "hello from " + body["model"].(string)},
			}},
		})
	}))
	defer server.Close()

	router := llm.NewRouter(llm.NewOpenAI("test-key", server.URL), nil, 128)
	ctx := context.Background()

	text, err := router.Generate(ctx, "gpt-4o", models.Question{Text: "hi"}, models.Parameters{})
	require.NoError(t, err)
	assert.Equal(t, "hello from gpt-4o", text)

	status = http.StatusBadRequest
	_, err = router.Generate(ctx, "gpt-4o", models.Question{Text: "hi"}, models.Parameters{})
	assert.ErrorIs(t, err, models.ErrItemPermanent)

	status = http.StatusTooManyRequests
	_, err = router.Generate(ctx, "gpt-4o", models.Question{Text: "hi"}, models.Parameters{})
	assert.ErrorIs(t, err, models.ErrItemTransient)
	assert.False(t, errors.Is(err, models.ErrItemPermanent))
}

func TestAnthropic_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-3-5-sonnet-20241022",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]any{{"type": "text", "text": "6"}},
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 1},
		})
	}))
	defer server.Close()

	router := llm.NewRouter(nil, llm.NewAnthropic("test-key", server.URL), 128)
	score, err := router.Evaluate(context.Background(), "claude-3-5-sonnet-20241022", models.Answer{Text: "x"}, "")
	require.NoError(t, err)
	assert.Equal(t, 6.0, score)
}
