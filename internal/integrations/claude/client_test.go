package claude

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"persona-chat/internal/domain"
)

func messageResponse(text string, inputTokens, outputTokens int) string {
	return `{
		"id": "msg_test",
		"type": "message",
		"role": "assistant",
		"model": "claude-3-haiku-20240307",
		"content": [{"type": "text", "text": ` + mustJSON(text) + `}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": ` + itoa(inputTokens) + `, "output_tokens": ` + itoa(outputTokens) + `}
	}`
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient("test-key", WithRequestOptions(option.WithBaseURL(srv.URL)))
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient("  ")
	require.Error(t, err)
}

func TestGenerateReturnsTextAndTokenUsage(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(messageResponse("반가워요!", 120, 35)))
	})

	prior := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "안녕"},
		{Role: domain.RoleAssistant, Content: "안녕하세요"},
	}
	reply, err := c.Generate(context.Background(), "너는 친절한 사서야.", prior, "책 추천해줘")
	require.NoError(t, err)
	require.Equal(t, "반가워요!", reply.Text)
	require.Equal(t, 155, reply.Tokens)

	// Prior turns plus the new user text, in order.
	messages := gotBody["messages"].([]any)
	require.Len(t, messages, 3)
	last := messages[2].(map[string]any)
	require.Equal(t, "user", last["role"])

	system := gotBody["system"].([]any)
	first := system[0].(map[string]any)
	require.Equal(t, "너는 친절한 사서야.", first["text"])
}

func TestGenerateOmitsSystemWhenEmpty(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(messageResponse("ok", 1, 1)))
	})

	_, err := c.Generate(context.Background(), "", nil, "hi")
	require.NoError(t, err)
	require.NotContains(t, gotBody, "system")
}

func TestGenerateConcatenatesTextBlocks(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_test",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-haiku-20240307",
			"content": [
				{"type": "text", "text": "앞부분 "},
				{"type": "text", "text": "뒷부분"}
			],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 1, "output_tokens": 2}
		}`))
	})

	reply, err := c.Generate(context.Background(), "", nil, "hi")
	require.NoError(t, err)
	require.Equal(t, "앞부분 뒷부분", reply.Text)
}

func TestGenerateRejectsEmptyResponseContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_test",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-haiku-20240307",
			"content": [],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 1, "output_tokens": 0}
		}`))
	})

	_, err := c.Generate(context.Background(), "", nil, "hi")
	require.ErrorIs(t, err, ErrProvider)
}

func errorHandler(status int, errType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(`{"type": "error", "error": {"type": "` + errType + `", "message": "boom"}}`))
	}
}

func TestGenerateClassifiesRateLimit(t *testing.T) {
	c := newTestClient(t, errorHandler(http.StatusTooManyRequests, "rate_limit_error"))

	_, err := c.Generate(context.Background(), "", nil, "hi")
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestGenerateClassifiesServerErrorAsUnavailable(t *testing.T) {
	c := newTestClient(t, errorHandler(http.StatusInternalServerError, "api_error"))

	_, err := c.Generate(context.Background(), "", nil, "hi")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestGenerateClassifiesClientErrorAsProviderError(t *testing.T) {
	c := newTestClient(t, errorHandler(http.StatusBadRequest, "invalid_request_error"))

	_, err := c.Generate(context.Background(), "", nil, "hi")
	require.ErrorIs(t, err, ErrProvider)
}

func TestGenerateClassifiesConnectionFailureAsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // nothing listening anymore

	c, err := NewClient("test-key", WithRequestOptions(option.WithBaseURL(url)))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "", nil, "hi")
	require.ErrorIs(t, err, ErrUnavailable)
}
