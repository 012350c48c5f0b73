package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anthropicEvent(typ, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", typ, data)
}

func anthropicDelta(text string) string {
	return anthropicEvent("content_block_delta",
		fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text))
}

func newAnthropicServer(t *testing.T, handler func(w http.ResponseWriter, req anthropicChatRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		var req anthropicChatRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropicChat(t *testing.T) {
	var got anthropicChatRequest
	srv := newAnthropicServer(t, func(w http.ResponseWriter, req anthropicChatRequest) {
		got = req
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, anthropicEvent("message_start", `{"type":"message_start"}`))
		fmt.Fprint(w, anthropicEvent("ping", `{"type":"ping"}`))
		fmt.Fprint(w, anthropicDelta("H"))
		fmt.Fprint(w, anthropicDelta("i there!"))
		fmt.Fprint(w, anthropicEvent("message_stop", `{"type":"message_stop"}`))
	})

	a := NewAnthropic("test-key", srv.URL, "claude", "", DefaultLLMParameters(), testLogger())
	fragments, err := collect(t, a.Chat(context.Background(), []models.Message{
		{Role: models.RoleSystem, Content: "Be brief."},
		{Role: models.RoleUser, Content: "hi"},
	}))

	require.NoError(t, err)
	assert.Equal(t, []string{"H", "i there!"}, fragments)

	assert.Equal(t, "claude", got.Model)
	assert.True(t, got.Stream)
	assert.Equal(t, "Be brief.", got.System)
	assert.Equal(t, 2048, got.MaxTokens)
	assert.Equal(t, []anthropicMessage{{Role: "user", Content: "hi"}}, got.Messages)
}

func TestAnthropicChatDefaultSystemPrompt(t *testing.T) {
	var got anthropicChatRequest
	srv := newAnthropicServer(t, func(w http.ResponseWriter, req anthropicChatRequest) {
		got = req
		fmt.Fprint(w, anthropicEvent("message_stop", `{"type":"message_stop"}`))
	})

	a := NewAnthropic("test-key", srv.URL, "claude", "", DefaultLLMParameters(), testLogger())
	_, err := collect(t, a.Chat(context.Background(), []models.Message{{Role: models.RoleUser, Content: "hi"}}))

	require.NoError(t, err)
	assert.Equal(t, DefaultSystemPrompt, got.System)
}

func TestAnthropicChatFailures(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantFragments []string
		wantErr       error
	}{
		{
			name:    "Unexpected status",
			status:  http.StatusUnauthorized,
			body:    `{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`,
			wantErr: models.ErrUpstreamUnavailable,
		},
		{
			name:    "Error event before any fragment",
			status:  http.StatusOK,
			body:    anthropicEvent("error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`),
			wantErr: models.ErrUpstreamUnavailable,
		},
		{
			name:          "Error event after a fragment",
			status:        http.StatusOK,
			body:          anthropicDelta("Partial") + anthropicEvent("error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`),
			wantFragments: []string{"Partial"},
			wantErr:       models.ErrStreamInterrupted,
		},
		{
			name:          "Body ends without message_stop",
			status:        http.StatusOK,
			body:          anthropicDelta("Partial"),
			wantFragments: []string{"Partial"},
			wantErr:       models.ErrStreamInterrupted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newAnthropicServer(t, func(w http.ResponseWriter, _ anthropicChatRequest) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			a := NewAnthropic("test-key", srv.URL, "claude", "", DefaultLLMParameters(), testLogger())
			fragments, err := collect(t, a.Chat(context.Background(), []models.Message{
				{Role: models.RoleUser, Content: "hi"},
			}))

			assert.Equal(t, tt.wantFragments, fragments)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestExtractSystemMessages(t *testing.T) {
	system, rest := extractSystemMessages([]models.Message{
		{Role: models.RoleSystem, Content: "One."},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleSystem, Content: "Two."},
		{Role: models.RoleAssistant, Content: "hello"},
	})

	assert.Equal(t, "One.\n\nTwo.", system)
	assert.Equal(t, []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	}, rest)
}
