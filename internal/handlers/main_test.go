package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/chat-relay/internal/handlers"
	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	fragments []string
	err       error

	mu    sync.Mutex
	calls [][]models.Message
}

type mockUsers struct {
	users     map[string]models.User
	upserted  models.User
	upsertErr error
}

type mockTokens struct {
	valid    string
	identity models.Identity
	issued   string
}

type mockOAuth struct {
	profile models.GoogleProfile
	err     error
}

func TestNewMain(t *testing.T) {
	tests := []struct {
		name    string
		llm     handlers.LLM
		users   handlers.UserStore
		tokens  handlers.Tokens
		oauth   handlers.OAuthProvider
		opts    handlers.Options
		wantErr bool
	}{
		{
			name: "Relay only",
			llm:  &mockLLM{},
		},
		{
			name:    "Missing llm",
			wantErr: true,
		},
		{
			name:    "Auth required without tokens",
			llm:     &mockLLM{},
			opts:    handlers.Options{RequireAuth: true},
			wantErr: true,
		},
		{
			name:    "OAuth without user store",
			llm:     &mockLLM{},
			tokens:  &mockTokens{},
			oauth:   &mockOAuth{},
			wantErr: true,
		},
		{
			name:   "Full setup",
			llm:    &mockLLM{},
			users:  &mockUsers{},
			tokens: &mockTokens{},
			oauth:  &mockOAuth{},
			opts:   handlers.Options{RequireAuth: true, FrontendURL: "http://localhost:3000"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := handlers.NewMain(tt.llm, tt.users, tt.tokens, tt.oauth, tt.opts, testLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	main := newTestMain(t, &mockLLM{}, handlers.Options{})

	rec := serve(main, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetrics(t *testing.T) {
	main := newTestMain(t, &mockLLM{fragments: []string{"a", "b"}}, handlers.Options{})

	rec := serve(main, chatRequest(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(main, chatRequest(`{"messages":[]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(main, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `chatrelay_relay_turns_total{state="completed"} 1`)
	assert.Contains(t, body, `chatrelay_relay_turns_total{state="rejected_input"} 1`)
	assert.Contains(t, body, "chatrelay_relay_fragments_total 2")
}

func TestCORS(t *testing.T) {
	main := newTestMain(t, &mockLLM{}, handlers.Options{FrontendURL: "http://localhost:3000"})

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := serve(main, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func newTestMain(t *testing.T, llm handlers.LLM, opts handlers.Options) handlers.Main {
	t.Helper()
	main, err := handlers.NewMain(llm, nil, nil, nil, opts, testLogger())
	require.NoError(t, err)
	return main
}

func serve(main handlers.Main, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	main.Router().ServeHTTP(rec, req)
	return rec
}

func chatRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, body io.Reader) string {
	t.Helper()
	var res struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(body).Decode(&res))
	return res.Error
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (m *mockLLM) Chat(_ context.Context, messages []models.Message) iter.Seq2[string, error] {
	m.mu.Lock()
	m.calls = append(m.calls, messages)
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, fragment := range m.fragments {
			if !yield(fragment, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockUsers) User(_ context.Context, id string) (models.User, error) {
	user, ok := m.users[id]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	return user, nil
}

func (m *mockUsers) UpsertGoogleUser(_ context.Context, _ models.GoogleProfile) (models.User, error) {
	if m.upsertErr != nil {
		return models.User{}, m.upsertErr
	}
	return m.upserted, nil
}

func (m *mockTokens) Issue(models.User) (string, error) {
	if m.issued == "" {
		return "", errors.New("signing failed")
	}
	return m.issued, nil
}

func (m *mockTokens) Verify(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, models.ErrNoToken
	}
	if token != m.valid {
		return models.Identity{}, models.ErrInvalidToken
	}
	return m.identity, nil
}

func (m *mockOAuth) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (m *mockOAuth) Exchange(_ context.Context, _ string) (models.GoogleProfile, error) {
	if m.err != nil {
		return models.GoogleProfile{}, m.err
	}
	return m.profile, nil
}
