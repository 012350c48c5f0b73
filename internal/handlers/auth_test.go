package handlers_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/MegaGrindStone/chat-relay/internal/handlers"
	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFrontend = "http://localhost:3000"

func newAuthMain(t *testing.T, users *mockUsers, oauth *mockOAuth) handlers.Main {
	t.Helper()
	tokens := &mockTokens{
		valid:    "good",
		identity: models.Identity{UserID: "u1", Email: "ada@example.com"},
		issued:   "issued-token",
	}
	main, err := handlers.NewMain(&mockLLM{}, users, tokens, oauth, handlers.Options{FrontendURL: testFrontend}, testLogger())
	require.NoError(t, err)
	return main
}

func TestHandleGoogleLogin(t *testing.T) {
	main := newAuthMain(t, &mockUsers{}, &mockOAuth{})

	rec := serve(main, httptest.NewRequest(http.MethodGet, "/api/auth/google", nil))

	require.Equal(t, http.StatusFound, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "oauth_state", cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, cookies[0].Value, loc.Query().Get("state"))
}

func TestHandleGoogleCallback(t *testing.T) {
	profile := models.GoogleProfile{ID: "g-1", Email: "ada@example.com", Name: "Ada"}

	tests := []struct {
		name         string
		cookieState  string
		query        url.Values
		users        *mockUsers
		oauth        *mockOAuth
		wantLocation string
	}{
		{
			name:         "Success",
			cookieState:  "s1",
			query:        url.Values{"state": {"s1"}, "code": {"c"}},
			users:        &mockUsers{upserted: models.User{ID: "u1", Email: "ada@example.com"}},
			oauth:        &mockOAuth{profile: profile},
			wantLocation: testFrontend + "/auth/callback?token=issued-token",
		},
		{
			name:         "Missing state cookie",
			query:        url.Values{"state": {"s1"}, "code": {"c"}},
			users:        &mockUsers{},
			oauth:        &mockOAuth{profile: profile},
			wantLocation: testFrontend + "/auth/error?reason=invalid_state",
		},
		{
			name:         "State mismatch",
			cookieState:  "s1",
			query:        url.Values{"state": {"s2"}, "code": {"c"}},
			users:        &mockUsers{},
			oauth:        &mockOAuth{profile: profile},
			wantLocation: testFrontend + "/auth/error?reason=invalid_state",
		},
		{
			name:         "Consent denied",
			cookieState:  "s1",
			query:        url.Values{"state": {"s1"}, "error": {"access_denied"}},
			users:        &mockUsers{},
			oauth:        &mockOAuth{profile: profile},
			wantLocation: testFrontend + "/auth/error?reason=upstream_provider",
		},
		{
			name:         "Exchange failure",
			cookieState:  "s1",
			query:        url.Values{"state": {"s1"}, "code": {"c"}},
			users:        &mockUsers{},
			oauth:        &mockOAuth{err: fmt.Errorf("%w: bad code", models.ErrUpstreamProvider)},
			wantLocation: testFrontend + "/auth/error?reason=upstream_provider",
		},
		{
			name:         "Duplicate account",
			cookieState:  "s1",
			query:        url.Values{"state": {"s1"}, "code": {"c"}},
			users:        &mockUsers{upsertErr: models.ErrDuplicateAccount},
			oauth:        &mockOAuth{profile: profile},
			wantLocation: testFrontend + "/auth/error?reason=duplicate_account",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newAuthMain(t, tt.users, tt.oauth)

			req := httptest.NewRequest(http.MethodGet, "/api/auth/google/callback?"+tt.query.Encode(), nil)
			if tt.cookieState != "" {
				req.AddCookie(&http.Cookie{Name: "oauth_state", Value: tt.cookieState})
			}
			rec := serve(main, req)

			assert.Equal(t, http.StatusFound, rec.Code)
			assert.Equal(t, tt.wantLocation, rec.Header().Get("Location"))
		})
	}
}

func TestHandleMe(t *testing.T) {
	user := models.User{ID: "u1", Email: "ada@example.com", Name: "Ada", Picture: "https://example.com/a.png"}

	tests := []struct {
		name       string
		header     string
		users      map[string]models.User
		wantStatus int
	}{
		{
			name:       "Authenticated",
			header:     "Bearer good",
			users:      map[string]models.User{"u1": user},
			wantStatus: http.StatusOK,
		},
		{
			name:       "No token",
			users:      map[string]models.User{"u1": user},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "User deleted",
			header:     "Bearer good",
			users:      map[string]models.User{},
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newAuthMain(t, &mockUsers{users: tt.users}, &mockOAuth{})

			req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := serve(main, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			assert.Equal(t, "u1", got["id"])
			assert.Equal(t, "ada@example.com", got["email"])
			assert.Equal(t, "Ada", got["name"])
			assert.Equal(t, "https://example.com/a.png", got["picture"])
		})
	}
}

func TestHandleLogout(t *testing.T) {
	main := newTestMain(t, &mockLLM{}, handlers.Options{})

	rec := serve(main, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Logged out successfully"}`, rec.Body.String())
}

func TestAuthRoutesDisabledWithoutOAuth(t *testing.T) {
	main := newTestMain(t, &mockLLM{}, handlers.Options{})

	rec := serve(main, httptest.NewRequest(http.MethodGet, "/api/auth/google", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
