package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/google/uuid"
)

type identityContextKey struct{}

const (
	oauthStateCookie = "oauth_state"
	oauthStateTTL    = 10 * time.Minute
)

type userResponse struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Picture    string `json:"picture"`
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

// IdentityFromContext returns the identity attached by the authentication middleware, if any.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(models.Identity)
	return identity, ok
}

func (m Main) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.tokens.Verify(bearerToken(r.Header.Get("Authorization")))
		if err != nil {
			m.logger.Warn("Unauthenticated request",
				slog.String("path", r.URL.Path),
				slog.String(errLoggerKey, err.Error()))
			if errors.Is(err, models.ErrNoToken) {
				respondError(w, http.StatusUnauthorized, "No token provided")
				return
			}
			respondError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// HandleGoogleLogin starts the OAuth flow by redirecting to the provider's consent page. A random state is
// stored in a short-lived cookie and checked on callback.
func (m Main) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/api/auth",
		MaxAge:   int(oauthStateTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, m.oauth.AuthCodeURL(state), http.StatusFound)
}

// HandleGoogleCallback completes the OAuth flow: it exchanges the code, resolves the user and redirects
// to the frontend with a freshly issued bearer token. Every failure redirects to the frontend error page
// with a reason; no token is issued unless a user was resolved.
func (m Main) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	cookie, err := r.Cookie(oauthStateCookie)
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Path: "/api/auth", MaxAge: -1})
	if err != nil || cookie.Value == "" || cookie.Value != query.Get("state") {
		m.logger.Warn("OAuth state mismatch")
		m.redirectAuthError(w, r, "invalid_state")
		return
	}
	if e := query.Get("error"); e != "" {
		m.logger.Warn("OAuth provider returned error", slog.String("error", e))
		m.redirectAuthError(w, r, "upstream_provider")
		return
	}

	profile, err := m.oauth.Exchange(r.Context(), query.Get("code"))
	if err != nil {
		m.logger.Error("Failed to exchange oauth code", slog.String(errLoggerKey, err.Error()))
		m.redirectAuthError(w, r, failureReason(err))
		return
	}

	user, err := m.users.UpsertGoogleUser(r.Context(), profile)
	if err != nil {
		m.logger.Error("Failed to resolve user",
			slog.String("email", profile.Email),
			slog.String(errLoggerKey, err.Error()))
		m.redirectAuthError(w, r, failureReason(err))
		return
	}

	token, err := m.tokens.Issue(user)
	if err != nil {
		m.logger.Error("Failed to issue token", slog.String(errLoggerKey, err.Error()))
		m.redirectAuthError(w, r, "internal")
		return
	}

	target := strings.TrimSuffix(m.frontendURL, "/") + "/auth/callback?token=" + url.QueryEscape(token)
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleMe returns the authenticated user.
func (m Main) HandleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "No token provided")
		return
	}

	user, err := m.users.User(r.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			respondError(w, http.StatusNotFound, "User not found")
			return
		}
		m.logger.Error("Failed to get user",
			slog.String("userID", identity.UserID),
			slog.String(errLoggerKey, err.Error()))
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondJSON(w, http.StatusOK, userResponse{
		ID:         user.ID,
		Email:      user.Email,
		Name:       user.Name,
		Picture:    user.Picture,
		GivenName:  user.GivenName,
		FamilyName: user.FamilyName,
	})
}

// HandleLogout acknowledges a logout. Tokens are stateless, so the client discards its own copy.
func (m Main) HandleLogout(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (m Main) redirectAuthError(w http.ResponseWriter, r *http.Request, reason string) {
	target := strings.TrimSuffix(m.frontendURL, "/") + "/auth/error?reason=" + url.QueryEscape(reason)
	http.Redirect(w, r, target, http.StatusFound)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrDuplicateAccount):
		return "duplicate_account"
	case errors.Is(err, models.ErrUpstreamProvider):
		return "upstream_provider"
	case errors.Is(err, models.ErrUserNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
