package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// Google performs the OAuth 2.0 authorization code exchange against Google and fetches the user profile.
type Google struct {
	config      *oauth2.Config
	userInfoURL string
}

// NewGoogle creates a Google OAuth client requesting the profile and email scopes.
func NewGoogle(clientID, clientSecret, callbackURL string) Google {
	return Google{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"openid", "profile", "email"},
		},
		userInfoURL: googleUserInfoURL,
	}
}

// WithEndpoints returns a copy of g talking to the given OAuth and userinfo endpoints instead of Google's.
func (g Google) WithEndpoints(authURL, tokenURL, userInfoURL string) Google {
	cfg := *g.config
	cfg.Endpoint = oauth2.Endpoint{
		AuthURL:   authURL,
		TokenURL:  tokenURL,
		AuthStyle: oauth2.AuthStyleInParams,
	}
	g.config = &cfg
	g.userInfoURL = userInfoURL
	return g
}

// AuthCodeURL returns the consent page URL carrying state.
func (g Google) AuthCodeURL(state string) string {
	return g.config.AuthCodeURL(state)
}

// Exchange trades the authorization code for a token and returns the profile of the signed-in account.
// Every failure matches models.ErrUpstreamProvider.
func (g Google) Exchange(ctx context.Context, code string) (models.GoogleProfile, error) {
	tok, err := g.config.Exchange(ctx, code)
	if err != nil {
		return models.GoogleProfile{}, fmt.Errorf("%w: exchange code: %w", models.ErrUpstreamProvider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return models.GoogleProfile{}, fmt.Errorf("%w: create userinfo request: %w", models.ErrUpstreamProvider, err)
	}
	resp, err := g.config.Client(ctx, tok).Do(req)
	if err != nil {
		return models.GoogleProfile{}, fmt.Errorf("%w: fetch userinfo: %w", models.ErrUpstreamProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return models.GoogleProfile{}, fmt.Errorf("%w: userinfo status %d: %s",
			models.ErrUpstreamProvider, resp.StatusCode, body)
	}

	var profile models.GoogleProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return models.GoogleProfile{}, fmt.Errorf("%w: decode userinfo: %w", models.ErrUpstreamProvider, err)
	}
	if profile.ID == "" || profile.Email == "" {
		return models.GoogleProfile{}, fmt.Errorf("%w: userinfo without subject or email", models.ErrUpstreamProvider)
	}
	return profile, nil
}
