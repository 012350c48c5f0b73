package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// Tokens issues and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type tokenClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// NewTokens creates a token service signing with secret. Tokens expire after ttl.
func NewTokens(secret string, ttl time.Duration) (Tokens, error) {
	if secret == "" {
		return Tokens{}, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		return Tokens{}, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	return Tokens{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue signs a token for user.
func (t Tokens) Issue(user models.User) (string, error) {
	now := t.now()
	claims := tokenClaims{
		UserID: user.ID,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses token and returns the identity it carries.
func (t Tokens) Verify(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, models.ErrNoToken
	}
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !parsed.Valid {
		return models.Identity{}, fmt.Errorf("%w: %w", models.ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return models.Identity{}, fmt.Errorf("%w: missing user id", models.ErrInvalidToken)
	}
	return models.Identity{UserID: claims.UserID, Email: claims.Email}, nil
}
