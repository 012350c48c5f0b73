package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context
// and a sequence of messages, returning an iterator that yields response fragments and potential errors.
// The sequence ends by exhaustion on success or with exactly one non-nil error on failure.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// UserStore resolves and looks up the accounts created through OAuth login.
type UserStore interface {
	User(ctx context.Context, id string) (models.User, error)
	UpsertGoogleUser(ctx context.Context, profile models.GoogleProfile) (models.User, error)
}

// Tokens issues and verifies bearer tokens.
type Tokens interface {
	Issue(user models.User) (string, error)
	Verify(token string) (models.Identity, error)
}

// OAuthProvider performs the authorization code flow against the identity provider.
type OAuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (models.GoogleProfile, error)
}

// Options holds the deployment settings of Main.
type Options struct {
	// RequireAuth makes the chat relay reject requests without a valid bearer token.
	RequireAuth bool
	// FrontendURL is the origin allowed by CORS and the target of OAuth redirects.
	FrontendURL string
	// TurnTimeout bounds the total duration of one relayed chat turn.
	TurnTimeout time.Duration
}

// Main handles the HTTP surface of the relay: the streaming chat endpoint, the login flow and the
// operational endpoints.
type Main struct {
	llm    LLM
	users  UserStore
	tokens Tokens
	oauth  OAuthProvider

	requireAuth bool
	frontendURL string
	turnTimeout time.Duration

	metrics relayMetrics
	tracer  trace.Tracer

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	defaultTurnTimeout = 5 * time.Minute
)

// NewMain creates a new Main instance. users, tokens and oauth may be nil, in which case the routes that
// need them are not registered; tokens is mandatory when opts.RequireAuth is set.
func NewMain(llm LLM, users UserStore, tokens Tokens, oauth OAuthProvider, opts Options, logger *slog.Logger) (Main, error) {
	if llm == nil {
		return Main{}, errors.New("llm is required")
	}
	if opts.RequireAuth && tokens == nil {
		return Main{}, errors.New("tokens are required when auth is required")
	}
	if oauth != nil && (users == nil || tokens == nil) {
		return Main{}, errors.New("oauth login requires a user store and tokens")
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = defaultTurnTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return Main{
		llm:         llm,
		users:       users,
		tokens:      tokens,
		oauth:       oauth,
		requireAuth: opts.RequireAuth,
		frontendURL: opts.FrontendURL,
		turnTimeout: opts.TurnTimeout,
		metrics:     newRelayMetrics(),
		tracer:      otel.Tracer("github.com/MegaGrindStone/chat-relay/internal/handlers"),
		logger:      logger.With(slog.String("module", "handlers")),
	}, nil
}

// Router returns the chi router serving every endpoint of Main.
func (m Main) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(m.logRequests)
	r.Use(middleware.Recoverer)
	if m.frontendURL != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{m.frontendURL},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health", m.HandleHealth)
	r.Handle("/metrics", m.metrics.handler())

	r.Route("/api", func(api chi.Router) {
		api.Group(func(chat chi.Router) {
			if m.requireAuth {
				chat.Use(m.authenticate)
			}
			chat.Post("/chat", m.HandleChat)
		})

		api.Route("/auth", func(auth chi.Router) {
			auth.Post("/logout", m.HandleLogout)
			if m.oauth != nil {
				auth.Get("/google", m.HandleGoogleLogin)
				auth.Get("/google/callback", m.HandleGoogleCallback)
			}
			if m.tokens != nil && m.users != nil {
				auth.With(m.authenticate).Get("/me", m.HandleMe)
			}
		})
	})

	return r
}

// HandleHealth reports liveness.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (m Main) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			m.logger.Debug("Request served",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("requestID", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
