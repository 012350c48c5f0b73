package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/google/uuid"
)

// ErrorContent replaces the assistant message of a turn that failed.
const ErrorContent = "Error: Failed to get response"

var (
	// ErrAwaitingStream is returned by Submit while the previous turn is still streaming.
	ErrAwaitingStream = errors.New("a response is still streaming")
	// ErrEmptyMessage is returned by Submit for blank input.
	ErrEmptyMessage = errors.New("message is empty")
)

const readChunkSize = 4 << 10

// Session holds one conversation with the relay and drives its chat turns. The conversation only grows
// at the end; the in-flight assistant message is only ever appended to, except on failure where its
// content is replaced by ErrorContent.
type Session struct {
	endpoint   string
	token      string
	httpClient *http.Client

	// awaiting serializes turns: it is set while a stream is open and new submissions are ignored.
	awaiting atomic.Bool

	mu       sync.RWMutex
	messages models.Conversation

	onUpdate func(models.Conversation)

	logger *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithToken sends token as a bearer token with every turn.
func WithToken(token string) Option {
	return func(s *Session) {
		s.token = token
	}
}

// WithHTTPClient replaces the HTTP client used to reach the relay.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		s.httpClient = c
	}
}

// WithUpdateHandler registers fn to be called with a snapshot of the conversation after every change.
// It is called from the goroutine running Submit.
func WithUpdateHandler(fn func(models.Conversation)) Option {
	return func(s *Session) {
		s.onUpdate = fn
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession creates a session posting turns to endpoint, the full URL of the relay's chat route.
func NewSession(endpoint string, opts ...Option) *Session {
	s := &Session{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("module", "client"))
	return s
}

// Messages returns a snapshot of the conversation.
func (s *Session) Messages() models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(models.Conversation(nil), s.messages...)
}

// Awaiting reports whether a turn is currently streaming.
func (s *Session) Awaiting() bool {
	return s.awaiting.Load()
}

// Submit sends content as a new user message and streams the assistant reply into the conversation. It
// blocks until the reply ends. While another turn is streaming it returns ErrAwaitingStream without any
// effect on the conversation.
//
// On a failed turn the assistant message holds ErrorContent and the error is returned; the session is
// ready for the next submission either way.
func (s *Session) Submit(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	if !s.awaiting.CompareAndSwap(false, true) {
		return ErrAwaitingStream
	}
	defer s.awaiting.Store(false)

	s.mu.Lock()
	s.messages = append(s.messages, models.Message{
		ID:      uuid.New().String(),
		Role:    models.RoleUser,
		Content: content,
	})
	history := s.messages.Stripped()
	s.messages = append(s.messages, models.Message{
		ID:   uuid.New().String(),
		Role: models.RoleAssistant,
	})
	placeholder := len(s.messages) - 1
	s.mu.Unlock()
	s.notify()

	if err := s.stream(ctx, history, placeholder); err != nil {
		s.logger.Error("Chat turn failed", slog.String("err", err.Error()))
		s.mu.Lock()
		s.messages[placeholder].Content = ErrorContent
		s.mu.Unlock()
		s.notify()
		return err
	}
	return nil
}

func (s *Session) stream(ctx context.Context, history []models.Message, placeholder int) error {
	body, err := json.Marshal(struct {
		Messages []models.Message `json:"messages"`
	}{Messages: history})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return errors.New("no response body")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http error, status: %d", resp.StatusCode)
	}

	dec := newTextDecoder()
	buf := make([]byte, readChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			s.appendText(placeholder, dec.decode(buf[:n], false))
		}
		if errors.Is(err, io.EOF) {
			s.appendText(placeholder, dec.decode(nil, true))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
	}
}

func (s *Session) appendText(idx int, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.messages[idx].Content += text
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	if s.onUpdate == nil {
		return
	}
	s.onUpdate(s.Messages())
}
