package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// relayState is the state a chat turn ended in.
type relayState string

const (
	stateValidating         relayState = "validating"
	stateRejectedInput      relayState = "rejected_input"
	stateStreaming          relayState = "streaming"
	stateCompleted          relayState = "completed"
	stateStreamFailed       relayState = "stream_failed"
	stateClientDisconnected relayState = "client_disconnected"
)

const maxChatBodyBytes = 1 << 20

const (
	msgMessagesRequired = "Messages array is required"
	msgInvalidMessage   = "Each message must have role and content (string)"
	msgUpstreamFailed   = "Failed to get AI response"
)

type chatRequest struct {
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string           `json:"role"`
	Content *json.RawMessage `json:"content"`
}

// inputError is a validation failure whose message is safe to return to the client.
type inputError struct {
	msg string
	err error
}

func (e inputError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e inputError) Is(target error) bool {
	return target == models.ErrInvalidInput
}

func (e inputError) Unwrap() error {
	return e.err
}

// decodeChatRequest parses and validates the chat payload. It requires a non-empty messages array where
// every element has a known role and a string content.
func decodeChatRequest(r io.Reader) ([]models.Message, error) {
	var req chatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "messages" {
			return nil, inputError{msg: msgInvalidMessage, err: err}
		}
		return nil, inputError{msg: msgMessagesRequired, err: err}
	}
	if len(req.Messages) == 0 {
		return nil, inputError{msg: msgMessagesRequired}
	}

	messages := make([]models.Message, len(req.Messages))
	for i, msg := range req.Messages {
		role := models.Role(msg.Role)
		if !role.Valid() || msg.Content == nil {
			return nil, inputError{msg: msgInvalidMessage, err: fmt.Errorf("message %d", i)}
		}
		var content string
		if err := json.Unmarshal(*msg.Content, &content); err != nil {
			return nil, inputError{msg: msgInvalidMessage, err: fmt.Errorf("message %d: %w", i, err)}
		}
		messages[i] = models.Message{Role: role, Content: content}
	}
	return messages, nil
}

// HandleChat relays one chat turn. The request body carries the whole conversation; the response body is
// the raw concatenation of the fragments produced by the LLM, each written and flushed as soon as it
// arrives. Validation failures and upstream failures that happen before the first byte get a JSON error
// body. A failure after the first byte aborts the connection so the client never mistakes a truncated
// reply for a complete one.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := m.tracer.Start(r.Context(), "chat.relay")
	defer span.End()

	logger := m.logger.With(slog.String("requestID", middleware.GetReqID(ctx)))
	state := stateValidating

	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	messages, err := decodeChatRequest(r.Body)
	if err != nil {
		state = stateRejectedInput
		logger.Warn("Rejected chat request", slog.String(errLoggerKey, err.Error()))
		m.endTurn(span, state, start, 0, err)
		var ie inputError
		msg := msgMessagesRequired
		if errors.As(err, &ie) {
			msg = ie.msg
		}
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	state = stateStreaming
	span.SetAttributes(attribute.Int("chat.messages", len(messages)))

	ctx, cancel := context.WithTimeout(ctx, m.turnTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	rc := http.NewResponseController(w)

	written := false
	fragments := 0
	var streamErr error
	for fragment, err := range m.llm.Chat(ctx, messages) {
		if err != nil {
			streamErr = err
			break
		}
		written = true
		if _, err := io.WriteString(w, fragment); err != nil {
			streamErr = fmt.Errorf("%w: %w", models.ErrClientDisconnected, err)
			break
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			streamErr = fmt.Errorf("%w: %w", models.ErrClientDisconnected, err)
			break
		}
		fragments++
	}

	if streamErr == nil && ctx.Err() != nil {
		// The sequence stopped because the turn context ended rather than because the provider finished.
		if r.Context().Err() != nil {
			streamErr = fmt.Errorf("%w: %w", models.ErrClientDisconnected, r.Context().Err())
		} else {
			streamErr = fmt.Errorf("%w: turn timeout: %w", models.ErrStreamInterrupted, ctx.Err())
		}
	}

	switch {
	case streamErr == nil:
		state = stateCompleted
		logger.Debug("Chat turn completed",
			slog.Int("fragments", fragments),
			slog.Duration("duration", time.Since(start)))
		m.endTurn(span, state, start, fragments, nil)
	case errors.Is(streamErr, models.ErrClientDisconnected):
		state = stateClientDisconnected
		logger.Debug("Client disconnected during chat turn",
			slog.Int("fragments", fragments),
			slog.String(errLoggerKey, streamErr.Error()))
		m.endTurn(span, state, start, fragments, streamErr)
	default:
		state = stateStreamFailed
		logger.Error("Error from llm provider",
			slog.Bool("headersSent", written),
			slog.Int("fragments", fragments),
			slog.String(errLoggerKey, streamErr.Error()))
		m.endTurn(span, state, start, fragments, streamErr)
		if !written {
			respondError(w, http.StatusInternalServerError, msgUpstreamFailed)
			return
		}
		// Bytes are already on the wire, so the status can no longer change. Aborting the handler drops
		// the connection without the terminating chunk.
		panic(http.ErrAbortHandler)
	}
}

func (m Main) endTurn(span trace.Span, state relayState, start time.Time, fragments int, err error) {
	span.SetAttributes(
		attribute.String("chat.state", string(state)),
		attribute.Int("chat.fragments", fragments),
	)
	if err != nil && state != stateClientDisconnected {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(state))
	}
	m.metrics.observeTurn(state, fragments, time.Since(start))
}
