package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic API for large language model interactions. It implements
// the LLM interface and handles streaming chat completions using Claude models.
type Anthropic struct {
	apiKey       string
	endpoint     string
	model        string
	systemPrompt string

	params LLMParameters

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float32            `json:"temperature"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"

	maxErrorBodyBytes = 4 << 10
)

// NewAnthropic creates a new Anthropic instance with the specified API key, model name, and sampling
// parameters. An empty endpoint targets the public API.
func NewAnthropic(apiKey, endpoint, model, systemPrompt string, params LLMParameters, logger *slog.Logger) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	return Anthropic{
		apiKey:       apiKey,
		endpoint:     strings.TrimSuffix(endpoint, "/"),
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// extractSystemMessages lifts every system message into a single system string, since the messages API
// only accepts user and assistant turns.
func extractSystemMessages(messages []models.Message) (string, []models.Message) {
	var system []string
	rest := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}

// Chat streams responses from the Anthropic API for a given sequence of messages. It processes system
// messages separately and returns an iterator that yields response chunks and potential errors. The
// context can be used to cancel ongoing requests.
func (a Anthropic) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		systemMessage, ms := extractSystemMessages(withSystemPrompt(messages, a.systemPrompt))

		msgs := make([]anthropicMessage, len(ms))
		for i, msg := range ms {
			msgs[i] = anthropicMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			}
		}

		reqBody := anthropicChatRequest{
			Model:       a.model,
			Messages:    msgs,
			Stream:      true,
			System:      systemMessage,
			MaxTokens:   a.params.MaxTokens,
			Temperature: a.params.Temperature,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")

		resp, err := a.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", upstreamError(false, "error sending request", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			yield("", upstreamError(false, "unexpected status",
				fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))))
			return
		}

		started := false
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", upstreamError(started, "error reading response", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield("", upstreamError(started, "error unmarshaling error", err))
					return
				}
				yield("", upstreamError(started, "anthropic error",
					fmt.Errorf("%s: %s", e.Error.Type, e.Error.Message)))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield("", upstreamError(started, "error unmarshaling response", err))
					return
				}
				if res.Delta.Text == "" {
					continue
				}
				started = true
				if !yield(res.Delta.Text, nil) {
					return
				}
			default:
				continue
			}
		}

		// The body ended without message_stop.
		if started {
			a.logger.Warn("Stream ended without message_stop", slog.String("model", a.model))
		}
		yield("", upstreamError(started, "error reading response", io.ErrUnexpectedEOF))
	}
}
