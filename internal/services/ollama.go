package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and handles streaming chat completions.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	params LLMParameters

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model, systemPrompt string, params LLMParameters, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

// Chat implements the LLM interface by streaming responses from the Ollama model. It accepts a context
// for cancellation and a slice of messages representing the conversation history. The function returns
// an iterator that yields response chunks as strings and potential errors.
func (o Ollama) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := withSystemPrompt(messages, o.systemPrompt)

		oMsgs := make([]api.Message, len(msgs))
		for i, msg := range msgs {
			oMsgs[i] = api.Message{
				Role:    string(msg.Role),
				Content: msg.Content,
			}
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: oMsgs,
			Stream:   &t,
			Options: map[string]any{
				"temperature": o.params.Temperature,
				"num_predict": o.params.MaxTokens,
			},
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		started := false
		stopped := false
		err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			started = true
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		})
		if err == nil || stopped || errors.Is(err, context.Canceled) {
			return
		}
		yield("", upstreamError(started, "error sending request", err))
	}
}
