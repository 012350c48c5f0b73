package services

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/chat-relay/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// GroqBaseURL is the OpenAI-compatible endpoint used when no base URL is configured.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// OpenAI provides an implementation of the LLM interface for OpenAI-compatible chat completion APIs.
type OpenAI struct {
	model        string
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance with the specified API key, base URL, model name, and system prompt.
// An empty baseURL targets Groq.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = GroqBaseURL
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

// Chat streams a chat completion for messages. The returned sequence yields non-empty text fragments in
// the order the provider emits them and ends either by exhaustion or with a single error.
func (o OpenAI) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := withSystemPrompt(messages, o.systemPrompt)

		oMsgs := make([]goopenai.ChatCompletionMessage, len(msgs))
		for i, msg := range msgs {
			oMsgs[i] = goopenai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			}
		}

		req := goopenai.ChatCompletionRequest{
			Model:       o.model,
			Messages:    oMsgs,
			Temperature: o.params.Temperature,
			MaxTokens:   o.params.MaxTokens,
			Stream:      true,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", upstreamError(false, "error sending request", err))
			return
		}
		defer stream.Close()

		started := false
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", upstreamError(started, "error receiving response", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			content := response.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			started = true
			if !yield(content, nil) {
				o.logger.Debug("Stream consumer stopped", slog.String("model", o.model))
				return
			}
		}
	}
}
