package services

import (
	"fmt"
	"slices"

	"github.com/MegaGrindStone/chat-relay/internal/models"
)

// DefaultSystemPrompt is prepended to conversations that carry no system message.
const DefaultSystemPrompt = "You are a helpful AI assistant."

// LLMParameters holds the sampling settings fixed for a deployment. They are never request-scoped.
type LLMParameters struct {
	Temperature float32
	MaxTokens   int
}

// DefaultLLMParameters returns the settings used when the configuration leaves them unset.
func DefaultLLMParameters() LLMParameters {
	return LLMParameters{
		Temperature: 0.7,
		MaxTokens:   2048,
	}
}

// withSystemPrompt returns messages with a system message at position 0 when none of them has the system
// role. The input slice is never modified.
func withSystemPrompt(messages []models.Message, prompt string) []models.Message {
	if models.Conversation(messages).HasRole(models.RoleSystem) {
		return messages
	}
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	return slices.Insert(slices.Clone(messages), 0, models.Message{
		Role:    models.RoleSystem,
		Content: prompt,
	})
}

// upstreamError classifies err by whether the stream had already produced a fragment.
func upstreamError(started bool, msg string, err error) error {
	if started {
		return fmt.Errorf("%w: %s: %w", models.ErrStreamInterrupted, msg, err)
	}
	return fmt.Errorf("%w: %s: %w", models.ErrUpstreamUnavailable, msg, err)
}
