package models

import "errors"

// Message represents an individual entry within a conversation. Ordering of messages is significant: the
// full ordered list is the context sent to the language model.
type Message struct {
	ID      string `json:"id,omitempty"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is an ordered sequence of messages held in memory for the lifetime of a client session.
type Conversation []Message

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message written by the human participant.
	RoleUser Role = "user"
	// RoleAssistant represents a message generated by the language model.
	RoleAssistant Role = "assistant"
	// RoleSystem represents an instruction message that steers the language model.
	RoleSystem Role = "system"
)

var (
	// ErrInvalidInput reports a malformed or empty message list.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUpstreamUnavailable reports a failure reaching the provider before any fragment was produced.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrStreamInterrupted reports a provider stream that ended abnormally after producing fragments.
	ErrStreamInterrupted = errors.New("stream interrupted")
	// ErrClientDisconnected reports that the receiving connection went away before the stream ended.
	ErrClientDisconnected = errors.New("client disconnected")
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// HasRole reports whether any message in the conversation has the given role.
func (c Conversation) HasRole(role Role) bool {
	for _, msg := range c {
		if msg.Role == role {
			return true
		}
	}
	return false
}

// Last returns the most recent message and false if the conversation is empty.
func (c Conversation) Last() (Message, bool) {
	if len(c) == 0 {
		return Message{}, false
	}
	return c[len(c)-1], true
}

// Stripped returns a copy of the conversation without message identifiers, the form that is transmitted
// to the relay.
func (c Conversation) Stripped() []Message {
	msgs := make([]Message, len(c))
	for i, msg := range c {
		msgs[i] = Message{Role: msg.Role, Content: msg.Content}
	}
	return msgs
}
