// Package agent implements the conversation context and the core
// agent loop that drives one user turn to completion.
package agent

import (
	"fmt"
	"strings"
	"unicode"
)

// Turn roles. The prompt protocol knows exactly these three.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one role-tagged message in the conversation. Turns are
// immutable once appended; their order is chronological and fed
// verbatim into the prompt.
type Turn struct {
	Role    string
	Content string
}

// Conversation is the append-only, bounded-prompt log of turns.
//
// The full history is retained in memory for the session; the bound
// applies only to prompt construction. When the history exceeds the
// configured cap, the built prompt keeps the original system turn,
// inserts one synthetic system turn noting how many earlier turns were
// elided, and fills the remaining budget with the most recent turns.
type Conversation struct {
	systemPrompt   string
	maxPromptTurns int
	turns          []Turn
}

// NewConversation creates a conversation seeded with the system turn.
// maxPromptTurns caps the number of segments in a built prompt; values
// below 3 (system + elision marker + one recent turn) are raised to 3.
func NewConversation(systemPrompt string, maxPromptTurns int) *Conversation {
	if maxPromptTurns < 3 {
		maxPromptTurns = 3
	}
	c := &Conversation{
		systemPrompt:   systemPrompt,
		maxPromptTurns: maxPromptTurns,
	}
	c.Reset()
	return c
}

// Append adds a turn to the history.
func (c *Conversation) Append(role, content string) {
	c.turns = append(c.turns, Turn{Role: role, Content: content})
}

// Len returns the number of turns in the full history.
func (c *Conversation) Len() int {
	return len(c.turns)
}

// Turns returns a copy of the full history.
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Reset discards the history, restoring the single system turn.
func (c *Conversation) Reset() {
	c.turns = []Turn{{Role: RoleSystem, Content: c.systemPrompt}}
}

// BuildPrompt flattens the conversation into the text prompt sent to
// the model: one "Role: content" segment per turn, in order. Above the
// cap, older turns are elided as described on Conversation.
func (c *Conversation) BuildPrompt() string {
	window := c.turns
	if len(c.turns) > c.maxPromptTurns {
		elided := len(c.turns) - c.maxPromptTurns
		window = make([]Turn, 0, c.maxPromptTurns)
		window = append(window, c.turns[0])
		window = append(window, Turn{
			Role:    RoleSystem,
			Content: fmt.Sprintf("[%d earlier messages truncated]", elided),
		})
		window = append(window, c.turns[len(c.turns)-(c.maxPromptTurns-2):]...)
	}

	segments := make([]string, len(window))
	for i, t := range window {
		segments[i] = fmt.Sprintf("%s: %s\n", capitalize(t.Role), t.Content)
	}
	return strings.Join(segments, "\n")
}

// capitalize upper-cases the first rune: "user" → "User".
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
