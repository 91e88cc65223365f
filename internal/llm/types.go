// Package llm provides the text-generation backends that write the
// tool-call directives WebPilot executes.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the provider-neutral result of a generation.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	// FinishReason is "stop", "length", ... when the backend reports it.
	FinishReason string

	InputTokens  int
	OutputTokens int

	// TotalDuration is measured around the request.
	TotalDuration time.Duration
}

// Options are the sampling parameters sent with every request.
type Options struct {
	Temperature float64
	MaxTokens   int
}
