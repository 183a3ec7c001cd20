// Package llm holds the OpenAI-compatible chat client used by the
// coordinator, plus the retry wrapper and the test double.
package llm

import (
	"context"

	"marduk/internal/memory"
)

// Message is one turn in a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion call.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Response is the assistant's reply plus token accounting.
type Response struct {
	Content      string
	Model        string
	FinishReason string
	Usage        memory.Usage
}

// Client completes chat requests against a language model.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	// Model returns the configured model identifier.
	Model() string
}
