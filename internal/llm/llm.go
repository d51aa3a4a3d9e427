// Package llm abstracts the chat completion provider behind a small interface
// so step handlers stay testable without network access.
package llm

import "context"

// Request is a single completion request.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int64
}

// Response is the completion result.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Model produces chat completions. Implementations must be safe for
// concurrent use.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
