package analysis

import "context"

// Provider is the interface for any LLM completion backend.
type Provider interface {
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// CompletionRequest is a single-shot prompt.
type CompletionRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completion is the raw text returned by a provider plus usage.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}
