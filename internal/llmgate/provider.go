// Package llmgate implements the LLM Gate (C1): the single chokepoint
// through which every LLM call in the system passes. It exposes named,
// templated operations rather than a raw chat-completion API, and each
// operation has a documented fallback for parse or transport failure.
package llmgate

import "context"

// CompletionRequest is the provider-agnostic request shape passed to
// a Provider. The gate is a request/response oracle: no streaming.
type CompletionRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Provider is implemented by each concrete LLM backend
// (Anthropic, OpenAI, Gemini, Bedrock).
type Provider interface {
	// Complete issues one request/response call and returns the
	// model's full text output.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// Name identifies the backend for logging and error wrapping.
	Name() string
}
