// Package llm implements the C5 LLM Client Abstraction: a uniform
// complete/stream surface over multiple providers with a fallback chain,
// generalizing core.AIClient/core.StreamingAIClient into a single
// interface that every provider (Bedrock, any OpenAI-compatible HTTP
// endpoint) satisfies identically.
package llm

import (
	"context"
)

// StreamCallback receives one token at a time during Stream. Returning a
// non-nil error stops the stream early without it being treated as a
// failure.
type StreamCallback func(chunk Chunk) error

// Chunk is one unit of a streamed completion.
type Chunk struct {
	Content      string
	Delta        bool
	Index        int
	FinishReason string
	Model        string
	Usage        *Usage
}

// Usage mirrors the token accounting every provider reports.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ProviderModel names one (provider, model) pair in a fallback chain.
type ProviderModel struct {
	Provider string
	Model    string
}

// Options enumerates every field complete/stream recognize, per the
// fixed option surface — no provider-specific fields leak through this
// struct, they live in each provider's request builder instead.
type Options struct {
	Model         string
	FallbackChain []ProviderModel
	Temperature   float32
	MaxTokens     int
	Stop          []string
	Tools         []ToolSchema
	Metadata      map[string]interface{}
	StreamCallback StreamCallback
}

// ToolSchema is the subset of a catalog tool schema the LLM call site
// forwards for a tool-calling round; C6 owns the full shape.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Completion is the result of Complete or the terminal result of Stream.
type Completion struct {
	Content  string
	Model    string
	Provider string
	Usage    Usage
}

// Message is one turn of conversation history, used only by the
// context_overflow truncation path — callers that only need a single
// prompt string can ignore it entirely.
type Message struct {
	Role    string
	Content string
}

// Client is the C5 contract. Every provider and the fallback-chain
// wrapper in chain.go implement it identically.
type Client interface {
	Complete(ctx context.Context, prompt string, options *Options) (*Completion, error)
	Stream(ctx context.Context, prompt string, options *Options) (*Completion, error)
}
