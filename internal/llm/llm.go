// Package llm routes chat generation to provider adapters and normalizes
// their request, response, and error shapes. Adapters are DB-free: they get
// an API key and a request, and speak only their provider's SDK.
package llm

import "context"

// Provider identifiers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Message roles in the normalized request shape.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation in provider-neutral form. System text
// travels separately on Request because providers disagree on where it goes.
type Message struct {
	Role    string
	Content string
}

// Request is a normalized generation request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage holds normalized token counts.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a complete blocking-path response.
type Response struct {
	Content   string
	Usage     Usage
	RequestID string
}

// Chunk is one piece of a streaming response. Exactly one terminal chunk is
// delivered: either Done with optional final Usage, or Err set.
type Chunk struct {
	Delta     string
	Done      bool
	Usage     *Usage
	RequestID string
	Err       error
}

// Adapter is a single provider backend.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, apiKey string, req Request) (*Response, error)
	GenerateStream(ctx context.Context, apiKey string, req Request) (<-chan Chunk, error)
}
