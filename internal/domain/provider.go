package domain

import "context"

// Provider is a chat-completion backend. Implementations wrap transport
// failures in ErrLLMUnavailable so callers can degrade.
type Provider interface {
	Name() string
	Models() []string
	Healthy(ctx context.Context) error
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Message is one turn of a prompt. Role is system, user or assistant.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-neutral completion request. Empty Model uses the
// provider default.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// Format is nil for free text, "json" for any JSON object, or a JSON
	// schema map for structured output.
	Format any
}

type ChatResponse struct {
	Content      string
	FinishReason string // stop | length
	LatencyMs    int64
	Usage        Usage
}

// Usage counts tokens as reported by the provider; zero when unreported.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
