package provider

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"rsagent/internal/domain"
)

// OpenAI implements domain.Provider for OpenAI-compatible chat completion
// APIs, including local servers that speak the same protocol.
type OpenAI struct {
	ep    *endpoint
	model string
}

type OpenAIConfig struct {
	APIKey          string
	APIBase         string
	Model           string
	Timeout         time.Duration
	RateLimitPerMin int
	Retries         int
	Client          *http.Client
	Logger          *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &OpenAI{
		ep:    newEndpoint("openai", cfg.APIBase, header, cfg.Client, cfg.Timeout, cfg.RateLimitPerMin, cfg.Retries, cfg.Logger),
		model: cfg.Model,
	}
}

func (o *OpenAI) Name() string     { return "openai" }
func (o *OpenAI) Models() []string { return []string{o.model} }

func (o *OpenAI) Healthy(ctx context.Context) error {
	return o.ep.probe(ctx, "/models")
}

type oaiRequest struct {
	Model          string             `json:"model"`
	Messages       []oaiMessage       `json:"messages"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	Temperature    *float64           `json:"temperature,omitempty"`
	ResponseFormat *oaiResponseFormat `json:"response_format,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponseFormat struct {
	Type       string         `json:"type"` // json_object | json_schema
	JSONSchema *oaiJSONSchema `json:"json_schema,omitempty"`
}

type oaiJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
}

type oaiResponse struct {
	Choices []oaiChoice  `json:"choices"`
	Usage   domain.Usage `json:"usage"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	body := oaiRequest{Model: model, MaxTokens: req.MaxTokens}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, oaiMessage{Role: m.Role, Content: m.Content})
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	switch f := req.Format.(type) {
	case string:
		if f == "json" {
			body.ResponseFormat = &oaiResponseFormat{Type: "json_object"}
		}
	case map[string]any:
		body.ResponseFormat = &oaiResponseFormat{
			Type:       "json_schema",
			JSONSchema: &oaiJSONSchema{Name: "parameters", Schema: f},
		}
	}

	start := time.Now()
	var out oaiResponse
	if err := o.ep.postJSON(ctx, "/chat/completions", body, &out); err != nil {
		return nil, err
	}

	resp := &domain.ChatResponse{
		FinishReason: "stop",
		Usage:        out.Usage,
		LatencyMs:    time.Since(start).Milliseconds(),
	}
	if len(out.Choices) > 0 {
		resp.Content = out.Choices[0].Message.Content
		resp.FinishReason = out.Choices[0].FinishReason
	}
	return resp, nil
}
