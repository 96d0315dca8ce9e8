package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rsagent/internal/domain"
)

const (
	anthropicAPIBase      = "https://api.anthropic.com/v1"
	anthropicAPIVersion   = "2023-06-01"
	anthropicDefaultModel = "claude-3-5-haiku-latest"
	defaultMaxTokens      = 4096

	// structuredToolName is the single tool a structured request forces.
	structuredToolName  = "emit_json"
	jsonOnlyInstruction = "Respond with a single JSON object and nothing else."
)

// Anthropic implements domain.Provider for the Anthropic Messages API.
// Structured output is obtained by forcing a tool call whose input schema is
// the requested JSON schema.
type Anthropic struct {
	ep     *endpoint
	apiKey string
	model  string
}

type AnthropicConfig struct {
	APIKey          string
	APIBase         string
	Model           string
	Timeout         time.Duration
	RateLimitPerMin int
	Retries         int
	Client          *http.Client
	Logger          *slog.Logger
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.APIBase == "" {
		cfg.APIBase = anthropicAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	header := http.Header{}
	header.Set("x-api-key", cfg.APIKey)
	header.Set("anthropic-version", anthropicAPIVersion)
	return &Anthropic{
		ep:     newEndpoint("anthropic", cfg.APIBase, header, cfg.Client, cfg.Timeout, cfg.RateLimitPerMin, cfg.Retries, cfg.Logger),
		apiKey: cfg.APIKey,
		model:  cfg.Model,
	}
}

func (a *Anthropic) Name() string     { return "anthropic" }
func (a *Anthropic) Models() []string { return []string{a.model} }

// Healthy only checks configuration; the API has no free health endpoint.
func (a *Anthropic) Healthy(ctx context.Context) error {
	if a.apiKey == "" {
		return fmt.Errorf("anthropic: no API key configured: %w", domain.ErrLLMUnavailable)
	}
	return nil
}

type anthropicRequest struct {
	Model       string               `json:"model"`
	MaxTokens   int                  `json:"max_tokens"`
	System      string               `json:"system,omitempty"`
	Messages    []anthropicMsg       `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
	Tools       []anthropicTool      `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"` // "tool"
	Name string `json:"name"`
}

type anthropicContent struct {
	Type  string          `json:"type"` // "text" | "tool_use"
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Anthropic) buildRequest(req domain.ChatRequest) anthropicRequest {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := anthropicRequest{Model: model, MaxTokens: maxTokens}
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		// Consecutive same-role turns are merged; the API requires
		// alternation.
		if n := len(body.Messages); n > 0 && body.Messages[n-1].Role == m.Role {
			body.Messages[n-1].Content += "\n\n" + m.Content
			continue
		}
		body.Messages = append(body.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	switch f := req.Format.(type) {
	case string:
		if f == "json" {
			system = append(system, jsonOnlyInstruction)
		}
	case map[string]any:
		body.Tools = []anthropicTool{{
			Name:        structuredToolName,
			Description: "Return the answer as structured JSON.",
			InputSchema: f,
		}}
		body.ToolChoice = &anthropicToolChoice{Type: "tool", Name: structuredToolName}
	}
	body.System = strings.Join(system, "\n\n")
	return body
}

func (a *Anthropic) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body := a.buildRequest(req)
	start := time.Now()
	var ar anthropicResponse
	if err := a.ep.postJSON(ctx, "/messages", body, &ar); err != nil {
		return nil, err
	}

	finish := "stop"
	if ar.StopReason == "max_tokens" {
		finish = "length"
	}
	return &domain.ChatResponse{
		Content:      responseText(ar.Content),
		FinishReason: finish,
		Usage: domain.Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// responseText returns the input of the forced tool call when present, and
// the concatenated text blocks otherwise.
func responseText(blocks []anthropicContent) string {
	var text strings.Builder
	for _, block := range blocks {
		switch block.Type {
		case "tool_use":
			if block.Name == structuredToolName && len(block.Input) > 0 {
				return string(block.Input)
			}
		case "text":
			text.WriteString(block.Text)
		}
	}
	return text.String()
}
