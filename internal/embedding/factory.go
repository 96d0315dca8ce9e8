package embedding

import (
	"context"
	"log/slog"
	"time"

	"rsagent/internal/config"
)

// NewFromConfig builds a Provider from the configured candidate list.
// Candidates that cannot be constructed are skipped with a warning.
func NewFromConfig(ctx context.Context, cfg config.EmbeddingConfig, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	var candidates []Embedder
	for _, c := range cfg.Candidates {
		switch c.Backend {
		case "ollama":
			candidates = append(candidates, NewOllama(OllamaConfig{APIBase: c.APIBase, Model: c.Model, Timeout: timeout}))
		case "genai":
			g, err := NewGenAI(ctx, c.APIKey, c.Model)
			if err != nil {
				logger.Warn("skipping embedding candidate", "backend", c.Backend, "model", c.Model, "error", err)
				continue
			}
			candidates = append(candidates, g)
		default:
			logger.Warn("unknown embedding backend", "backend", c.Backend)
		}
	}

	return NewProvider(ProviderConfig{
		Candidates:   candidates,
		RecheckAfter: time.Duration(cfg.RecheckAfterSeconds) * time.Second,
		ProbeTimeout: timeout,
		Logger:       logger,
	})
}
