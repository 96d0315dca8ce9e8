package provider

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"rsagent/internal/config"
	"rsagent/internal/domain"
)

// ProviderConstructor is a function that creates a provider from a config entry.
type ProviderConstructor func(pc config.ProviderConfig, timeout time.Duration, logger *slog.Logger) domain.Provider

// Factory creates and caches LLM providers from config.
type Factory struct {
	cfg          config.LLMConfig
	logger       *slog.Logger
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.Mutex
}

// builtin maps a provider kind to its constructor. Each call gets one
// retry for transient failures.
var builtin = map[string]ProviderConstructor{
	"ollama": func(pc config.ProviderConfig, timeout time.Duration, logger *slog.Logger) domain.Provider {
		return NewOllama(OllamaConfig{APIBase: pc.APIBase, DefaultModel: pc.Model, Timeout: timeout, RateLimitPerMin: pc.RateLimitPerMin, Retries: 1, Logger: logger})
	},
	"openai": func(pc config.ProviderConfig, timeout time.Duration, logger *slog.Logger) domain.Provider {
		return NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.Model, Timeout: timeout, RateLimitPerMin: pc.RateLimitPerMin, Retries: 1, Logger: logger})
	},
	"anthropic": func(pc config.ProviderConfig, timeout time.Duration, logger *slog.Logger) domain.Provider {
		return NewAnthropic(AnthropicConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.Model, Timeout: timeout, RateLimitPerMin: pc.RateLimitPerMin, Retries: 1, Logger: logger})
	},
}

// NewFactory creates a provider factory with the built-in kinds registered.
func NewFactory(cfg config.LLMConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: maps.Clone(builtin),
		cache:        make(map[string]domain.Provider),
	}
}

// RegisterConstructor adds (or replaces) a constructor for a provider kind.
func (f *Factory) RegisterConstructor(kind string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

// Get returns the named provider, building it on first use. Later calls
// return the same instance.
func (f *Factory) Get(name string) (domain.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.cache[name]; ok {
		return p, nil
	}

	pc, ok := f.cfg.Providers[name]
	switch {
	case !ok:
		return nil, fmt.Errorf("unknown provider: %s", name)
	case !pc.Enabled:
		return nil, fmt.Errorf("provider %s is disabled", name)
	}
	build, ok := f.constructors[pc.Kind]
	if !ok {
		return nil, fmt.Errorf("provider %s: no constructor for kind %q", name, pc.Kind)
	}
	p := build(pc, time.Duration(f.cfg.TimeoutSeconds)*time.Second, f.logger)
	f.cache[name] = p
	return p, nil
}

// Chain builds the failover provider for the configured chain. Disabled or
// unknown entries are skipped with a warning; an empty chain still returns a
// provider whose calls fail with domain.ErrLLMUnavailable.
func (f *Factory) Chain() *FailoverProvider {
	var providers []domain.Provider
	for _, name := range f.cfg.FailoverChain {
		p, err := f.Get(name)
		if err != nil {
			f.logger.Warn("skipping LLM provider", "provider", name, "error", err)
			continue
		}
		providers = append(providers, p)
	}
	return NewFailoverProvider(providers, time.Duration(f.cfg.CooldownSeconds)*time.Second, f.logger)
}
