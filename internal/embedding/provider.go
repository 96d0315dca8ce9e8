package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rsagent/internal/domain"
)

const (
	defaultRecheckAfter = 30 * time.Second
	defaultProbeTimeout = 15 * time.Second
	probeText           = "microwave remote sensing"
)

// ProviderConfig configures a ranked embedding provider.
type ProviderConfig struct {
	// Candidates in priority order. The first one that answers a probe wins.
	Candidates []Embedder
	// RecheckAfter is how long an unhealthy provider waits before probing
	// the candidates again.
	RecheckAfter time.Duration
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Provider exposes a single embedding model chosen from a ranked list of
// candidates. It initializes lazily on first use and never fails
// construction: with no usable candidate it simply reports unhealthy, and
// Embed fails fast with domain.ErrEmbeddingUnavailable.
type Provider struct {
	candidates   []Embedder
	recheckAfter time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.RWMutex
	active      Embedder
	dim         int
	initialized bool
	probing     bool
	lastProbe   time.Time
	forced      bool
}

func NewProvider(cfg ProviderConfig) *Provider {
	if cfg.RecheckAfter <= 0 {
		cfg.RecheckAfter = defaultRecheckAfter
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{
		candidates:   cfg.Candidates,
		recheckAfter: cfg.RecheckAfter,
		probeTimeout: cfg.ProbeTimeout,
		logger:       cfg.Logger,
		now:          time.Now,
	}
}

// Healthy reports whether an embedding model is usable. The first call
// probes the candidates; after a failure the candidates are probed again
// once RecheckAfter has elapsed, so recovery is picked up automatically.
// Only one caller probes at a time; others see the current state.
func (p *Provider) Healthy() bool {
	p.mu.Lock()
	if p.forced {
		p.mu.Unlock()
		return false
	}
	due := !p.initialized || (p.active == nil && p.now().Sub(p.lastProbe) >= p.recheckAfter)
	if !due || p.probing {
		healthy := p.active != nil
		p.mu.Unlock()
		return healthy
	}
	p.probing = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.probeTimeout)
	defer cancel()
	p.probe(ctx)

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active != nil && !p.forced
}

// probe walks the candidates in order and activates the first one that
// returns a vector.
func (p *Provider) probe(ctx context.Context) {
	var (
		chosen Embedder
		dim    int
	)
	for _, c := range p.candidates {
		vec, err := c.Embed(ctx, probeText)
		if err != nil {
			p.logger.Warn("embedding candidate unavailable", "model", c.Name(), "error", err)
			continue
		}
		chosen, dim = c, len(vec)
		break
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = true
	p.probing = false
	p.lastProbe = p.now()
	prev := p.active
	p.active, p.dim = chosen, dim

	switch {
	case chosen == nil:
		p.logger.Warn("no embedding model available, dense retrieval disabled",
			"candidates", len(p.candidates))
	case prev == nil || prev.Name() != chosen.Name():
		p.logger.Info("embedding model active", "model", chosen.Name(), "dim", dim)
	}
}

// Embed returns the vector for text from the active model. A failing call
// marks the provider unhealthy; the next health check re-probes the chain.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if !p.Healthy() {
		return nil, domain.ErrEmbeddingUnavailable
	}
	p.mu.RLock()
	active := p.active
	p.mu.RUnlock()
	if active == nil {
		return nil, domain.ErrEmbeddingUnavailable
	}

	vec, err := active.Embed(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.markFailed(active, err)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrEmbeddingUnavailable, active.Name(), err)
	}
	return vec, nil
}

func (p *Provider) markFailed(e Embedder, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != e {
		return
	}
	p.logger.Warn("embedding model failed, marking unhealthy", "model", e.Name(), "error", err)
	p.active = nil
	p.dim = 0
	// Re-probe on the next health check so a lower-ranked model can take over.
	p.lastProbe = time.Time{}
}

// ActiveModel returns the tag of the active model, or "" when unhealthy.
func (p *Provider) ActiveModel() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.active == nil || p.forced {
		return ""
	}
	return p.active.Name()
}

// Dimensions returns the vector size of the active model, or 0.
func (p *Provider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dim
}

// SetForcedUnhealthy pins the provider to the unhealthy state, which makes
// every retrieval use the sparse index. Used for maintenance and tests.
func (p *Provider) SetForcedUnhealthy(forced bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forced = forced
}

// Reset forgets the current choice; the next call probes again.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = false
	p.active = nil
	p.dim = 0
}
