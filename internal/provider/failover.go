package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"rsagent/internal/domain"
	"rsagent/internal/metrics"
)

const defaultCooldown = 30 * time.Second

// member is one provider in the chain with its failure state.
type member struct {
	p         domain.Provider
	failures  int
	downUntil time.Time
}

// MemberStatus reports one provider's standing in the chain.
type MemberStatus struct {
	Name      string    `json:"name"`
	Available bool      `json:"available"`
	Failures  int       `json:"consecutive_failures"`
	DownUntil time.Time `json:"down_until,omitzero"`
}

// FailoverProvider tries providers in order. A provider that fails with
// domain.ErrLLMUnavailable is skipped for a cooldown that doubles with each
// consecutive failure, so a dead endpoint does not cost every turn a
// timeout. When every provider is cooling down, all are tried anyway.
type FailoverProvider struct {
	mu       sync.Mutex
	members  []*member
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewFailoverProvider creates a failover chain. cooldown <= 0 uses 30s.
func NewFailoverProvider(providers []domain.Provider, cooldown time.Duration, logger *slog.Logger) *FailoverProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	members := make([]*member, len(providers))
	for i, p := range providers {
		members[i] = &member{p: p}
	}
	return &FailoverProvider{
		members:  members,
		cooldown: cooldown,
		now:      time.Now,
		logger:   logger,
	}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.members))
	for i, m := range fp.members {
		names[i] = m.p.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (fp *FailoverProvider) Models() []string {
	var all []string
	seen := make(map[string]bool)
	for _, m := range fp.members {
		for _, model := range m.p.Models() {
			if !seen[model] {
				seen[model] = true
				all = append(all, model)
			}
		}
	}
	return all
}

// Healthy probes every provider and records the result, so a recovered
// provider rejoins the chain before its cooldown ends.
func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	healthy := false
	for _, m := range fp.members {
		err := m.p.Healthy(ctx)
		fp.record(m, err)
		if err == nil {
			healthy = true
		}
	}
	if !healthy {
		return fmt.Errorf("no healthy provider in failover chain: %w", domain.ErrLLMUnavailable)
	}
	return nil
}

// Status returns each provider's current standing, in chain order.
func (fp *FailoverProvider) Status() []MemberStatus {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	now := fp.now()
	out := make([]MemberStatus, len(fp.members))
	for i, m := range fp.members {
		out[i] = MemberStatus{
			Name:      m.p.Name(),
			Available: !now.Before(m.downUntil),
			Failures:  m.failures,
		}
		if now.Before(m.downUntil) {
			out[i].DownUntil = m.downUntil
		}
	}
	return out
}

// order returns the members to try: available ones first in chain order,
// or every member when none is available.
func (fp *FailoverProvider) order() []*member {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	now := fp.now()
	var ready []*member
	for _, m := range fp.members {
		if !now.Before(m.downUntil) {
			ready = append(ready, m)
		}
	}
	if len(ready) == 0 {
		return fp.members
	}
	return ready
}

// record updates m after a call. Only unavailability starts a cooldown; a
// provider that answered with an error is still reachable.
func (fp *FailoverProvider) record(m *member, err error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if err == nil {
		m.failures = 0
		m.downUntil = time.Time{}
		return
	}
	if !errors.Is(err, domain.ErrLLMUnavailable) {
		return
	}
	m.failures++
	// 1x, 2x, 4x, then 8x the cooldown
	m.downUntil = fp.now().Add(fp.cooldown << min(m.failures-1, 3))
}

// Chat tries each provider in order and returns the first successful
// response. A cancelled context stops the chain immediately.
func (fp *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(fp.members) == 0 {
		return nil, fmt.Errorf("empty failover chain: %w", domain.ErrLLMUnavailable)
	}
	var lastErr error
	for i, m := range fp.order() {
		name := m.p.Name()
		start := time.Now()
		resp, err := m.p.Chat(ctx, req)
		metrics.LLMLatency(name).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.LLMRequests(name, "ok").Inc()
			fp.record(m, nil)
			if i > 0 {
				fp.logger.Info("failover: used fallback provider", "provider", name, "attempt", i+1)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			metrics.LLMRequests(name, "cancelled").Inc()
			return nil, ctx.Err()
		}
		metrics.LLMRequests(name, "error").Inc()
		fp.record(m, err)
		lastErr = err
		fp.logger.Warn("failover: provider failed, trying next",
			"provider", name,
			"attempt", i+1,
			"error", err,
		)
	}
	if errors.Is(lastErr, domain.ErrLLMUnavailable) {
		return nil, fmt.Errorf("all providers in failover chain failed: %w", lastErr)
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w: %w", domain.ErrLLMUnavailable, lastErr)
}
