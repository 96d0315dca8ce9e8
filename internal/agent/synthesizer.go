package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rsagent/internal/domain"
	"rsagent/internal/jobs"
)

// SynthesisInput is one request for job parameters. Prior and
// RejectionReason are set on repair attempts.
type SynthesisInput struct {
	Text            string
	Schema          jobs.Schema
	Prior           map[string]any
	RejectionReason string
}

// Candidate is the synthesizer's proposal. Err is a *jobs.ValidationError
// when the parameters are still invalid after local coercion.
type Candidate struct {
	Parameters map[string]any
	Coerced    bool
	Err        error
}

func (c Candidate) Valid() bool { return c.Err == nil }

type SynthesizerConfig struct {
	Provider domain.Provider
	Model    string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Synthesizer turns a job request into scenario parameters with the LLM
// and checks them locally before anything is submitted.
type Synthesizer struct {
	provider domain.Provider
	model    string
	timeout  time.Duration
	logger   *slog.Logger
}

func NewSynthesizer(cfg SynthesizerConfig) *Synthesizer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Synthesizer{
		provider: cfg.Provider,
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Synthesize returns an error only when the LLM cannot be reached or the
// context ends. Malformed or invalid output is reported through
// Candidate.Err so the caller can feed it back as a rejection.
func (s *Synthesizer) Synthesize(ctx context.Context, in SynthesisInput) (Candidate, error) {
	if s.provider == nil {
		return Candidate{}, fmt.Errorf("synthesize %s: %w", in.Schema.ID, domain.ErrLLMUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.provider.Chat(callCtx, domain.ChatRequest{
		Messages:    synthesisMessages(in),
		Model:       s.model,
		Temperature: 0.1,
		Format:      in.Schema.JSONSchema(),
	})
	if err != nil {
		return Candidate{}, fmt.Errorf("synthesize %s: %w", in.Schema.ID, err)
	}

	params, err := extractJSONObject(resp.Content)
	if err != nil {
		s.logger.Warn("malformed parameter output", "schema", in.Schema.ID, "err", err)
		return Candidate{Err: &jobs.ValidationError{
			SchemaID: in.Schema.ID,
			Issues:   []jobs.Issue{{Field: "(response)", Problem: "model output was not a JSON object"}},
		}}, nil
	}

	return checkCandidate(in.Schema, params), nil
}

// checkCandidate validates params and, on failure, applies exactly one
// coercion pass before validating again.
func checkCandidate(schema jobs.Schema, params map[string]any) Candidate {
	err := jobs.Validate(schema, params)
	if err == nil {
		return Candidate{Parameters: params}
	}
	var verr *jobs.ValidationError
	if !errors.As(err, &verr) {
		return Candidate{Parameters: params, Err: err}
	}

	coerced, changed := jobs.Coerce(schema, params)
	if !changed {
		return Candidate{Parameters: params, Err: err}
	}
	return Candidate{
		Parameters: coerced,
		Coerced:    true,
		Err:        jobs.Validate(schema, coerced),
	}
}
