package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"rsagent/internal/domain"
)

// Submitter sends a job request to the simulation service. A returned
// error means the service could not be reached or answered nonsense; a
// rejection by the service is a JobResult with Status JobRejected.
type Submitter interface {
	Submit(ctx context.Context, req domain.JobRequest) (domain.JobResult, error)
}

type HTTPSubmitterConfig struct {
	APIBase           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables throttling
	Burst             int
	Client            *http.Client
	Logger            *slog.Logger
}

// HTTPSubmitter posts jobs to {APIBase}/jobs. It never retries; the
// caller decides whether to repair and resubmit.
type HTTPSubmitter struct {
	apiBase string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewHTTPSubmitter(cfg HTTPSubmitterConfig) *HTTPSubmitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &HTTPSubmitter{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		apiKey:  cfg.APIKey,
		client:  cfg.Client,
		limiter: limiter,
		logger:  cfg.Logger,
	}
}

type submitRequest struct {
	SchemaID   string         `json:"schema_id"`
	Parameters map[string]any `json:"parameters"`
}

type submitResponse struct {
	Accepted     bool   `json:"accepted"`
	JobID        string `json:"job_id"`
	ErrorMessage string `json:"error_message"`
	Detail       string `json:"detail"`
}

func (s *HTTPSubmitter) Submit(ctx context.Context, req domain.JobRequest) (domain.JobResult, error) {
	if err := s.wait(ctx); err != nil {
		return domain.JobResult{}, fmt.Errorf("job submit throttled: %w", err)
	}

	body, err := json.Marshal(submitRequest{SchemaID: req.SchemaID, Parameters: req.Parameters})
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("encode job request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+"/jobs", bytes.NewReader(body))
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("build job request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	s.authorize(httpReq)

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("job service unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("read job response: %w", err)
	}

	var parsed submitResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	result := domain.JobResult{SchemaID: req.SchemaID, Parameters: req.Parameters}
	switch {
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		reason := parsed.ErrorMessage
		if reason == "" {
			reason = parsed.Detail
		}
		if reason == "" {
			reason = strings.TrimSpace(string(raw))
		}
		if reason == "" {
			reason = resp.Status
		}
		result.Status = domain.JobRejected
		result.RejectionReason = reason
	case decodeErr != nil:
		return domain.JobResult{}, fmt.Errorf("decode job response: %w", decodeErr)
	case parsed.Accepted:
		if parsed.JobID == "" {
			return domain.JobResult{}, errors.New("job service accepted the job without an id")
		}
		result.Status = domain.JobAccepted
		result.JobID = parsed.JobID
	default:
		result.Status = domain.JobRejected
		result.RejectionReason = parsed.ErrorMessage
		if result.RejectionReason == "" {
			result.RejectionReason = "rejected without a reason"
		}
	}

	s.logger.Info("job submitted",
		"schema", req.SchemaID,
		"status", result.Status,
		"job_id", result.JobID,
		"http_status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (s *HTTPSubmitter) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

func (s *HTTPSubmitter) authorize(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}
