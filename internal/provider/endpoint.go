package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"rsagent/internal/domain"
)

// SharedHTTPClient returns a pooled client for long completion calls.
// timeout <= 0 means 120s.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 10
	t.ResponseHeaderTimeout = timeout
	return &http.Client{Timeout: timeout, Transport: t}
}

// statusError is a non-200 answer from a provider that was reachable.
type statusError struct {
	provider string
	code     int
	body     string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.provider, e.code, e.body)
}

// transient reports whether the same request may succeed later.
func (e *statusError) transient() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests
}

// endpoint is the HTTP half of a provider: base URL, fixed headers, an
// optional rate limit and a bounded number of retries for transient
// failures.
type endpoint struct {
	name    string
	base    string
	header  http.Header
	client  *http.Client
	limiter *rate.Limiter
	retries int
	logger  *slog.Logger
}

func newEndpoint(name, base string, header http.Header, client *http.Client, timeout time.Duration, perMinute, retries int, logger *slog.Logger) *endpoint {
	if client == nil {
		client = SharedHTTPClient(timeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &endpoint{
		name:    name,
		base:    strings.TrimRight(base, "/"),
		header:  header,
		client:  client,
		retries: max(retries, 0),
		logger:  logger,
	}
	if perMinute > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1)
	}
	return e
}

func (e *endpoint) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, e.base+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range e.header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// postJSON sends in to path and decodes a 200 answer into out. Network
// errors, 5xx and 429 are retried with jittered backoff; once retries run
// out the error wraps domain.ErrLLMUnavailable. Other statuses fail at once.
func (e *endpoint) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", e.name, err)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", e.name, err)
		}
	}

	for attempt := 0; ; attempt++ {
		retry, err := e.post(ctx, path, body, out)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case !retry:
			return err
		case attempt >= e.retries:
			return unavailable(e.name, err)
		}

		d := backoff(attempt + 1)
		e.logger.Warn("LLM request failed, retrying", "provider", e.name, "attempt", attempt+2, "backoff", d, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

func (e *endpoint) post(ctx context.Context, path string, body []byte, out any) (retry bool, err error) {
	req, err := e.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &statusError{provider: e.name, code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
		return se.transient(), se
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("%s: decode response: %w", e.name, err)
	}
	return false, nil
}

// probe issues a GET against path for health checks.
func (e *endpoint) probe(ctx context.Context, path string) error {
	req, err := e.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s not reachable: %w", e.name, domain.ErrLLMUnavailable)
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: invalid API key", e.name)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%s returned %d: %w", e.name, resp.StatusCode, domain.ErrLLMUnavailable)
	}
	return nil
}

// backoff grows 400ms, 800ms, 1.6s... with up to 50% jitter.
func backoff(attempt int) time.Duration {
	d := 400 * time.Millisecond << min(attempt-1, 5)
	return d + rand.N(d/2+1)
}

// unavailable tags transport-level failures so callers can degrade with
// errors.Is(err, domain.ErrLLMUnavailable). Context errors pass through.
func unavailable(name string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", name, domain.ErrLLMUnavailable, err)
}
