package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rsagent/internal/domain"
)

// StatusChecker looks up a job the service accepted earlier.
type StatusChecker interface {
	JobStatus(ctx context.Context, jobID string) (domain.JobReport, error)
}

type statusResponse struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Detail       string `json:"detail"`
}

// JobStatus fetches {APIBase}/jobs/{id}. An unknown job wraps
// domain.ErrNotFound. The state strings the service uses are folded onto
// domain.JobState; anything unrecognised is JobUnknown.
func (s *HTTPSubmitter) JobStatus(ctx context.Context, jobID string) (domain.JobReport, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.JobReport{}, fmt.Errorf("job status: empty job id: %w", domain.ErrInvalidInput)
	}
	if err := s.wait(ctx); err != nil {
		return domain.JobReport{}, fmt.Errorf("job status throttled: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return domain.JobReport{}, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.JobReport{}, fmt.Errorf("job service unreachable: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.JobReport{}, fmt.Errorf("read status response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return domain.JobReport{}, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.JobReport{}, fmt.Errorf("job status %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var parsed statusResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.JobReport{}, fmt.Errorf("decode status response: %w", err)
	}
	report := domain.JobReport{
		JobID:     jobID,
		State:     parseState(parsed.Status),
		Error:     parsed.ErrorMessage,
		CheckedAt: time.Now().UTC(),
	}
	if report.Error == "" {
		report.Error = parsed.Detail
	}
	s.logger.Debug("job status", "job_id", jobID, "state", report.State, "raw_state", parsed.Status)
	return report, nil
}

func parseState(s string) domain.JobState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "pending", "submitted":
		return domain.JobQueued
	case "running", "processing", "in_progress":
		return domain.JobRunning
	case "completed", "complete", "succeeded", "success", "done":
		return domain.JobCompleted
	case "failed", "error", "cancelled", "canceled":
		return domain.JobFailed
	}
	return domain.JobUnknown
}

// Wait polls jobID every interval until the job is done or ctx ends. On
// cancellation the last report is returned with ctx's error, so callers can
// still show how far the job got.
func Wait(ctx context.Context, c StatusChecker, jobID string, interval time.Duration, onPoll func(domain.JobReport)) (domain.JobReport, error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last domain.JobReport
	for {
		report, err := c.JobStatus(ctx, jobID)
		if err != nil {
			return last, err
		}
		last = report
		if onPoll != nil {
			onPoll(report)
		}
		if report.State.Done() {
			return report, nil
		}
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-ticker.C:
		}
	}
}

// LatestAccepted returns the most recent job recorded as a source on an
// assistant message in history.
func LatestAccepted(history []domain.MessageRecord) (domain.JobResult, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		for j := len(msg.Sources) - 1; j >= 0; j-- {
			src := msg.Sources[j]
			if src.Kind == domain.SourceJob && src.Job != nil && src.Job.Accepted() && src.Job.JobID != "" {
				return *src.Job, true
			}
		}
	}
	return domain.JobResult{}, false
}
