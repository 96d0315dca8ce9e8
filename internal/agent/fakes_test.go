package agent

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"rsagent/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider answers chat requests through reply and records them.
type fakeProvider struct {
	mu    sync.Mutex
	reqs  []domain.ChatRequest
	reply func(n int, req domain.ChatRequest) (string, error)
}

func (f *fakeProvider) Name() string                      { return "fake" }
func (f *fakeProvider) Models() []string                  { return []string{"fake-model"} }
func (f *fakeProvider) Healthy(ctx context.Context) error { return nil }

func (f *fakeProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	n := len(f.reqs)
	f.mu.Unlock()
	content, err := f.reply(n, req)
	if err != nil {
		return nil, err
	}
	return &domain.ChatResponse{Content: content, FinishReason: "stop"}, nil
}

func (f *fakeProvider) requests() []domain.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ChatRequest(nil), f.reqs...)
}

func staticProvider(content string) *fakeProvider {
	return &fakeProvider{reply: func(int, domain.ChatRequest) (string, error) { return content, nil }}
}

func downProvider() *fakeProvider {
	return &fakeProvider{reply: func(int, domain.ChatRequest) (string, error) {
		return "", domain.ErrLLMUnavailable
	}}
}

type submitStep struct {
	res domain.JobResult
	err error
}

// scriptedSubmitter returns its steps in order and repeats the last one.
type scriptedSubmitter struct {
	mu       sync.Mutex
	steps    []submitStep
	calls    []domain.JobRequest
	onSubmit func()
}

func (s *scriptedSubmitter) Submit(ctx context.Context, req domain.JobRequest) (domain.JobResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	step := s.steps[min(len(s.calls), len(s.steps))-1]
	hook := s.onSubmit
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return step.res, step.err
}

func (s *scriptedSubmitter) submitted() []domain.JobRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JobRequest(nil), s.calls...)
}

func rejected(reason string) submitStep {
	return submitStep{res: domain.JobResult{Status: domain.JobRejected, RejectionReason: reason}}
}

func accepted(id string) submitStep {
	return submitStep{res: domain.JobResult{Status: domain.JobAccepted, JobID: id}}
}

// recordingPublisher keeps every event in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (r *recordingPublisher) Publish(sessionID string, stage domain.Stage, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, domain.ProgressEvent{SessionID: sessionID, Stage: stage, Message: message})
}

func (r *recordingPublisher) stages() []domain.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Stage, len(r.events))
	for i, e := range r.events {
		out[i] = e.Stage
	}
	return out
}

func countStage(stages []domain.Stage, want domain.Stage) int {
	n := 0
	for _, s := range stages {
		if s == want {
			n++
		}
	}
	return n
}
