package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rsagent/internal/domain"
)

func TestEndpoint_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	ep := newEndpoint("test", srv.URL, nil, srv.Client(), 0, 0, 3, testLogger())
	var out map[string]any
	err := ep.postJSON(context.Background(), "/chat", map[string]string{"q": "x"}, &out)

	var se *statusError
	if !errors.As(err, &se) || se.code != http.StatusBadRequest {
		t.Fatalf("expected a 400 statusError, got %v", err)
	}
	if errors.Is(err, domain.ErrLLMUnavailable) {
		t.Fatal("a reachable provider answering 400 is not unavailable")
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one attempt, got %d", hits.Load())
	}
}

func TestEndpoint_ExhaustedRetriesAreUnavailable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ep := newEndpoint("test", srv.URL, nil, srv.Client(), 0, 0, 1, testLogger())
	var out map[string]any
	err := ep.postJSON(context.Background(), "/chat", struct{}{}, &out)
	if !errors.Is(err, domain.ErrLLMUnavailable) {
		t.Fatalf("expected ErrLLMUnavailable, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits.Load())
	}
}

func TestEndpoint_SendsFixedHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "t" || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("headers not sent: %v", r.Header)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ep := newEndpoint("test", srv.URL+"/", http.Header{"X-Token": {"t"}}, srv.Client(), 0, 0, 0, testLogger())
	var out struct{ OK bool }
	if err := ep.postJSON(context.Background(), "/v1", nil, &out); err != nil || !out.OK {
		t.Fatalf("postJSON: %v %+v", err, out)
	}
}

func TestEndpoint_CancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ep := newEndpoint("test", srv.URL, nil, srv.Client(), 0, 0, 5, testLogger())
	var out map[string]any
	if err := ep.postJSON(ctx, "/chat", nil, &out); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBackoff_GrowsAndStaysBounded(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		base := 400 * time.Millisecond << min(attempt-1, 5)
		d := backoff(attempt)
		if d < base || d > base+base/2 {
			t.Fatalf("backoff(%d) = %v, want in [%v, %v]", attempt, d, base, base+base/2)
		}
	}
}
