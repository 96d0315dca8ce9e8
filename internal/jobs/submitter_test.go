package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rsagent/internal/domain"
)

func TestHTTPSubmitter_Accepted(t *testing.T) {
	var got submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"accepted": true, "job_id": "job-42"}`))
	}))
	defer srv.Close()

	s := NewHTTPSubmitter(HTTPSubmitterConfig{APIBase: srv.URL + "/", APIKey: "secret", Logger: discardLogger()})
	res, err := s.Submit(context.Background(), domain.JobRequest{
		SchemaID:   "soil_aiem",
		Parameters: map[string]any{"sm": 0.2},
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.Equal(t, "job-42", res.JobID)
	assert.Equal(t, "soil_aiem", got.SchemaID)
	assert.Equal(t, 0.2, got.Parameters["sm"])
}

func TestHTTPSubmitter_RejectedInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accepted": false, "error_message": "fGHz must be a single value for VPRT"}`))
	}))
	defer srv.Close()

	s := NewHTTPSubmitter(HTTPSubmitterConfig{APIBase: srv.URL, Logger: discardLogger()})
	res, err := s.Submit(context.Background(), domain.JobRequest{SchemaID: "veg_vprt"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobRejected, res.Status)
	assert.Equal(t, "fGHz must be a single value for VPRT", res.RejectionReason)
}

func TestHTTPSubmitter_NonSuccessStatus(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"json message", `{"error_message": "sm out of range"}`, "sm out of range"},
		{"fastapi detail", `{"detail": "depth is required"}`, "depth is required"},
		{"plain text", "scatters malformed\n", "scatters malformed"},
		{"empty body", "", "422 Unprocessable Entity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			s := NewHTTPSubmitter(HTTPSubmitterConfig{APIBase: srv.URL, Logger: discardLogger()})
			res, err := s.Submit(context.Background(), domain.JobRequest{SchemaID: "soil_aiem"})
			require.NoError(t, err)
			assert.Equal(t, domain.JobRejected, res.Status)
			assert.Equal(t, tt.reason, res.RejectionReason)
		})
	}
}

func TestHTTPSubmitter_TransportErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := NewHTTPSubmitter(HTTPSubmitterConfig{APIBase: url, Logger: discardLogger()})
	_, err := s.Submit(context.Background(), domain.JobRequest{SchemaID: "soil_aiem"})
	assert.Error(t, err)
}

func TestHTTPSubmitter_TimeoutIsReturned(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := NewHTTPSubmitter(HTTPSubmitterConfig{APIBase: srv.URL, Timeout: 50 * time.Millisecond, Logger: discardLogger()})
	_, err := s.Submit(context.Background(), domain.JobRequest{SchemaID: "soil_aiem"})
	assert.Error(t, err)
}

func TestHTTPSubmitter_AcceptedWithoutIDIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accepted": true}`))
	}))
	defer srv.Close()

	s := NewHTTPSubmitter(HTTPSubmitterConfig{APIBase: srv.URL, Logger: discardLogger()})
	_, err := s.Submit(context.Background(), domain.JobRequest{SchemaID: "soil_aiem"})
	assert.Error(t, err)
}

func TestHTTPSubmitter_ThrottleHonoursContext(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"accepted": true, "job_id": "j"}`))
	}))
	defer srv.Close()

	s := NewHTTPSubmitter(HTTPSubmitterConfig{APIBase: srv.URL, RequestsPerSecond: 0.01, Burst: 1, Logger: discardLogger()})
	_, err := s.Submit(context.Background(), domain.JobRequest{SchemaID: "soil_aiem"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Submit(ctx, domain.JobRequest{SchemaID: "soil_aiem"})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
