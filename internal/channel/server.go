// Package channel exposes the engine over HTTP and streams progress events
// over WebSocket.
package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rsagent/internal/agent"
	"rsagent/internal/domain"
	"rsagent/internal/jobs"
	"rsagent/internal/knowledge"
	"rsagent/internal/metrics"
	"rsagent/internal/provider"
)

const (
	maxBodySize     = 1 << 20  // 1MB
	maxIngestSize   = 16 << 20 // documents and attachments
	defaultListSize = 20
)

// ChatEngine runs one conversational turn.
type ChatEngine interface {
	Run(ctx context.Context, in agent.TurnInput) (agent.TurnOutcome, error)
}

// SessionService is implemented by *agent.SessionStore.
type SessionService interface {
	Sessions(ctx context.Context, limit int) ([]domain.Session, error)
	Session(ctx context.Context, id string) (*domain.Session, error)
	History(ctx context.Context, id string) ([]domain.MessageRecord, error)
	Delete(ctx context.Context, id string) error
}

// KnowledgeService is implemented by *knowledge.Store.
type KnowledgeService interface {
	Ingest(ctx context.Context, req knowledge.IngestRequest) (domain.Document, error)
	Remove(ctx context.Context, docID string) error
	Documents() []domain.Document
	Stats() knowledge.Stats
}

// Searcher is implemented by *knowledge.Retriever.
type Searcher interface {
	Retrieve(ctx context.Context, query string, k int, filter []string) ([]domain.RetrievalResult, error)
}

// JobTracker is implemented by *jobs.HTTPSubmitter.
type JobTracker interface {
	JobStatus(ctx context.Context, jobID string) (domain.JobReport, error)
}

// LLMChain is implemented by *provider.FailoverProvider.
type LLMChain interface {
	Status() []provider.MemberStatus
}

// ProgressSource is implemented by *bus.Hub.
type ProgressSource interface {
	Subscribe(sessionID string) (<-chan domain.ProgressEvent, func())
	Subscribers() int
	Dropped() uint64
}

type ServerConfig struct {
	Host         string
	Port         int
	APIKey       string // empty disables auth
	ProgressPath string
	// MetricsPath mounts the Prometheus endpoint when non-empty.
	MetricsPath string
	SearchTopK  int
	Version     string

	Engine    ChatEngine
	Sessions  SessionService
	Knowledge KnowledgeService
	Searcher  Searcher
	Progress  ProgressSource
	LLM       LLMChain
	Jobs      JobTracker
	Logger    *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	cfg     ServerConfig
	logger  *slog.Logger
	server  *http.Server
	handler http.Handler
	started time.Time
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ProgressPath == "" {
		cfg.ProgressPath = "/ws/progress"
	}
	if cfg.SearchTopK <= 0 {
		cfg.SearchTopK = 5
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, started: time.Now()}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.requireAuth(s.handleChat))
	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleDeleteSession))
	mux.HandleFunc("GET /api/sessions/{id}/jobs/latest", s.requireAuth(s.handleLatestJob))
	mux.HandleFunc("GET /api/jobs/{id}", s.requireAuth(s.handleJobStatus))
	mux.HandleFunc("POST /api/knowledge", s.requireAuth(s.handleIngest))
	mux.HandleFunc("GET /api/knowledge", s.requireAuth(s.handleListDocuments))
	mux.HandleFunc("DELETE /api/knowledge/{id}", s.requireAuth(s.handleRemoveDocument))
	mux.HandleFunc("POST /api/search", s.requireAuth(s.handleSearch))
	mux.HandleFunc("GET /api/status", s.handleStatus) // public endpoint
	mux.HandleFunc("GET "+s.cfg.ProgressPath, s.requireAuth(s.handleProgress))

	if s.cfg.MetricsPath != "" {
		mux.HandleFunc("GET "+s.cfg.MetricsPath, func(rw http.ResponseWriter, r *http.Request) {
			s.refreshGauges()
			metrics.Collector.Handler()(rw, r)
		})
	}
	return mux
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("http api started", "addr", "http://"+addr, "auth", s.cfg.APIKey != "")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// requireAuth checks a bearer token when an API key is configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next(rw, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			// Browsers cannot set headers on WebSocket upgrades.
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
			rw.Header().Set("WWW-Authenticate", `Bearer realm="rsagent"`)
			writeError(rw, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(rw, r)
	}
}

// --- chat ---

type chatRequest struct {
	SessionID  string            `json:"session_id"`
	Message    string            `json:"message"`
	Attachment *agent.Attachment `json:"attachment,omitempty"`
}

func (s *Server) handleChat(rw http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(rw, r, maxIngestSize, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(rw, http.StatusBadRequest, "empty message")
		return
	}

	out, err := s.cfg.Engine.Run(r.Context(), agent.TurnInput{
		SessionID:  req.SessionID,
		Text:       req.Message,
		Attachment: req.Attachment,
	})
	switch {
	case err == nil:
		writeJSON(rw, http.StatusOK, out)
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(rw, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(rw, http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		s.logger.Debug("chat request cancelled", "session_id", out.SessionID)
	default:
		s.logger.Error("chat turn failed", "session_id", out.SessionID, "err", err)
		writeError(rw, http.StatusInternalServerError, "the request could not be completed")
	}
}

// --- sessions ---

func (s *Server) handleListSessions(rw http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListSize)
	sessions, err := s.cfg.Sessions.Sessions(r.Context(), limit)
	if err != nil {
		s.internalError(rw, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.cfg.Sessions.Session(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(rw, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.internalError(rw, "get session", err)
		return
	}
	msgs, err := s.cfg.Sessions.History(r.Context(), id)
	if err != nil {
		s.internalError(rw, "session history", err)
		return
	}
	if msgs == nil {
		msgs = []domain.MessageRecord{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"session": sess, "messages": msgs})
}

func (s *Server) handleDeleteSession(rw http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.internalError(rw, "delete session", err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

// --- jobs ---

func (s *Server) handleJobStatus(rw http.ResponseWriter, r *http.Request) {
	if report, ok := s.jobStatus(r.Context(), rw, r.PathValue("id")); ok {
		writeJSON(rw, http.StatusOK, report)
	}
}

// handleLatestJob reports on the last job a session's history shows as
// accepted.
func (s *Server) handleLatestJob(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Sessions.Session(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(rw, http.StatusNotFound, "session not found")
			return
		}
		s.internalError(rw, "get session", err)
		return
	}
	msgs, err := s.cfg.Sessions.History(r.Context(), id)
	if err != nil {
		s.internalError(rw, "session history", err)
		return
	}
	job, ok := jobs.LatestAccepted(msgs)
	if !ok {
		writeError(rw, http.StatusNotFound, "no accepted job in this session")
		return
	}
	if report, ok := s.jobStatus(r.Context(), rw, job.JobID); ok {
		writeJSON(rw, http.StatusOK, map[string]any{"job": job, "status": report})
	}
}

func (s *Server) jobStatus(ctx context.Context, rw http.ResponseWriter, jobID string) (domain.JobReport, bool) {
	if s.cfg.Jobs == nil {
		writeError(rw, http.StatusServiceUnavailable, "job service not configured")
		return domain.JobReport{}, false
	}
	report, err := s.cfg.Jobs.JobStatus(ctx, jobID)
	switch {
	case err == nil:
		return report, true
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(rw, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(rw, http.StatusNotFound, "job not found")
	default:
		s.logger.Warn("job status lookup failed", "job_id", jobID, "err", err)
		writeError(rw, http.StatusBadGateway, "job service unavailable")
	}
	return domain.JobReport{}, false
}

// --- knowledge ---

type ingestRequest struct {
	Origin string `json:"origin"`
	Text   string `json:"text"`
}

func (s *Server) handleIngest(rw http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeBody(rw, r, maxIngestSize, &req) {
		return
	}
	doc, err := s.cfg.Knowledge.Ingest(r.Context(), knowledge.IngestRequest{OriginURI: req.Origin, Text: req.Text})
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(rw, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrStoreClosed):
		writeError(rw, http.StatusServiceUnavailable, "knowledge store is shutting down")
	case err != nil:
		s.internalError(rw, "ingest", err)
	default:
		writeJSON(rw, http.StatusCreated, doc)
	}
}

func (s *Server) handleListDocuments(rw http.ResponseWriter, r *http.Request) {
	docs := s.cfg.Knowledge.Documents()
	if docs == nil {
		docs = []domain.Document{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleRemoveDocument(rw http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Knowledge.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.internalError(rw, "remove document", err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	Query     string   `json:"query"`
	K         int      `json:"k"`
	Documents []string `json:"documents,omitempty"`
}

func (s *Server) handleSearch(rw http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeBody(rw, r, maxBodySize, &req) {
		return
	}
	if req.K <= 0 {
		req.K = s.cfg.SearchTopK
	}
	results, err := s.cfg.Searcher.Retrieve(r.Context(), req.Query, req.K, req.Documents)
	if err != nil {
		s.internalError(rw, "search", err)
		return
	}
	if results == nil {
		results = []domain.RetrievalResult{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"results": results})
}

// --- status ---

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	}
	if s.cfg.Knowledge != nil {
		status["knowledge"] = s.cfg.Knowledge.Stats()
	}
	if s.cfg.Progress != nil {
		status["progress_subscribers"] = s.cfg.Progress.Subscribers()
		status["progress_dropped"] = s.cfg.Progress.Dropped()
	}
	if s.cfg.LLM != nil {
		chain := s.cfg.LLM.Status()
		status["llm"] = chain
		available := false
		for _, m := range chain {
			available = available || m.Available
		}
		if !available {
			status["status"] = "degraded"
		}
	}
	writeJSON(rw, http.StatusOK, status)
}

func (s *Server) refreshGauges() {
	if s.cfg.Knowledge != nil {
		st := s.cfg.Knowledge.Stats()
		metrics.IndexedChunks.Set(int64(st.Chunks))
		metrics.IndexedDocuments.Set(int64(st.Documents))
	}
	if s.cfg.Progress != nil {
		metrics.ProgressDropped.Set(int64(s.cfg.Progress.Dropped()))
	}
}

// --- helpers ---

func (s *Server) internalError(rw http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "err", err)
	writeError(rw, http.StatusInternalServerError, op+" failed")
}

func decodeBody(rw http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(rw, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(rw, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(rw, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
