package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"rsagent/internal/domain"
	"rsagent/internal/jobs"
	"rsagent/internal/knowledge"
	"rsagent/internal/metrics"
)

// State is one step of a turn's workflow.
type State string

const (
	StateClassifying  State = "classifying"
	StateAnswering    State = "answering"
	StateSynthesizing State = "synthesizing"
	StateSubmitting   State = "submitting"
	StateRepairing    State = "repairing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Stage maps a state to the progress stage reported to subscribers.
func (s State) Stage() domain.Stage {
	switch s {
	case StateClassifying:
		return domain.StageClassifying
	case StateAnswering:
		return domain.StageRetrieving
	case StateSynthesizing:
		return domain.StageSynthesizing
	case StateSubmitting:
		return domain.StageSubmitting
	case StateRepairing:
		return domain.StageRepairing
	case StateDone:
		return domain.StageCompleted
	}
	return domain.StageError
}

// IntentClassifier is implemented by *Classifier.
type IntentClassifier interface {
	Classify(ctx context.Context, utterance string, recent []domain.MessageRecord) (domain.Intent, Decision)
}

// PassageRetriever is implemented by *knowledge.Retriever.
type PassageRetriever interface {
	Retrieve(ctx context.Context, query string, k int, filter []string) ([]domain.RetrievalResult, error)
}

// ParameterSynthesizer is implemented by *Synthesizer.
type ParameterSynthesizer interface {
	Synthesize(ctx context.Context, in SynthesisInput) (Candidate, error)
}

// ScenarioCatalog is implemented by *jobs.Catalog.
type ScenarioCatalog interface {
	Match(text string) (jobs.Schema, bool)
	List() []jobs.Schema
}

// Deps are the collaborators shared by every turn. A Turn never mutates them.
type Deps struct {
	Classifier  IntentClassifier
	Retriever   PassageRetriever
	Synthesizer ParameterSynthesizer
	Submitter   jobs.Submitter
	Catalog     ScenarioCatalog
	Sessions    *SessionStore
	Progress    domain.ProgressPublisher
	Provider    domain.Provider // answers knowledge questions
	Model       string

	TopK          int
	MaxAttempts   int
	HistoryWindow int
	LLMTimeout    time.Duration
	SubmitTimeout time.Duration

	// Chunking for the scratch index built from an attachment.
	ChunkSize    int
	ChunkOverlap int

	Logger *slog.Logger
}

// Attachment is already-extracted text of a file uploaded with a turn.
type Attachment struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type TurnInput struct {
	SessionID  string
	Text       string
	Attachment *Attachment
}

// TurnOutcome is the result of a finished turn. Reply is the persisted
// assistant message.
type TurnOutcome struct {
	SessionID string                   `json:"session_id"`
	Intent    domain.Intent            `json:"intent"`
	Decision  Decision                 `json:"decision"`
	State     State                    `json:"state"`
	Reply     domain.MessageRecord     `json:"reply"`
	Job       *domain.JobResult        `json:"job,omitempty"`
	Passages  []domain.RetrievalResult `json:"passages,omitempty"`
	Path      []State                  `json:"path"`
}

func (o TurnOutcome) Failed() bool { return o.State == StateFailed }

type nopPublisher struct{}

func (nopPublisher) Publish(string, domain.Stage, string) {}

// Turn runs one user request through the workflow. It is single use and
// not safe for concurrent use; create one per request.
type Turn struct {
	deps   Deps
	logger *slog.Logger

	started   bool
	sessionID string
	state     State
	path      []State
}

func NewTurn(deps Deps) *Turn {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Progress == nil {
		deps.Progress = nopPublisher{}
	}
	if deps.TopK <= 0 {
		deps.TopK = 5
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 3
	}
	if deps.HistoryWindow <= 0 {
		deps.HistoryWindow = 6
	}
	if deps.LLMTimeout <= 0 {
		deps.LLMTimeout = 60 * time.Second
	}
	return &Turn{deps: deps, logger: deps.Logger}
}

// Engine runs each request as a fresh Turn over shared collaborators.
type Engine struct {
	deps        Deps
	turnTimeout time.Duration
}

// NewEngine returns an engine; turnTimeout <= 0 leaves turns unbounded.
func NewEngine(deps Deps, turnTimeout time.Duration) *Engine {
	return &Engine{deps: deps, turnTimeout: turnTimeout}
}

func (e *Engine) Run(ctx context.Context, in TurnInput) (TurnOutcome, error) {
	if e.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.turnTimeout)
		defer cancel()
	}
	return NewTurn(e.deps).Run(ctx, in)
}

type reply struct {
	state    State
	content  string
	sources  []domain.Source
	job      *domain.JobResult
	passages []domain.RetrievalResult
}

// Run executes the turn. A Failed outcome is not an error: the error return
// is reserved for cancellation and persistence failures.
func (t *Turn) Run(ctx context.Context, in TurnInput) (TurnOutcome, error) {
	if t.started {
		return TurnOutcome{}, errors.New("turn already run")
	}
	t.started = true

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return TurnOutcome{}, fmt.Errorf("empty message: %w", domain.ErrInvalidInput)
	}
	start := time.Now()

	recent, err := t.deps.Sessions.Recent(ctx, in.SessionID, t.deps.HistoryWindow)
	if err != nil {
		t.logger.Warn("failed to load recent history", "session_id", in.SessionID, "err", err)
		recent = nil
	}
	sessionID, err := t.deps.Sessions.Append(ctx, in.SessionID, domain.MessageRecord{
		Role:    domain.RoleUser,
		Content: text,
	})
	if err != nil {
		return TurnOutcome{}, fmt.Errorf("record user message: %w", err)
	}
	t.sessionID = sessionID
	out := TurnOutcome{SessionID: sessionID}

	if err := t.enter(ctx, StateClassifying, "Understanding your request"); err != nil {
		return t.abort(out, start, err)
	}
	intent, decision := t.deps.Classifier.Classify(ctx, text, recent)
	if intent == domain.IntentKnowledge && in.Attachment != nil && strings.TrimSpace(in.Attachment.Text) != "" {
		intent = domain.IntentFileAnalysis
	}
	out.Intent, out.Decision = intent, decision
	t.logger.Info("turn classified", "session_id", sessionID, "intent", intent, "decision", decision)

	var r reply
	if intent == domain.IntentJobRequest {
		r, err = t.runJob(ctx, text)
	} else {
		r, err = t.runAnswer(ctx, text, in.Attachment, intent, recent)
	}
	if err != nil {
		return t.abort(out, start, err)
	}

	// An accepted job outlives the turn, so its record survives cancellation.
	persistCtx := ctx
	if r.job != nil && r.job.Accepted() {
		persistCtx = context.WithoutCancel(ctx)
	}
	msg := domain.MessageRecord{
		Role:    domain.RoleAssistant,
		Content: r.content,
		Intent:  intent,
		Sources: r.sources,
	}
	if _, err := t.deps.Sessions.Append(persistCtx, sessionID, msg); err != nil {
		if r.job != nil && r.job.Accepted() {
			t.logger.Error("accepted job could not be recorded", "session_id", sessionID, "job_id", r.job.JobID, "err", err)
		}
		return t.abort(out, start, fmt.Errorf("record reply: %w", err))
	}
	history, err := t.deps.Sessions.Recent(persistCtx, sessionID, 1)
	if err == nil && len(history) == 1 {
		msg = history[0]
	}

	t.finish(r.state, terminalMessage(r))
	out.State = t.state
	out.Path = t.path
	out.Reply = msg
	out.Job = r.job
	out.Passages = r.passages

	outcome := "done"
	if r.state == StateFailed {
		outcome = "failed"
	}
	metrics.ObserveTurn(string(intent), outcome, time.Since(start))
	t.logger.Info("turn finished",
		"session_id", sessionID,
		"intent", intent,
		"state", r.state,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// enter moves to the next state and publishes its progress event. The
// turn stops here if ctx has ended.
func (t *Turn) enter(ctx context.Context, s State, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.state = s
	t.path = append(t.path, s)
	t.deps.Progress.Publish(t.sessionID, s.Stage(), message)
	return nil
}

// finish moves to a terminal state regardless of cancellation.
func (t *Turn) finish(s State, message string) {
	t.state = s
	t.path = append(t.path, s)
	t.deps.Progress.Publish(t.sessionID, s.Stage(), message)
}

func (t *Turn) abort(out TurnOutcome, start time.Time, err error) (TurnOutcome, error) {
	msg := "The request could not be completed"
	outcome := "error"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		msg = "The request was cancelled"
		outcome = "cancelled"
	}
	t.finish(StateFailed, msg)
	out.State = t.state
	out.Path = t.path
	metrics.ObserveTurn(string(out.Intent), outcome, time.Since(start))
	t.logger.Warn("turn aborted", "session_id", t.sessionID, "state", t.state, "err", err)
	return out, err
}

func terminalMessage(r reply) string {
	if r.state == StateDone {
		if r.job != nil {
			return "Job " + r.job.JobID + " accepted"
		}
		return "Answer ready"
	}
	if r.job != nil {
		return r.job.RejectionReason
	}
	return r.content
}

// --- knowledge and file analysis ---

func (t *Turn) runAnswer(ctx context.Context, question string, att *Attachment, intent domain.Intent, recent []domain.MessageRecord) (reply, error) {
	useAttachment := intent == domain.IntentFileAnalysis && att != nil && strings.TrimSpace(att.Text) != ""
	status := "Searching the knowledge base"
	if useAttachment {
		status = "Reading the attached file"
	}
	if err := t.enter(ctx, StateAnswering, status); err != nil {
		return reply{}, err
	}

	var passages []domain.RetrievalResult
	var err error
	if useAttachment {
		passages, err = t.attachmentPassages(ctx, question, att)
	} else if t.deps.Retriever != nil {
		passages, err = t.deps.Retriever.Retrieve(ctx, question, t.deps.TopK, nil)
	}
	if err != nil {
		if ctx.Err() != nil {
			return reply{}, ctx.Err()
		}
		t.logger.Warn("retrieval failed, answering without passages", "session_id", t.sessionID, "err", err)
		passages = nil
	}
	if err := ctx.Err(); err != nil {
		return reply{}, err
	}

	r := reply{state: StateDone, passages: passages, sources: passageSources(passages)}
	answer, err := t.answer(ctx, question, passages, recent)
	switch {
	case err == nil && len(passages) == 0:
		r.content = noKnowledgeNotice + "\n\n" + answer
	case err == nil:
		r.content = answer
	case ctx.Err() != nil:
		return reply{}, ctx.Err()
	case len(passages) > 0:
		t.logger.Warn("llm unavailable, answering from passages", "session_id", t.sessionID, "err", err)
		r.content = passageAnswer(passages)
	default:
		t.logger.Warn("llm unavailable and no passages", "session_id", t.sessionID, "err", err)
		r.state = StateFailed
		r.content = "The language model is unavailable and the knowledge base has nothing relevant to this question. Please try again later."
	}
	return r, nil
}

// attachmentPassages indexes the attachment in a throwaway sparse store and
// searches it. When nothing matches the question, the opening chunks are
// used so the model still sees the file.
func (t *Turn) attachmentPassages(ctx context.Context, question string, att *Attachment) ([]domain.RetrievalResult, error) {
	scratch := knowledge.NewStore(knowledge.StoreConfig{
		ChunkSize: t.deps.ChunkSize,
		Overlap:   t.deps.ChunkOverlap,
		Logger:    t.logger,
	})
	defer scratch.Close()

	name := att.Name
	if name == "" {
		name = "attachment"
	}
	doc, err := scratch.Ingest(ctx, knowledge.IngestRequest{OriginURI: "attachment://" + name, Text: att.Text})
	if err != nil {
		return nil, fmt.Errorf("index attachment: %w", err)
	}
	passages, err := knowledge.NewRetriever(scratch, t.logger).Retrieve(ctx, question, t.deps.TopK, nil)
	if err != nil {
		return nil, err
	}
	if len(passages) > 0 {
		return passages, nil
	}
	for i, c := range scratch.Chunks(doc.ID) {
		if i == t.deps.TopK {
			break
		}
		passages = append(passages, domain.RetrievalResult{
			ChunkID:    c.ID,
			DocumentID: doc.ID,
			OriginURI:  doc.OriginURI,
			Text:       c.Text,
			Rank:       i + 1,
			Backend:    domain.BackendSparse,
		})
	}
	return passages, nil
}

func (t *Turn) answer(ctx context.Context, question string, passages []domain.RetrievalResult, recent []domain.MessageRecord) (string, error) {
	if t.deps.Provider == nil {
		return "", domain.ErrLLMUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, t.deps.LLMTimeout)
	defer cancel()

	resp, err := t.deps.Provider.Chat(ctx, domain.ChatRequest{
		Messages:    answerMessages(question, passages, recent),
		Model:       t.deps.Model,
		Temperature: 0.3,
	})
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(stripRolePrefix(resp.Content))
	if content == "" {
		return "", fmt.Errorf("empty answer: %w", domain.ErrLLMUnavailable)
	}
	return content, nil
}

func passageSources(passages []domain.RetrievalResult) []domain.Source {
	if len(passages) == 0 {
		return nil
	}
	out := make([]domain.Source, len(passages))
	for i := range passages {
		p := passages[i]
		out[i] = domain.Source{Kind: domain.SourcePassage, Passage: &p}
	}
	return out
}

// --- job submission ---

// runJob synthesizes and submits parameters, repairing after each failed
// attempt. At most MaxAttempts submissions are made.
func (t *Turn) runJob(ctx context.Context, text string) (reply, error) {
	schema, ok := t.deps.Catalog.Match(text)
	if !ok {
		var ids []string
		for _, s := range t.deps.Catalog.List() {
			ids = append(ids, s.ID)
		}
		return reply{
			state:   StateFailed,
			content: "I could not tell which simulation scenario to run. Available scenarios: " + strings.Join(ids, ", ") + ".",
		}, nil
	}
	if err := t.enter(ctx, StateSynthesizing, "Preparing parameters for "+schema.ID); err != nil {
		return reply{}, err
	}

	maxAttempts := t.deps.MaxAttempts
	var prior map[string]any
	var reason string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.RepairsTotal.Inc()
			if err := t.enter(ctx, StateRepairing, fmt.Sprintf("Attempt %d failed: %s", attempt-1, reason)); err != nil {
				return reply{}, err
			}
			if err := t.enter(ctx, StateSynthesizing, fmt.Sprintf("Revising parameters (attempt %d of %d)", attempt, maxAttempts)); err != nil {
				return reply{}, err
			}
		}

		cand, err := t.deps.Synthesizer.Synthesize(ctx, SynthesisInput{
			Text:            text,
			Schema:          schema,
			Prior:           prior,
			RejectionReason: reason,
		})
		if err != nil {
			if ctx.Err() != nil {
				return reply{}, ctx.Err()
			}
			reason = synthesisFailure(err)
			t.logger.Warn("parameter synthesis failed", "session_id", t.sessionID, "attempt", attempt, "err", err)
			continue
		}
		if cand.Parameters != nil {
			prior = cand.Parameters
		}
		if cand.Err != nil {
			reason = cand.Err.Error()
			t.logger.Info("candidate failed validation", "session_id", t.sessionID, "attempt", attempt, "reason", reason)
			continue
		}

		if err := t.enter(ctx, StateSubmitting, fmt.Sprintf("Submitting %s job (attempt %d of %d)", schema.ID, attempt, maxAttempts)); err != nil {
			return reply{}, err
		}
		res, err := t.submit(ctx, domain.JobRequest{SchemaID: schema.ID, Parameters: cand.Parameters, RawUserText: text})
		if err != nil {
			metrics.JobSubmissions("error").Inc()
			if ctx.Err() != nil {
				return reply{}, ctx.Err()
			}
			reason = submitFailure(err)
			t.logger.Warn("job submission failed", "session_id", t.sessionID, "attempt", attempt, "err", err)
			continue
		}
		if !res.Accepted() {
			metrics.JobSubmissions("rejected").Inc()
			reason = res.RejectionReason
			if reason == "" {
				reason = "the job service rejected the request without a reason"
			}
			continue
		}

		metrics.JobSubmissions("accepted").Inc()
		res.SchemaID = schema.ID
		res.Parameters = cand.Parameters
		res.Attempts = attempt
		return reply{
			state:   StateDone,
			content: acceptedMessage(res),
			sources: []domain.Source{{Kind: domain.SourceJob, Job: &res}},
			job:     &res,
		}, nil
	}

	failed := domain.JobResult{
		Status:          domain.JobRejected,
		RejectionReason: reason,
		SchemaID:        schema.ID,
		Parameters:      prior,
		Attempts:        maxAttempts,
	}
	return reply{
		state:   StateFailed,
		content: fmt.Sprintf("The %s job could not be submitted after %d attempts: %s", schema.ID, maxAttempts, reason),
		sources: []domain.Source{{Kind: domain.SourceJob, Job: &failed}},
		job:     &failed,
	}, nil
}

func (t *Turn) submit(ctx context.Context, req domain.JobRequest) (domain.JobResult, error) {
	if t.deps.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.deps.SubmitTimeout)
		defer cancel()
	}
	return t.deps.Submitter.Submit(ctx, req)
}

func acceptedMessage(res domain.JobResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Submitted %s job %s", res.SchemaID, res.JobID)
	if res.Attempts > 1 {
		fmt.Fprintf(&sb, " (accepted on attempt %d)", res.Attempts)
	}
	sb.WriteString(".")
	if data, err := json.MarshalIndent(res.Parameters, "", "  "); err == nil {
		sb.WriteString("\n\nParameters:\n```json\n")
		sb.Write(data)
		sb.WriteString("\n```")
	}
	return sb.String()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func synthesisFailure(err error) string {
	switch {
	case isTimeout(err):
		return "parameter synthesis timed out"
	case errors.Is(err, domain.ErrLLMUnavailable):
		return "the language model is unavailable"
	}
	return "parameter synthesis failed"
}

func submitFailure(err error) string {
	if isTimeout(err) {
		return "the job service did not respond in time"
	}
	return "the job service could not be reached"
}
