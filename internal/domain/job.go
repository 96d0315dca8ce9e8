package domain

import "time"

// Intent is the category a user turn is classified into.
type Intent string

const (
	IntentKnowledge    Intent = "knowledge_question"
	IntentJobRequest   Intent = "job_request"
	IntentFileAnalysis Intent = "file_analysis"
)

// Valid reports whether i is one of the known intents.
func (i Intent) Valid() bool {
	switch i {
	case IntentKnowledge, IntentJobRequest, IntentFileAnalysis:
		return true
	}
	return false
}

// JobRequest is a candidate submission for the simulation service.
type JobRequest struct {
	SchemaID    string         `json:"schema_id"`
	Parameters  map[string]any `json:"parameters"`
	RawUserText string         `json:"-"`
}

type JobStatus string

const (
	JobAccepted JobStatus = "accepted"
	JobRejected JobStatus = "rejected"
)

// JobResult is the outcome of one submission, or of the whole submission
// loop when Attempts is set.
type JobResult struct {
	Status          JobStatus      `json:"status"`
	JobID           string         `json:"job_id,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	SchemaID        string         `json:"schema_id,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Attempts        int            `json:"attempts,omitempty"`
}

func (r JobResult) Accepted() bool { return r.Status == JobAccepted }

// JobState is where an accepted job is in its run on the simulation service.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobUnknown   JobState = "unknown"
)

// Done reports whether the job will not change state again.
func (s JobState) Done() bool { return s == JobCompleted || s == JobFailed }

// JobReport is the service's answer to a status query for one job.
type JobReport struct {
	JobID     string    `json:"job_id"`
	State     JobState  `json:"state"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}
