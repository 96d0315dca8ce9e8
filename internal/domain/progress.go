package domain

import "time"

// Stage is a workflow step reported to progress subscribers.
type Stage string

const (
	StageClassifying  Stage = "classifying"
	StageRetrieving   Stage = "retrieving"
	StageSynthesizing Stage = "synthesizing"
	StageSubmitting   Stage = "submitting"
	StageRepairing    Stage = "repairing"
	StageCompleted    Stage = "completed"
	StageError        Stage = "error"
)

// ProgressEvent is an ephemeral status update for one session.
type ProgressEvent struct {
	SessionID string    `json:"session_id"`
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressPublisher delivers progress events. Delivery is best effort.
type ProgressPublisher interface {
	Publish(sessionID string, stage Stage, message string)
}
