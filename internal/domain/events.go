package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventJobCreated    = "job.created"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskProgress  = "task.progress"
)

// Event is a broadcast hint on the pub/sub channel. Correctness never depends
// on delivery or ordering; every state change is guarded in the database.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	JobID    uuid.UUID `json:"job_id,omitempty"`
	TaskID   uuid.UUID `json:"task_id,omitempty"`
	EngineID string    `json:"engine_id,omitempty"`

	// Category and Error accompany task.failed.
	Category string `json:"category,omitempty"`
	Error    string `json:"error,omitempty"`

	// OutputURI accompanies task.completed.
	OutputURI string `json:"output_uri,omitempty"`

	// Progress accompanies task.progress, 0..100.
	Progress int `json:"progress,omitempty"`
}

// StreamMessage is the payload of one work-stream entry.
type StreamMessage struct {
	TaskID     uuid.UUID `json:"task_id"`
	JobID      uuid.UUID `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	TimeoutAt  time.Time `json:"timeout_at"`
}

// PipelineWarning records a skipped optional stage on the job metadata.
type PipelineWarning struct {
	Stage  string `json:"stage"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
