package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Failure categories. Stable strings: they land in job/task error columns and
// in task.failed events, and the handlers branch on them.
const (
	CategoryNoCapableEngine   = "no_capable_engine"
	CategoryEngineDisappeared = "engine_disappeared"
	CategoryMaxRetries        = "max_retries_exceeded"
	CategoryTaskTimeout       = "task_timeout"
	CategoryEngineError       = "engine_error"
	CategoryCancelled         = "cancelled"
)

// Requirements are the hard constraints an engine must satisfy for a stage.
type Requirements struct {
	Language  string `json:"language,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`
}

// CandidateMismatch explains why one live engine was rejected.
type CandidateMismatch struct {
	EngineID string `json:"engine_id"`
	Reason   string `json:"reason"`
}

// CatalogAlternative is a not-currently-running engine that could satisfy the
// requirements if started.
type CatalogAlternative struct {
	EngineID string `json:"engine_id"`
	Image    string `json:"image"`
}

// NoCapableEngineError is the structured selection failure surfaced to the
// gateway and stored on failed jobs.
type NoCapableEngineError struct {
	Stage        string               `json:"stage"`
	Requirements Requirements         `json:"requirements"`
	Candidates   []CandidateMismatch  `json:"running_engines,omitempty"`
	Alternatives []CatalogAlternative `json:"catalog_alternatives,omitempty"`
}

func (e *NoCapableEngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no capable engine for stage %q", e.Stage)
	if e.Requirements.Language != "" {
		fmt.Fprintf(&b, " (language %q)", e.Requirements.Language)
	}
	if e.Requirements.Streaming {
		b.WriteString(" (streaming)")
	}
	for _, c := range e.Candidates {
		fmt.Fprintf(&b, "; %s: %s", c.EngineID, c.Reason)
	}
	if len(e.Alternatives) > 0 {
		alts := make([]string, 0, len(e.Alternatives))
		for _, a := range e.Alternatives {
			alts = append(alts, a.EngineID)
		}
		fmt.Fprintf(&b, "; startable: %s", strings.Join(alts, ", "))
	}
	return b.String()
}

// JobError is the shape stored in the jobs.error column: a stable category
// plus a human-readable message, with the selector detail attached when the
// category is no_capable_engine.
type JobError struct {
	Code    string                `json:"code"`
	Message string                `json:"message"`
	Detail  *NoCapableEngineError `json:"detail,omitempty"`
}

func (e JobError) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}

func NewJobError(code, message string) JobError {
	return JobError{Code: code, Message: message}
}

func NewSelectionJobError(sel *NoCapableEngineError) JobError {
	return JobError{Code: CategoryNoCapableEngine, Message: sel.Error(), Detail: sel}
}
