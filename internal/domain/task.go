package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	TaskStatusPending   = "pending"
	TaskStatusReady     = "ready"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusSkipped   = "skipped"
)

// Pipeline stage names. Per-channel variants carry a channel suffix so the
// UNIQUE(job_id, stage) index still holds, e.g. "transcribe_ch0".
const (
	StagePrepare    = "prepare"
	StageTranscribe = "transcribe"
	StageAlign      = "align"
	StageDiarize    = "diarize"
	StageMerge      = "merge"

	StageDetectEmotions = "detect_emotions"
	StageDetectEvents   = "detect_events"
	StageRefine         = "refine"
	StagePIIDetect      = "pii_detect"
	StageAudioRedact    = "audio_redact"
)

// ChannelStage suffixes a base stage with a channel index.
func ChannelStage(stage string, channel int) string {
	return fmt.Sprintf("%s_ch%d", stage, channel)
}

// BaseStage strips a per-channel suffix: "transcribe_ch1" -> "transcribe".
// Work streams and retry budgets are keyed by base stage.
func BaseStage(stage string) string {
	i := strings.LastIndex(stage, "_ch")
	if i < 0 {
		return stage
	}
	if _, err := strconv.Atoi(stage[i+3:]); err != nil {
		return stage
	}
	return stage[:i]
}

// OptionalStage reports whether a final failure of the stage should skip the
// task instead of failing the job.
func OptionalStage(stage string) bool {
	switch stage {
	case StageDetectEmotions, StageDetectEvents, StageRefine, StagePIIDetect, StageAudioRedact:
		return true
	default:
		return false
	}
}

// Task is one unit of pipeline work placed on a per-stage work stream.
type Task struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID         uuid.UUID      `gorm:"type:uuid;not null;index:idx_tasks_job;uniqueIndex:uq_tasks_job_stage" json:"job_id"`
	Stage         string         `gorm:"column:stage;not null;index;uniqueIndex:uq_tasks_job_stage" json:"stage"`
	EngineID      string         `gorm:"column:engine_id;index" json:"engine_id"`
	Status        string         `gorm:"column:status;not null;index" json:"status"`
	Dependencies  datatypes.JSON `gorm:"column:dependencies;type:jsonb" json:"dependencies"`
	Config        datatypes.JSON `gorm:"column:config;type:jsonb" json:"config"`
	InputURI      string         `gorm:"column:input_uri" json:"input_uri,omitempty"`
	OutputURI     string         `gorm:"column:output_uri" json:"output_uri,omitempty"`
	Retries       int            `gorm:"column:retries;not null;default:0" json:"retries"`
	MaxRetries    int            `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	Required      bool           `gorm:"column:required;not null;default:true" json:"required"`
	DeliveryCount int            `gorm:"column:delivery_count;not null;default:0" json:"delivery_count"`
	Reselections  int            `gorm:"column:reselections;not null;default:0" json:"reselections"`
	Error         string         `gorm:"column:error" json:"error,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now()" json:"created_at"`
	StartedAt     *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

func TaskTerminal(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// DependencyIDs decodes the JSONB dependency list.
func (t *Task) DependencyIDs() []uuid.UUID {
	if len(t.Dependencies) == 0 {
		return nil
	}
	var raw []string
	if err := json.Unmarshal(t.Dependencies, &raw); err != nil {
		return nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// SetDependencies encodes the dependency list as JSONB.
func (t *Task) SetDependencies(ids []uuid.UUID) {
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.String())
	}
	b, _ := json.Marshal(raw)
	t.Dependencies = datatypes.JSON(b)
}

// ConfigMap decodes the opaque per-engine config blob.
func (t *Task) ConfigMap() map[string]any {
	out := map[string]any{}
	if len(t.Config) == 0 {
		return out
	}
	_ = json.Unmarshal(t.Config, &out)
	return out
}
