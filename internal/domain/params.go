package domain

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

const (
	SpeakerDetectionNone       = "none"
	SpeakerDetectionAuto       = "auto"
	SpeakerDetectionPerChannel = "per_channel"
)

// JobParameters is the client-facing configuration carried on the job row.
type JobParameters struct {
	Language         string   `json:"language"`
	WordTimestamps   bool     `json:"word_timestamps"`
	SpeakerDetection string   `json:"speaker_detection"`
	ChannelCount     int      `json:"channel_count,omitempty"`
	Enrichments      []string `json:"enrichments,omitempty"`
	Streaming        bool     `json:"streaming,omitempty"`

	// Engine pins a specific engine id for the transcribe stage.
	Engine string `json:"engine,omitempty"`

	// AudioDurationSec is measured at upload time and drives per-task timeouts.
	AudioDurationSec float64 `json:"audio_duration_sec,omitempty"`
}

func ParseJobParameters(raw datatypes.JSON) (JobParameters, error) {
	p := JobParameters{SpeakerDetection: SpeakerDetectionNone}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("parse job parameters: %w", err)
	}
	if p.SpeakerDetection == "" {
		p.SpeakerDetection = SpeakerDetectionNone
	}
	return p, nil
}

func (p JobParameters) Validate() error {
	if p.Language == "" {
		return fmt.Errorf("language is required")
	}
	switch p.SpeakerDetection {
	case SpeakerDetectionNone, SpeakerDetectionAuto, SpeakerDetectionPerChannel:
	default:
		return fmt.Errorf("unknown speaker_detection %q", p.SpeakerDetection)
	}
	if p.SpeakerDetection == SpeakerDetectionPerChannel && p.ChannelCount < 2 {
		return fmt.Errorf("speaker_detection=per_channel requires channel_count >= 2")
	}
	return nil
}

func (p JobParameters) JSON() datatypes.JSON {
	b, _ := json.Marshal(p)
	return datatypes.JSON(b)
}
