package domain

import "time"

// Capabilities describes what an engine can do. An empty Languages set means
// "all languages".
type Capabilities struct {
	Stages              []string `json:"stages"`
	Languages           []string `json:"languages,omitempty"`
	WordTimestamps      bool     `json:"supports_word_timestamps"`
	IncludesDiarization bool     `json:"includes_diarization"`
	Streaming           bool     `json:"supports_streaming"`
	RTFGpu              float64  `json:"rtf_gpu,omitempty"`
	MaxAudioDuration    int      `json:"max_audio_duration,omitempty"`

	// ModelID names the weights a multi-variant runtime must load to serve
	// this entry. Empty for single-model engines.
	ModelID string `json:"model_id,omitempty"`

	// Resources are free-form scheduler hints (gpu memory, cpu class).
	Resources map[string]string `json:"resources,omitempty"`
}

// HasStage reports whether the engine serves the given stage.
func (c Capabilities) HasStage(stage string) bool {
	for _, s := range c.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// SupportsLanguage applies the "empty means all" rule.
func (c Capabilities) SupportsLanguage(lang string) bool {
	if len(c.Languages) == 0 {
		return true
	}
	for _, l := range c.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// RegistryEntry is the ephemeral heartbeat record for a live engine.
type RegistryEntry struct {
	EngineID      string       `json:"engine_id"`
	Capabilities  Capabilities `json:"capabilities"`
	LoadedModelID string       `json:"loaded_model_id,omitempty"`
	HeartbeatAt   time.Time    `json:"heartbeat_at"`
}

// CatalogEntry describes a deployable engine, live or not.
type CatalogEntry struct {
	ID           string       `json:"id"`
	Image        string       `json:"image"`
	Version      string       `json:"version,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}
