package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dalston-ai/dalston/internal/domain"
)

// MetadataSchemaVersion is the only engine.yaml schema this build accepts.
const MetadataSchemaVersion = 1

// Metadata is the per-engine description baked into each container image.
// The engine runner publishes it via heartbeat; cmd/catalog-gen aggregates
// the same files into the catalog at build time.
type Metadata struct {
	SchemaVersion int    `yaml:"schema_version"`
	ID            string `yaml:"id"`
	Stage         string `yaml:"stage"`
	Version       string `yaml:"version"`
	Image         string `yaml:"image"`
	ModelID       string `yaml:"model_id,omitempty"`

	Capabilities MetadataCapabilities `yaml:"capabilities"`
	Hardware     map[string]string    `yaml:"hardware,omitempty"`
	Performance  MetadataPerformance  `yaml:"performance,omitempty"`
}

type MetadataCapabilities struct {
	Languages           []string `yaml:"languages,omitempty"`
	MaxAudioDuration    int      `yaml:"max_audio_duration,omitempty"`
	Streaming           bool     `yaml:"streaming"`
	WordTimestamps      bool     `yaml:"word_timestamps"`
	IncludesDiarization bool     `yaml:"includes_diarization"`
}

type MetadataPerformance struct {
	RTFGpu float64 `yaml:"rtf_gpu,omitempty"`
}

// LoadMetadata reads and validates an engine.yaml. A malformed document
// fails engine start.
func LoadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine metadata %s: %w", path, err)
	}
	var m Metadata
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse engine metadata %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine metadata %s: %w", path, err)
	}
	return &m, nil
}

func (m *Metadata) Validate() error {
	if m.SchemaVersion != MetadataSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (want %d)", m.SchemaVersion, MetadataSchemaVersion)
	}
	if m.ID == "" {
		return fmt.Errorf("missing id")
	}
	if m.Stage == "" {
		return fmt.Errorf("missing stage")
	}
	if m.Version == "" {
		return fmt.Errorf("missing version")
	}
	return nil
}

// AsCapabilities flattens the metadata into the shared capabilities document.
func (m *Metadata) AsCapabilities() domain.Capabilities {
	return domain.Capabilities{
		Stages:              []string{m.Stage},
		Languages:           m.Capabilities.Languages,
		WordTimestamps:      m.Capabilities.WordTimestamps,
		IncludesDiarization: m.Capabilities.IncludesDiarization,
		Streaming:           m.Capabilities.Streaming,
		RTFGpu:              m.Performance.RTFGpu,
		MaxAudioDuration:    m.Capabilities.MaxAudioDuration,
		ModelID:             m.ModelID,
		Resources:           m.Hardware,
	}
}

// AsCatalogEntry is the catalog generator's view of the same document.
func (m *Metadata) AsCatalogEntry() domain.CatalogEntry {
	return domain.CatalogEntry{
		ID:           m.ID,
		Image:        m.Image,
		Version:      m.Version,
		Capabilities: m.AsCapabilities(),
	}
}
