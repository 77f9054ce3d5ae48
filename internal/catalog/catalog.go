package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
)

// File is the generated catalog document produced at build time by
// cmd/catalog-gen from the per-engine metadata files.
type File struct {
	SchemaVersion int                  `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Engines       []domain.CatalogEntry `json:"engines"`
}

// Catalog is the immutable at-startup answer to "what could run?". Reload
// requires a process restart.
type Catalog struct {
	log     *logger.Logger
	entries []domain.CatalogEntry
	byID    map[string]domain.CatalogEntry
}

// Load reads and validates the generated catalog file. A malformed document
// fails process start.
func Load(log *logger.Logger, path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var file File
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return FromEntries(log, file.Engines)
}

// FromEntries builds a catalog from in-memory entries. Tests and the catalog
// generator share the validation.
func FromEntries(log *logger.Logger, entries []domain.CatalogEntry) (*Catalog, error) {
	byID := make(map[string]domain.CatalogEntry, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry %d: missing id", i)
		}
		if e.Image == "" {
			return nil, fmt.Errorf("catalog entry %q: missing image", e.ID)
		}
		if len(e.Capabilities.Stages) == 0 {
			return nil, fmt.Errorf("catalog entry %q: no stages declared", e.ID)
		}
		if _, dup := byID[e.ID]; dup {
			return nil, fmt.Errorf("catalog entry %q: duplicate id", e.ID)
		}
		byID[e.ID] = e
	}
	if log != nil {
		log = log.With("service", "Catalog")
		log.Info("Catalog loaded", "engines", len(entries))
	}
	return &Catalog{log: log, entries: entries, byID: byID}, nil
}

// Get returns a catalog entry by engine id.
func (c *Catalog) Get(engineID string) (domain.CatalogEntry, bool) {
	e, ok := c.byID[engineID]
	return e, ok
}

// EnginesForStage returns every entry whose capabilities include the stage.
func (c *Catalog) EnginesForStage(stage string) []domain.CatalogEntry {
	var out []domain.CatalogEntry
	for _, e := range c.entries {
		if e.Capabilities.HasStage(stage) {
			out = append(out, e)
		}
	}
	return out
}

// FindEngines additionally filters by hard requirements.
func (c *Catalog) FindEngines(stage string, reqs domain.Requirements) []domain.CatalogEntry {
	var out []domain.CatalogEntry
	for _, e := range c.EnginesForStage(stage) {
		if reqs.Language != "" && !e.Capabilities.SupportsLanguage(reqs.Language) {
			continue
		}
		if reqs.Streaming && !e.Capabilities.Streaming {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Entries exposes the full immutable entry list.
func (c *Catalog) Entries() []domain.CatalogEntry {
	return c.entries
}
