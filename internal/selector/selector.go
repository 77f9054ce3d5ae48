package selector

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/dalston-ai/dalston/internal/catalog"
	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
)

// RegistryReader is the live-engine view the selector consumes. Satisfied by
// *registry.Registry; stubbed in tests.
type RegistryReader interface {
	EnginesForStage(ctx context.Context, stage string) ([]domain.RegistryEntry, error)
	Get(ctx context.Context, engineID string) (*domain.RegistryEntry, error)
}

// Selector maps (stage, requirements) to a concrete engine id. Pure over
// Registry and Catalog snapshots; called at submission time and once per
// stage when building the DAG.
type Selector struct {
	log      *logger.Logger
	registry RegistryReader
	catalog  *catalog.Catalog
}

func New(log *logger.Logger, reg RegistryReader, cat *catalog.Catalog) *Selector {
	return &Selector{
		log:      log.With("service", "Selector"),
		registry: reg,
		catalog:  cat,
	}
}

// SelectEngine picks an engine for one stage. userPreference pins a specific
// engine id; it must be live and must satisfy the requirements.
func (s *Selector) SelectEngine(ctx context.Context, stage string, reqs domain.Requirements, userPreference string) (*domain.RegistryEntry, error) {
	if userPreference != "" {
		return s.selectPreferred(ctx, stage, reqs, userPreference)
	}

	candidates, err := s.registry.EnginesForStage(ctx, stage)
	if err != nil {
		return nil, fmt.Errorf("enumerate engines for %s: %w", stage, err)
	}

	var (
		survivors  []domain.RegistryEntry
		mismatches []domain.CandidateMismatch
	)
	for _, c := range candidates {
		if reason := mismatchReason(c.Capabilities, reqs); reason != "" {
			mismatches = append(mismatches, domain.CandidateMismatch{EngineID: c.EngineID, Reason: reason})
			continue
		}
		survivors = append(survivors, c)
	}
	if len(survivors) == 0 {
		return nil, s.noCapableEngine(stage, reqs, mismatches)
	}

	rank(survivors)
	best := survivors[0]
	return &best, nil
}

func (s *Selector) selectPreferred(ctx context.Context, stage string, reqs domain.Requirements, engineID string) (*domain.RegistryEntry, error) {
	entry, err := s.registry.Get(ctx, engineID)
	if err != nil {
		return nil, fmt.Errorf("lookup engine %s: %w", engineID, err)
	}
	if entry == nil {
		return nil, s.noCapableEngine(stage, reqs, []domain.CandidateMismatch{
			{EngineID: engineID, Reason: "engine is not running"},
		})
	}
	if !entry.Capabilities.HasStage(stage) {
		return nil, s.noCapableEngine(stage, reqs, []domain.CandidateMismatch{
			{EngineID: engineID, Reason: fmt.Sprintf("does not serve stage %q", stage)},
		})
	}
	if reason := mismatchReason(entry.Capabilities, reqs); reason != "" {
		return nil, s.noCapableEngine(stage, reqs, []domain.CandidateMismatch{
			{EngineID: engineID, Reason: reason},
		})
	}
	return entry, nil
}

func (s *Selector) noCapableEngine(stage string, reqs domain.Requirements, mismatches []domain.CandidateMismatch) error {
	nce := &domain.NoCapableEngineError{
		Stage:        stage,
		Requirements: reqs,
		Candidates:   mismatches,
	}
	if s.catalog != nil {
		for _, alt := range s.catalog.FindEngines(stage, reqs) {
			nce.Alternatives = append(nce.Alternatives, domain.CatalogAlternative{
				EngineID: alt.ID,
				Image:    alt.Image,
			})
		}
	}
	return nce
}

func mismatchReason(caps domain.Capabilities, reqs domain.Requirements) string {
	if reqs.Language != "" && !caps.SupportsLanguage(reqs.Language) {
		return fmt.Sprintf("language %q not supported (has: %v)", reqs.Language, caps.Languages)
	}
	if reqs.Streaming && !caps.Streaming {
		return "streaming not supported"
	}
	return ""
}

// rank orders survivors by the total ordering: native word timestamps, then
// native diarization, then language specificity (a declared set beats "all"),
// then lower rtf_gpu, with engine id as the deterministic tie-break.
func rank(entries []domain.RegistryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Capabilities.WordTimestamps != b.Capabilities.WordTimestamps {
			return a.Capabilities.WordTimestamps
		}
		if a.Capabilities.IncludesDiarization != b.Capabilities.IncludesDiarization {
			return a.Capabilities.IncludesDiarization
		}
		aSpecific := len(a.Capabilities.Languages) > 0
		bSpecific := len(b.Capabilities.Languages) > 0
		if aSpecific != bSpecific {
			return aSpecific
		}
		aRTF := rtfOrInf(a.Capabilities.RTFGpu)
		bRTF := rtfOrInf(b.Capabilities.RTFGpu)
		if aRTF != bRTF {
			return aRTF < bRTF
		}
		return a.EngineID < b.EngineID
	})
}

func rtfOrInf(v float64) float64 {
	if v <= 0 {
		return math.Inf(1)
	}
	return v
}
