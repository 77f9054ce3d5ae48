package selector

import (
	"context"
	"fmt"

	"github.com/dalston-ai/dalston/internal/domain"
)

// PipelineSelection is the per-stage engine choice for one job, including
// the decision of which stages exist at all.
type PipelineSelection struct {
	// Engines maps base stage name to the chosen engine. Per-channel task
	// variants reuse the base stage's engine.
	Engines map[string]domain.RegistryEntry

	NeedAlign   bool
	NeedDiarize bool
	Enrichments []string
}

func (p *PipelineSelection) Engine(stage string) (domain.RegistryEntry, bool) {
	e, ok := p.Engines[stage]
	return e, ok
}

// SelectPipelineEngines composes per-stage selection and decides which stages
// the pipeline needs:
//
//   - transcribe is always required;
//   - align only when word timestamps are requested and the chosen
//     transcriber lacks native timestamps;
//   - diarize only when speaker_detection="auto" and the transcriber lacks
//     native diarization (channel-split jobs never diarize: speaker identity
//     is the channel assignment);
//   - prepare and merge always.
func (s *Selector) SelectPipelineEngines(ctx context.Context, params domain.JobParameters) (*PipelineSelection, error) {
	sel := &PipelineSelection{Engines: map[string]domain.RegistryEntry{}}

	transcriber, err := s.SelectEngine(ctx, domain.StageTranscribe, domain.Requirements{
		Language:  params.Language,
		Streaming: params.Streaming,
	}, params.Engine)
	if err != nil {
		return nil, err
	}
	sel.Engines[domain.StageTranscribe] = *transcriber

	sel.NeedAlign = params.WordTimestamps && !transcriber.Capabilities.WordTimestamps
	sel.NeedDiarize = params.SpeakerDetection == domain.SpeakerDetectionAuto &&
		!transcriber.Capabilities.IncludesDiarization

	for _, stage := range []string{domain.StagePrepare, domain.StageMerge} {
		engine, err := s.SelectEngine(ctx, stage, domain.Requirements{}, "")
		if err != nil {
			return nil, err
		}
		sel.Engines[stage] = *engine
	}

	if sel.NeedAlign {
		engine, err := s.SelectEngine(ctx, domain.StageAlign, domain.Requirements{Language: params.Language}, "")
		if err != nil {
			return nil, err
		}
		sel.Engines[domain.StageAlign] = *engine
	}
	if sel.NeedDiarize {
		engine, err := s.SelectEngine(ctx, domain.StageDiarize, domain.Requirements{}, "")
		if err != nil {
			return nil, err
		}
		sel.Engines[domain.StageDiarize] = *engine
	}

	for _, stage := range params.Enrichments {
		if !domain.OptionalStage(stage) {
			return nil, fmt.Errorf("unknown enrichment stage %q", stage)
		}
		engine, err := s.SelectEngine(ctx, stage, domain.Requirements{Language: params.Language}, "")
		if err != nil {
			return nil, err
		}
		sel.Engines[stage] = *engine
		sel.Enrichments = append(sel.Enrichments, stage)
	}

	return sel, nil
}
