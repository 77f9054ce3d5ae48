package dag

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/selector"
)

// Build derives the task graph for one job from its parameters and the
// selected engines. Tasks are returned, not persisted; the caller writes them
// in a single transaction. The graph is acyclic by construction: every task
// only depends on tasks created before it.
func Build(job *domain.Job, params domain.JobParameters, sel *selector.PipelineSelection) ([]*domain.Task, error) {
	if job == nil || sel == nil {
		return nil, fmt.Errorf("job and selection required")
	}

	b := &builder{job: job, params: params, sel: sel}

	if params.SpeakerDetection == domain.SpeakerDetectionPerChannel {
		return b.perChannel()
	}
	return b.single()
}

type builder struct {
	job    *domain.Job
	params domain.JobParameters
	sel    *selector.PipelineSelection
	tasks  []*domain.Task
}

// single is the default shape:
// prepare -> transcribe [-> align]; diarize off prepare; merge joins tails.
func (b *builder) single() ([]*domain.Task, error) {
	prepare := b.add(domain.StagePrepare, domain.StagePrepare, nil, map[string]any{})

	transcribe := b.add(domain.StageTranscribe, domain.StageTranscribe,
		[]uuid.UUID{prepare.ID},
		map[string]any{
			"language":        b.params.Language,
			"word_timestamps": b.params.WordTimestamps,
		})

	tail := transcribe
	if b.sel.NeedAlign {
		tail = b.add(domain.StageAlign, domain.StageAlign,
			[]uuid.UUID{transcribe.ID},
			map[string]any{"language": b.params.Language})
	}

	mergeDeps := []uuid.UUID{tail.ID}
	if b.sel.NeedDiarize {
		// Diarization works on the prepared audio and runs in parallel with
		// transcription.
		diarize := b.add(domain.StageDiarize, domain.StageDiarize,
			[]uuid.UUID{prepare.ID},
			map[string]any{"speaker_detection": b.params.SpeakerDetection})
		mergeDeps = append(mergeDeps, diarize.ID)
	}

	merge := b.add(domain.StageMerge, domain.StageMerge, mergeDeps, map[string]any{
		"speaker_detection": b.params.SpeakerDetection,
	})

	b.addEnrichments(merge.ID)
	return b.tasks, nil
}

// perChannel splits a stereo (or N-channel) job into parallel per-channel
// transcription lanes. Speaker identity is the channel assignment, so no
// diarize stage is ever added here.
func (b *builder) perChannel() ([]*domain.Task, error) {
	n := b.params.ChannelCount
	if n < 2 {
		return nil, fmt.Errorf("per-channel DAG requires channel_count >= 2, got %d", n)
	}

	prepare := b.add(domain.StagePrepare, domain.StagePrepare, nil, map[string]any{
		"channels":       n,
		"split_channels": true,
	})

	tails := make([]uuid.UUID, 0, n)
	for ch := 0; ch < n; ch++ {
		transcribe := b.add(domain.ChannelStage(domain.StageTranscribe, ch), domain.StageTranscribe,
			[]uuid.UUID{prepare.ID},
			map[string]any{
				"language":        b.params.Language,
				"word_timestamps": b.params.WordTimestamps,
				"channel":         ch,
			})
		tail := transcribe
		if b.sel.NeedAlign {
			tail = b.add(domain.ChannelStage(domain.StageAlign, ch), domain.StageAlign,
				[]uuid.UUID{transcribe.ID},
				map[string]any{
					"language": b.params.Language,
					"channel":  ch,
				})
		}
		tails = append(tails, tail.ID)
	}

	merge := b.add(domain.StageMerge, domain.StageMerge, tails, map[string]any{
		"speaker_detection": b.params.SpeakerDetection,
		"channels":          n,
	})

	b.addEnrichments(merge.ID)
	return b.tasks, nil
}

func (b *builder) addEnrichments(mergeID uuid.UUID) {
	for _, stage := range b.sel.Enrichments {
		t := b.add(stage, stage, []uuid.UUID{mergeID}, map[string]any{
			"language": b.params.Language,
		})
		t.Required = false
	}
}

// add stamps one task with its stage name, chosen engine, config blob and
// predecessor list. baseStage keys the engine lookup for per-channel
// variants.
func (b *builder) add(stage, baseStage string, deps []uuid.UUID, config map[string]any) *domain.Task {
	engine, _ := b.sel.Engine(baseStage)

	if config == nil {
		config = map[string]any{}
	}
	if engine.Capabilities.ModelID != "" {
		config["runtime_model_id"] = engine.Capabilities.ModelID
	}
	if engine.Capabilities.RTFGpu > 0 {
		config["rtf_gpu"] = engine.Capabilities.RTFGpu
	}
	raw, _ := json.Marshal(config)

	t := &domain.Task{
		ID:       uuid.New(),
		JobID:    b.job.ID,
		Stage:    stage,
		EngineID: engine.EngineID,
		Status:   domain.TaskStatusPending,
		Config:   datatypes.JSON(raw),
		Required: true,
		InputURI: b.job.AudioURI,
	}
	t.SetDependencies(deps)
	b.tasks = append(b.tasks, t)
	return t
}
