package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	redisclient "github.com/dalston-ai/dalston/internal/clients/redis"
	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
)

// Processor is the opaque work an engine performs. It may run for minutes.
// Invocations must be idempotent: the same input yields the same artifact.
type Processor interface {
	Process(ctx context.Context, input ProcessInput) (ProcessOutput, error)
}

type ProcessInput struct {
	Task    *domain.Task
	Job     *domain.Job
	Message domain.StreamMessage
}

type ProcessOutput struct {
	Artifact    []byte
	ContentType string
}

// ArtifactStore persists task outputs. Keys derive from (job_id, task_id) so
// duplicate invocations overwrite with identical bytes.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// TaskStore is the runner's database view for status re-checks.
type TaskStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	UpdateTask(ctx context.Context, id uuid.UUID, updates map[string]any) error
}

// ModelManager swaps runtime weights for multi-variant engines. Single-model
// engines leave it nil.
type ModelManager interface {
	LoadedModel() string
	SwapModel(ctx context.Context, modelID string) error
}

// EngineLiveness answers whether another consumer still heartbeats.
type EngineLiveness interface {
	IsAvailable(ctx context.Context, engineID string) (bool, error)
}

// WorkSource is the stream surface the runner consumes. Satisfied by
// *redis.Streams.
type WorkSource interface {
	Pending(ctx context.Context, stage string) ([]redisclient.PendingEntry, error)
	Claim(ctx context.Context, stage, consumer, id string, minIdle time.Duration) (*redisclient.Delivery, error)
	ReadNew(ctx context.Context, stage, consumer string, block time.Duration) (*redisclient.Delivery, error)
	Ack(ctx context.Context, stage, id string) error
}

type RunnerConfig struct {
	// StaleClaimIdle gates the dead-engine claim pass (10m).
	StaleClaimIdle time.Duration
	// ReadBlock bounds the blocking group read (30s).
	ReadBlock time.Duration
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		StaleClaimIdle: 10 * time.Minute,
		ReadBlock:      30 * time.Second,
	}
}

// Runner is the cooperative work loop inside each engine process: claim from
// dead engines, else read fresh, re-check status, process, always ack,
// publish the outcome.
type Runner struct {
	log       *logger.Logger
	streams   WorkSource
	registry  EngineLiveness
	store     TaskStore
	artifacts ArtifactStore
	bus       Publisher
	proc      Processor
	models    ModelManager
	heartbeat *Heartbeater

	engineID string
	stage    string
	consumer string
	cfg      RunnerConfig
}

// Publisher emits completion and failure events.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

func NewRunner(log *logger.Logger, streams WorkSource, reg EngineLiveness, store TaskStore, artifacts ArtifactStore, bus Publisher, proc Processor, engineID, stage string, cfg RunnerConfig) *Runner {
	if cfg.StaleClaimIdle <= 0 {
		cfg.StaleClaimIdle = 10 * time.Minute
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = 30 * time.Second
	}
	return &Runner{
		log:       log.With("component", "Runner", "engine_id", engineID, "stage", stage),
		streams:   streams,
		registry:  reg,
		store:     store,
		artifacts: artifacts,
		bus:       bus,
		proc:      proc,
		engineID:  engineID,
		stage:     stage,
		consumer:  engineID,
		cfg:       cfg,
	}
}

// WithModelManager attaches weight-swap support.
func (r *Runner) WithModelManager(m ModelManager) *Runner {
	r.models = m
	return r
}

// WithHeartbeater lets the runner reflect model swaps into the registry.
func (r *Runner) WithHeartbeater(h *Heartbeater) *Runner {
	r.heartbeat = h
	return r
}

func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("runner started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("runner stopped")
			return nil
		default:
		}
		if err := r.Iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("runner iteration failed", "error", err)
			time.Sleep(time.Second)
		}
	}
}

// Iterate performs one loop turn: at most one claimed message, else one
// fresh read.
func (r *Runner) Iterate(ctx context.Context) error {
	delivery, err := r.claimFromDead(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		delivery, err = r.streams.ReadNew(ctx, r.stage, r.consumer, r.cfg.ReadBlock)
		if err != nil {
			return err
		}
	}
	if delivery == nil {
		return nil
	}
	return r.handle(ctx, delivery)
}

// claimFromDead reassigns at most one long-idle entry whose consumer no
// longer appears in the registry.
func (r *Runner) claimFromDead(ctx context.Context) (*redisclient.Delivery, error) {
	pending, err := r.streams.Pending(ctx, r.stage)
	if err != nil {
		return nil, err
	}
	for _, entry := range pending {
		if entry.Consumer == r.consumer {
			continue
		}
		if entry.Idle < r.cfg.StaleClaimIdle {
			continue
		}
		alive, err := r.registry.IsAvailable(ctx, entry.Consumer)
		if err != nil {
			return nil, err
		}
		if alive {
			continue
		}
		d, err := r.streams.Claim(ctx, r.stage, r.consumer, entry.ID, r.cfg.StaleClaimIdle)
		if err != nil {
			return nil, err
		}
		if d == nil {
			// Raced with another claimer or an ack.
			continue
		}
		r.log.Info("claimed task from dead engine", "task_id", d.Message.TaskID, "previous_consumer", entry.Consumer, "idle", entry.Idle.Round(time.Second))
		return d, nil
	}
	return nil, nil
}

func (r *Runner) handle(ctx context.Context, d *redisclient.Delivery) error {
	taskID := d.Message.TaskID
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task == nil || domain.TaskTerminal(task.Status) {
		return r.streams.Ack(ctx, r.stage, d.ID)
	}
	job, err := r.store.GetJob(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", task.JobID, err)
	}
	if job == nil || job.Status == domain.JobStatusCancelled {
		// Cancelled work is acknowledged silently, no event.
		return r.streams.Ack(ctx, r.stage, d.ID)
	}

	now := time.Now()
	updates := map[string]any{
		"status":         domain.TaskStatusRunning,
		"engine_id":      r.engineID,
		"delivery_count": task.DeliveryCount + 1,
	}
	if task.StartedAt == nil {
		updates["started_at"] = now
	}
	if err := r.store.UpdateTask(ctx, taskID, updates); err != nil {
		return fmt.Errorf("mark task running %s: %w", taskID, err)
	}

	if err := r.maybeSwapModel(ctx, task); err != nil {
		return r.fail(ctx, d, task, domain.CategoryEngineError, fmt.Sprintf("model swap: %v", err))
	}

	out, err := r.proc.Process(ctx, ProcessInput{Task: task, Job: job, Message: d.Message})
	if err != nil {
		return r.fail(ctx, d, task, domain.CategoryEngineError, err.Error())
	}

	key := ArtifactKey(task.JobID, task.ID)
	uri, err := r.artifacts.Put(ctx, key, out.Artifact, out.ContentType)
	if err != nil {
		return r.fail(ctx, d, task, domain.CategoryEngineError, fmt.Sprintf("store artifact: %v", err))
	}

	if err := r.streams.Ack(ctx, r.stage, d.ID); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	event := domain.Event{
		Type:      domain.EventTaskCompleted,
		Timestamp: time.Now().UTC(),
		JobID:     task.JobID,
		TaskID:    task.ID,
		EngineID:  r.engineID,
		OutputURI: uri,
	}
	if err := r.bus.Publish(ctx, event); err != nil {
		// The ack already landed; the scanner cannot recover this task, but
		// completion is re-derived the next time anything touches the job.
		r.log.Error("publish task.completed failed", "task_id", task.ID, "error", err)
	}
	r.log.Info("task completed", "task_id", task.ID, "output_uri", uri)
	return nil
}

// fail acknowledges first so no poisoned entry stays behind, then reports.
// The retry decision belongs to the orchestrator handler.
func (r *Runner) fail(ctx context.Context, d *redisclient.Delivery, task *domain.Task, category, errMsg string) error {
	if err := r.streams.Ack(ctx, r.stage, d.ID); err != nil {
		r.log.Warn("ack after failure failed", "id", d.ID, "error", err)
	}
	event := domain.Event{
		Type:      domain.EventTaskFailed,
		Timestamp: time.Now().UTC(),
		JobID:     task.JobID,
		TaskID:    task.ID,
		EngineID:  r.engineID,
		Category:  category,
		Error:     errMsg,
	}
	if err := r.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish task.failed: %w", err)
	}
	r.log.Warn("task failed", "task_id", task.ID, "category", category, "error", errMsg)
	return nil
}

// maybeSwapModel reloads weights when the task pins a different variant than
// the one resident. Swap cost is paid once; a swap failure is a task failure.
func (r *Runner) maybeSwapModel(ctx context.Context, task *domain.Task) error {
	if r.models == nil {
		return nil
	}
	want, _ := task.ConfigMap()["runtime_model_id"].(string)
	if want == "" || want == r.models.LoadedModel() {
		return nil
	}
	r.log.Info("swapping model", "from", r.models.LoadedModel(), "to", want)
	if err := r.models.SwapModel(ctx, want); err != nil {
		return err
	}
	if r.heartbeat != nil {
		r.heartbeat.SetLoadedModel(want)
	}
	return nil
}

// ArtifactKey derives the idempotent object-storage key for a task's output.
func ArtifactKey(jobID, taskID uuid.UUID) string {
	return fmt.Sprintf("jobs/%s/tasks/%s/output.json", jobID, taskID)
}
