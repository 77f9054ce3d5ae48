package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dalston-ai/dalston/internal/dag"
	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/observability"
	"github.com/dalston-ai/dalston/internal/platform/logger"
	"github.com/dalston-ai/dalston/internal/repos"
	"github.com/dalston-ai/dalston/internal/selector"
)

// WorkQueue is the per-stage stream surface the handlers need. Satisfied by
// *redis.Streams.
type WorkQueue interface {
	Enqueue(ctx context.Context, stage string, msg domain.StreamMessage) error
	PurgeTask(ctx context.Context, stage string, taskID uuid.UUID) error
}

// Publisher emits events back onto the broadcast channel.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Handlers advance the job and task state machines. Every state-changing step
// is guarded by an atomic conditional update, so any number of controllers
// can process the same event without double effects.
type Handlers struct {
	log     *logger.Logger
	db      *gorm.DB
	jobs    repos.JobRepo
	tasks   repos.TaskRepo
	sel     *selector.Selector
	queue   WorkQueue
	bus     Publisher
	metrics *observability.Metrics
	cfg     Config
}

func NewHandlers(log *logger.Logger, db *gorm.DB, jobs repos.JobRepo, tasks repos.TaskRepo, sel *selector.Selector, queue WorkQueue, bus Publisher, metrics *observability.Metrics, cfg Config) *Handlers {
	return &Handlers{
		log:     log.With("component", "Handlers"),
		db:      db,
		jobs:    jobs,
		tasks:   tasks,
		sel:     sel,
		queue:   queue,
		bus:     bus,
		metrics: metrics,
		cfg:     cfg,
	}
}

// HandleJobCreated claims a pending job, validates engine selection, builds
// and persists the DAG, and enqueues the dependency-free tasks.
func (h *Handlers) HandleJobCreated(ctx context.Context, jobID uuid.UUID) error {
	job, err := h.jobs.GetByID(ctx, nil, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		h.log.Warn("job.created for unknown job", "job_id", jobID)
		return nil
	}

	now := time.Now()
	won, err := h.jobs.Transition(ctx, nil, jobID, domain.JobStatusPending, domain.JobStatusRunning, map[string]any{
		"started_at": now,
	})
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !won {
		h.log.Debug("job already claimed or no longer pending", "job_id", jobID)
		return nil
	}
	h.metrics.JobStarted(ctx)

	params, err := domain.ParseJobParameters(job.Parameters)
	if err == nil {
		err = params.Validate()
	}
	if err != nil {
		h.log.Warn("job has invalid parameters", "job_id", jobID, "error", err)
		h.metrics.JobFailed(ctx, "invalid_parameters")
		return h.jobs.MarkFailed(ctx, nil, jobID, domain.NewJobError("invalid_parameters", err.Error()))
	}

	sel, err := h.sel.SelectPipelineEngines(ctx, params)
	if err != nil {
		var nce *domain.NoCapableEngineError
		if errors.As(err, &nce) {
			h.log.Warn("no capable engine, failing job", "job_id", jobID, "stage", nce.Stage)
			h.metrics.JobFailed(ctx, domain.CategoryNoCapableEngine)
			return h.jobs.MarkFailed(ctx, nil, jobID, domain.NewSelectionJobError(nce))
		}
		return fmt.Errorf("select engines for job %s: %w", jobID, err)
	}

	tasks, err := dag.Build(job, params, sel)
	if err != nil {
		h.metrics.JobFailed(ctx, "dag_build")
		return h.jobs.MarkFailed(ctx, nil, jobID, domain.NewJobError("dag_build", err.Error()))
	}
	for _, t := range tasks {
		t.MaxRetries = h.cfg.retriesFor(baseStage(t.Stage))
	}

	if err := h.tasks.CreateAll(ctx, nil, tasks); err != nil {
		if errors.Is(err, repos.ErrDuplicateDAG) {
			// Another controller raced past the claim; its DAG stands.
			h.log.Info("task DAG already persisted by another controller", "job_id", jobID)
			return nil
		}
		return fmt.Errorf("persist tasks for job %s: %w", jobID, err)
	}

	h.log.Info("job claimed, DAG persisted", "job_id", jobID, "tasks", len(tasks))

	for _, t := range tasks {
		if len(t.DependencyIDs()) > 0 {
			continue
		}
		if err := h.markReadyAndEnqueue(ctx, job, t.ID); err != nil {
			return err
		}
	}
	return nil
}

// HandleTaskCompleted finalizes a task and advances its dependents.
func (h *Handlers) HandleTaskCompleted(ctx context.Context, taskID uuid.UUID, outputURI string) error {
	task, err := h.tasks.GetByID(ctx, nil, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task == nil {
		h.log.Warn("task.completed for unknown task", "task_id", taskID)
		return nil
	}

	changed, err := h.tasks.MarkCompleted(ctx, nil, taskID, outputURI)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if changed {
		h.metrics.TaskCompleted(ctx, baseStage(task.Stage))
	}
	return h.advanceJob(ctx, task.JobID)
}

// HandleTaskFailed classifies a failure and decides between skip, retry,
// re-selection and escalation.
func (h *Handlers) HandleTaskFailed(ctx context.Context, event domain.Event) error {
	task, err := h.tasks.GetByID(ctx, nil, event.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", event.TaskID, err)
	}
	if task == nil {
		h.log.Warn("task.failed for unknown task", "task_id", event.TaskID)
		return nil
	}
	if domain.TaskTerminal(task.Status) {
		return nil
	}

	job, err := h.jobs.GetByID(ctx, nil, task.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", task.JobID, err)
	}
	if job == nil || domain.JobTerminal(job.Status) {
		return nil
	}

	category := event.Category
	if category == "" {
		category = domain.CategoryEngineError
	}
	h.log.Info("task failed", "task_id", task.ID, "stage", task.Stage, "category", category, "error", event.Error)

	// Optional tasks never escalate: final failures become SKIPPED and leave
	// a pipeline warning on the job.
	if !task.Required && !h.retryable(task, category) {
		return h.skipTask(ctx, job, task, category, event.Error)
	}

	if category == domain.CategoryEngineDisappeared {
		if h.cfg.ReselectionEnabled && task.Reselections < h.cfg.ReselectionBudget {
			return h.reselectAndRequeue(ctx, job, task)
		}
		// Budget spent: the disappearance consumes the retry path below.
	}

	if h.retryable(task, category) {
		// The runner marks a task RUNNING before it can fail it, so the CAS
		// pins RUNNING -> READY: a duplicated broadcast finds the task already
		// READY and loses, keeping one enqueue and one budget decrement per
		// real attempt.
		won, err := h.tasks.Transition(ctx, nil, task.ID, domain.TaskStatusRunning, domain.TaskStatusReady, map[string]any{
			"retries": task.Retries + 1,
			"error":   event.Error,
		})
		if err != nil {
			return fmt.Errorf("bump retries for task %s: %w", task.ID, err)
		}
		if !won {
			h.log.Debug("retry already handled", "task_id", task.ID)
			return nil
		}
		h.log.Info("re-enqueueing failed task", "task_id", task.ID, "retry", task.Retries+1, "max_retries", task.MaxRetries)
		return h.enqueue(ctx, job, task)
	}

	return h.failTask(ctx, job, task, category, event.Error)
}

// retryable: within budget, and the category is something a retry can fix.
func (h *Handlers) retryable(task *domain.Task, category string) bool {
	switch category {
	case domain.CategoryMaxRetries, domain.CategoryTaskTimeout, domain.CategoryNoCapableEngine, domain.CategoryCancelled:
		return false
	}
	return task.Retries < task.MaxRetries
}

func (h *Handlers) skipTask(ctx context.Context, job *domain.Job, task *domain.Task, category, errMsg string) error {
	changed, err := h.tasks.MarkSkipped(ctx, nil, task.ID, errMsg)
	if err != nil {
		return fmt.Errorf("skip task %s: %w", task.ID, err)
	}
	if !changed {
		return nil
	}
	h.metrics.TaskFailed(ctx, baseStage(task.Stage), category)
	if err := h.jobs.AppendWarning(ctx, nil, job.ID, domain.PipelineWarning{
		Stage:  task.Stage,
		Status: domain.TaskStatusFailed,
		Error:  errMsg,
	}); err != nil {
		h.log.Warn("failed to append pipeline warning", "job_id", job.ID, "error", err)
	}
	// A skipped task satisfies its dependents like a completed one.
	return h.advanceJob(ctx, job.ID)
}

// reselectAndRequeue swaps the dead engine for a live one and re-enqueues.
// The original engine is gone, so no user preference is honored here.
func (h *Handlers) reselectAndRequeue(ctx context.Context, job *domain.Job, task *domain.Task) error {
	params, err := domain.ParseJobParameters(job.Parameters)
	if err != nil {
		return fmt.Errorf("parse parameters for job %s: %w", job.ID, err)
	}
	stage := baseStage(task.Stage)
	reqs := domain.Requirements{}
	if stage == domain.StageTranscribe || stage == domain.StageAlign {
		reqs.Language = params.Language
	}
	if stage == domain.StageTranscribe {
		reqs.Streaming = params.Streaming
	}

	engine, err := h.sel.SelectEngine(ctx, stage, reqs, "")
	if err != nil {
		var nce *domain.NoCapableEngineError
		if errors.As(err, &nce) {
			return h.failTask(ctx, job, task, domain.CategoryNoCapableEngine, nce.Error())
		}
		return fmt.Errorf("re-select engine for task %s: %w", task.ID, err)
	}

	// CAS from the status the decision was made against; only the winning
	// controller writes the stream message.
	won, err := h.tasks.Transition(ctx, nil, task.ID, task.Status, domain.TaskStatusReady, map[string]any{
		"engine_id":    engine.EngineID,
		"reselections": task.Reselections + 1,
	})
	if err != nil {
		return fmt.Errorf("record re-selection for task %s: %w", task.ID, err)
	}
	if !won {
		h.log.Debug("re-selection already handled", "task_id", task.ID)
		return nil
	}
	h.log.Info("re-selected engine for task", "task_id", task.ID, "stage", task.Stage, "engine_id", engine.EngineID)
	return h.enqueue(ctx, job, task)
}

func (h *Handlers) failTask(ctx context.Context, job *domain.Job, task *domain.Task, category, errMsg string) error {
	if !task.Required {
		return h.skipTask(ctx, job, task, category, errMsg)
	}
	changed, err := h.tasks.MarkFailed(ctx, nil, task.ID, category, errMsg)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	if !changed {
		return nil
	}
	h.metrics.TaskFailed(ctx, baseStage(task.Stage), category)
	h.metrics.JobFailed(ctx, category)
	msg := fmt.Sprintf("task %s failed: %s", task.Stage, errMsg)
	return h.jobs.MarkFailed(ctx, nil, job.ID, domain.NewJobError(category, msg))
}

// advanceJob moves every satisfied pending task to READY (winning controller
// enqueues it) and completes the job when all required tasks are done.
func (h *Handlers) advanceJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := h.jobs.GetByID(ctx, nil, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil || domain.JobTerminal(job.Status) {
		return nil
	}

	tasks, err := h.tasks.ListByJob(ctx, nil, jobID)
	if err != nil {
		return fmt.Errorf("list tasks for job %s: %w", jobID, err)
	}

	statusByID := make(map[uuid.UUID]string, len(tasks))
	for _, t := range tasks {
		statusByID[t.ID] = t.Status
	}

	for _, t := range tasks {
		if t.Status != domain.TaskStatusPending {
			continue
		}
		if !depsSatisfied(t, statusByID) {
			continue
		}
		if err := h.markReadyAndEnqueue(ctx, job, t.ID); err != nil {
			return err
		}
	}

	return h.maybeCompleteJob(ctx, job, tasks)
}

func (h *Handlers) maybeCompleteJob(ctx context.Context, job *domain.Job, tasks []*domain.Task) error {
	for _, t := range tasks {
		if !t.Required {
			continue
		}
		if t.Status == domain.TaskStatusFailed {
			// The task.failed path fails the job; nothing to do here.
			return nil
		}
		if !domain.TaskTerminal(t.Status) {
			return nil
		}
	}
	won, err := h.jobs.Transition(ctx, nil, job.ID, domain.JobStatusRunning, domain.JobStatusCompleted, map[string]any{
		"completed_at": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if won {
		h.log.Info("job completed", "job_id", job.ID)
		h.metrics.JobCompleted(ctx)
	}
	return nil
}

// markReadyAndEnqueue is the second CAS guard: only the controller that wins
// PENDING -> READY writes the stream message.
func (h *Handlers) markReadyAndEnqueue(ctx context.Context, job *domain.Job, taskID uuid.UUID) error {
	won, err := h.tasks.Transition(ctx, nil, taskID, domain.TaskStatusPending, domain.TaskStatusReady, nil)
	if err != nil {
		return fmt.Errorf("ready task %s: %w", taskID, err)
	}
	if !won {
		return nil
	}
	task, err := h.tasks.GetByID(ctx, nil, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task == nil {
		return nil
	}
	return h.enqueue(ctx, job, task)
}

func (h *Handlers) enqueue(ctx context.Context, job *domain.Job, task *domain.Task) error {
	params, _ := domain.ParseJobParameters(job.Parameters)
	now := time.Now().UTC()
	msg := domain.StreamMessage{
		TaskID:     task.ID,
		JobID:      job.ID,
		EnqueuedAt: now,
		TimeoutAt:  now.Add(h.taskTimeout(params, task)),
	}
	stage := baseStage(task.Stage)
	if err := h.queue.Enqueue(ctx, stage, msg); err != nil {
		return fmt.Errorf("enqueue task %s on %s: %w", task.ID, stage, err)
	}
	h.metrics.TaskEnqueued(ctx, stage)
	h.log.Debug("task enqueued", "task_id", task.ID, "stage", stage, "timeout_at", msg.TimeoutAt)
	return nil
}

// taskTimeout derives the absolute timeout from audio duration × engine
// rtf_gpu × safety factor, clamped to a minimum. Falls back to the flat
// ceiling when either factor is unknown.
func (h *Handlers) taskTimeout(params domain.JobParameters, task *domain.Task) time.Duration {
	rtf := 0.0
	if v, ok := task.ConfigMap()["rtf_gpu"].(float64); ok {
		rtf = v
	}
	if params.AudioDurationSec <= 0 || rtf <= 0 {
		return h.cfg.TaskTimeout
	}
	d := time.Duration(params.AudioDurationSec * rtf * h.cfg.TimeoutSafetyFactor * float64(time.Second))
	if d < h.cfg.MinTaskTimeout {
		d = h.cfg.MinTaskTimeout
	}
	return d
}

func depsSatisfied(t *domain.Task, statusByID map[uuid.UUID]string) bool {
	for _, dep := range t.DependencyIDs() {
		switch statusByID[dep] {
		case domain.TaskStatusCompleted, domain.TaskStatusSkipped:
		default:
			return false
		}
	}
	return true
}

func baseStage(stage string) string { return domain.BaseStage(stage) }
