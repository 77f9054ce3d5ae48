package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
	"github.com/dalston-ai/dalston/internal/repos"
	"github.com/dalston-ai/dalston/internal/selector"
)

// Publisher emits broadcast hints after durable state changes.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// StreamPurger drops unclaimed work-stream entries for a cancelled task.
type StreamPurger interface {
	PurgeTask(ctx context.Context, stage string, taskID uuid.UUID) error
}

var (
	ErrJobNotFound     = fmt.Errorf("job not found")
	ErrNotCancellable  = fmt.Errorf("job is not cancellable")
	ErrAudioURIMissing = fmt.Errorf("audio_uri is required")
)

// Service is the submission surface. Engine selection runs synchronously at
// submit time so an impossible request is rejected before a job row exists.
type Service struct {
	log      *logger.Logger
	jobs     repos.JobRepo
	tasks    repos.TaskRepo
	selector *selector.Selector
	bus      Publisher
	purger   StreamPurger
}

func NewService(log *logger.Logger, jobs repos.JobRepo, tasks repos.TaskRepo, sel *selector.Selector, bus Publisher, purger StreamPurger) *Service {
	return &Service{
		log:      log.With("service", "gateway.Service"),
		jobs:     jobs,
		tasks:    tasks,
		selector: sel,
		bus:      bus,
		purger:   purger,
	}
}

type SubmitJobInput struct {
	TenantID   uuid.UUID            `json:"tenant_id"`
	AudioURI   string               `json:"audio_uri"`
	Parameters domain.JobParameters `json:"parameters"`
}

// SubmitJob validates the request, proves every required stage has a capable
// engine right now, creates the job in pending and publishes job.created. A
// selection failure surfaces as *domain.NoCapableEngineError for the handler
// to render verbatim.
func (s *Service) SubmitJob(ctx context.Context, in SubmitJobInput) (*domain.Job, error) {
	if in.AudioURI == "" {
		return nil, ErrAudioURIMissing
	}
	if err := in.Parameters.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.selector.SelectPipelineEngines(ctx, in.Parameters); err != nil {
		return nil, err
	}

	job := &domain.Job{
		ID:         uuid.New(),
		TenantID:   in.TenantID,
		Status:     domain.JobStatusPending,
		AudioURI:   in.AudioURI,
		Parameters: in.Parameters.JSON(),
	}
	if _, err := s.jobs.Create(ctx, nil, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.bus.Publish(ctx, domain.Event{Type: domain.EventJobCreated, JobID: job.ID}); err != nil {
		// Best effort: the leader's sweep re-broadcasts hints for jobs stuck
		// in pending.
		s.log.Warn("publish job.created failed", "job_id", job.ID, "error", err)
	}

	s.log.Info("job submitted", "job_id", job.ID, "tenant_id", in.TenantID)
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, []*domain.Task, error) {
	job, err := s.jobs.GetByID(ctx, nil, id)
	if err != nil {
		return nil, nil, err
	}
	if job == nil {
		return nil, nil, ErrJobNotFound
	}
	tasks, err := s.tasks.ListByJob(ctx, nil, id)
	if err != nil {
		return nil, nil, err
	}
	return job, tasks, nil
}

// CancelJob flips the job to cancelled with a status guard, then purges the
// task entries no engine has claimed yet. Entries already delivered stay in
// the stream; the runner observes the cancelled job and acks them silently.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := s.jobs.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}

	now := time.Now()
	cancelled := false
	for _, from := range []string{domain.JobStatusPending, domain.JobStatusRunning} {
		ok, err := s.jobs.Transition(ctx, nil, id, from, domain.JobStatusCancelled, map[string]any{
			"completed_at": now,
		})
		if err != nil {
			return nil, err
		}
		if ok {
			cancelled = true
			break
		}
	}
	if !cancelled {
		return nil, ErrNotCancellable
	}

	tasks, err := s.tasks.ListByJob(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if domain.TaskTerminal(t.Status) {
			continue
		}
		if err := s.purger.PurgeTask(ctx, domain.BaseStage(t.Stage), t.ID); err != nil {
			s.log.Warn("purge task entries failed", "task_id", t.ID, "stage", t.Stage, "error", err)
		}
	}

	s.log.Info("job cancelled", "job_id", id)
	return s.jobs.GetByID(ctx, nil, id)
}
