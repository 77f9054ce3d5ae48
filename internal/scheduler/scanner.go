package scheduler

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	redisclient "github.com/dalston-ai/dalston/internal/clients/redis"
	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/observability"
	"github.com/dalston-ai/dalston/internal/platform/logger"
)

// StreamInspector is the read/ack surface the scanner needs. Satisfied by
// *redis.Streams.
type StreamInspector interface {
	ListStages(ctx context.Context) ([]string, error)
	Pending(ctx context.Context, stage string) ([]redisclient.PendingEntry, error)
	Fetch(ctx context.Context, stage, id string) (*domain.StreamMessage, error)
	Ack(ctx context.Context, stage, id string) error
}

// Lease elects one scanner among the controllers.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// EngineLiveness answers whether a consumer still heartbeats. Satisfied by
// *registry.Registry.
type EngineLiveness interface {
	IsAvailable(ctx context.Context, engineID string) (bool, error)
}

// PendingJobSource lists jobs whose job.created hint may have been lost.
// Satisfied by repos.JobRepo.
type PendingJobSource interface {
	ListStalePending(ctx context.Context, tx *gorm.DB, olderThan time.Time) ([]*domain.Job, error)
}

// Scanner reclaims work abandoned by crashed workers and re-broadcasts hints
// for jobs stuck in pending. It runs on every controller but only the lease
// holder sweeps. It never steals entries for re-delivery (that is the
// runner's dead-engine claim); it only converts hopeless entries into
// task.failed events.
type Scanner struct {
	log      *logger.Logger
	streams  StreamInspector
	lease    Lease
	registry EngineLiveness
	jobs     PendingJobSource
	bus      Publisher
	metrics  *observability.Metrics
	cfg      Config
}

func NewScanner(log *logger.Logger, streams StreamInspector, lease Lease, reg EngineLiveness, jobs PendingJobSource, bus Publisher, metrics *observability.Metrics, cfg Config) *Scanner {
	return &Scanner{
		log:      log.With("component", "StaleScanner"),
		streams:  streams,
		lease:    lease,
		registry: reg,
		jobs:     jobs,
		bus:      bus,
		metrics:  metrics,
		cfg:      cfg,
	}
}

func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ScannerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			leader, err := s.lease.TryAcquire(ctx)
			if err != nil {
				s.log.Warn("leader lease check failed", "error", err)
				continue
			}
			if !leader {
				continue
			}
			if err := s.Sweep(ctx); err != nil {
				s.log.Warn("stale sweep failed", "error", err)
			}
		}
	}
}

// Sweep inspects every stage stream's pending-entries list once, then
// re-broadcasts job.created for jobs whose hint was lost.
func (s *Scanner) Sweep(ctx context.Context) error {
	stages, err := s.streams.ListStages(ctx)
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}
	for _, stage := range stages {
		if err := s.sweepStage(ctx, stage); err != nil {
			s.log.Warn("stage sweep failed", "stage", stage, "error", err)
		}
	}
	if err := s.sweepPendingJobs(ctx); err != nil {
		s.log.Warn("pending job sweep failed", "error", err)
	}
	return nil
}

func (s *Scanner) sweepStage(ctx context.Context, stage string) error {
	pending, err := s.streams.Pending(ctx, stage)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, entry := range pending {
		msg, err := s.streams.Fetch(ctx, stage, entry.ID)
		if err != nil {
			s.log.Warn("fetch pending entry failed", "stage", stage, "id", entry.ID, "error", err)
			continue
		}

		if entry.RetryCount >= int64(s.cfg.MaxDeliveries) {
			s.failEntry(ctx, stage, entry.ID, msg, domain.CategoryMaxRetries,
				fmt.Sprintf("delivered %d times (max %d)", entry.RetryCount, s.cfg.MaxDeliveries))
			continue
		}

		timedOut := entry.Idle > s.cfg.TaskTimeout
		if msg != nil && !msg.TimeoutAt.IsZero() && now.After(msg.TimeoutAt) {
			timedOut = true
		}
		if timedOut {
			s.failEntry(ctx, stage, entry.ID, msg, domain.CategoryTaskTimeout,
				fmt.Sprintf("task exceeded its timeout (idle %s)", entry.Idle.Round(time.Second)))
			continue
		}

		// With re-selection on, a long-idle entry whose consumer no longer
		// heartbeats is routed back through the handler for an engine swap.
		if s.cfg.ReselectionEnabled && entry.Idle > s.cfg.StaleClaimIdle {
			alive, err := s.registry.IsAvailable(ctx, entry.Consumer)
			if err != nil {
				s.log.Warn("registry check failed", "consumer", entry.Consumer, "error", err)
				continue
			}
			if !alive {
				s.failEntry(ctx, stage, entry.ID, msg, domain.CategoryEngineDisappeared,
					fmt.Sprintf("engine %s stopped heartbeating", entry.Consumer))
			}
		}
	}
	return nil
}

// sweepPendingJobs re-publishes job.created for jobs that sat in pending past
// the age cutoff. Duplicates are harmless: the handler's claim CAS makes the
// hint idempotent.
func (s *Scanner) sweepPendingJobs(ctx context.Context) error {
	if s.jobs == nil {
		return nil
	}
	stale, err := s.jobs.ListStalePending(ctx, nil, time.Now().Add(-s.cfg.PendingJobAge))
	if err != nil {
		return err
	}
	for _, job := range stale {
		event := domain.Event{
			Type:      domain.EventJobCreated,
			Timestamp: time.Now().UTC(),
			JobID:     job.ID,
		}
		if err := s.bus.Publish(ctx, event); err != nil {
			s.log.Warn("re-broadcast job.created failed", "job_id", job.ID, "error", err)
			continue
		}
		s.log.Info("re-broadcast job.created for stuck pending job", "job_id", job.ID)
	}
	return nil
}

// failEntry publishes task.failed and acknowledges the stream message so it
// leaves the pending list.
func (s *Scanner) failEntry(ctx context.Context, stage, id string, msg *domain.StreamMessage, category, errMsg string) {
	if msg == nil {
		s.log.Warn("cannot resolve pending entry to a task", "stage", stage, "id", id)
		// Ack anyway: an unresolvable entry would otherwise pin the pending
		// list forever.
		_ = s.streams.Ack(ctx, stage, id)
		return
	}
	event := domain.Event{
		Type:      domain.EventTaskFailed,
		Timestamp: time.Now().UTC(),
		JobID:     msg.JobID,
		TaskID:    msg.TaskID,
		Category:  category,
		Error:     errMsg,
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		// Leave the entry pending; the next sweep retries.
		s.log.Warn("publish task.failed failed", "task_id", msg.TaskID, "error", err)
		return
	}
	if err := s.streams.Ack(ctx, stage, id); err != nil {
		s.log.Warn("ack after failure emission failed", "stage", stage, "id", id, "error", err)
		return
	}
	s.metrics.TaskFailed(ctx, stage, category)
	s.log.Info("stale entry failed", "stage", stage, "task_id", msg.TaskID, "category", category)
}
