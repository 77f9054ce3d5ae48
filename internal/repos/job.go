package repos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
)

type JobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *domain.Job) (*domain.Job, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error)
	// Transition is the CAS primitive: UPDATE .. WHERE id = ? AND status = ?.
	// Returns false when another controller won or the job left the expected
	// state.
	Transition(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to string, updates map[string]any) (bool, error)
	// ListStalePending returns pending jobs created before the cutoff, whose
	// job.created hint may have been lost.
	ListStalePending(ctx context.Context, tx *gorm.DB, olderThan time.Time) ([]*domain.Job, error)
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, jerr domain.JobError) error
	AppendWarning(ctx context.Context, tx *gorm.DB, id uuid.UUID, warning domain.PipelineWarning) error
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]any) error
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{db: db, log: baseLog.With("repo", "JobRepo")}
}

func (r *jobRepo) Create(ctx context.Context, tx *gorm.DB, job *domain.Job) (*domain.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *jobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var job domain.Job
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) Transition(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to string, updates map[string]any) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to
	updates["updated_at"] = time.Now()
	res := transaction.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *jobRepo) ListStalePending(ctx context.Context, tx *gorm.DB, olderThan time.Time) ([]*domain.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var jobs []*domain.Job
	err := transaction.WithContext(ctx).
		Where("status = ? AND created_at < ?", domain.JobStatusPending, olderThan).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, jerr domain.JobError) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	// Failing is allowed from any non-terminal state.
	return transaction.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status IN ?", id, []string{domain.JobStatusPending, domain.JobStatusRunning}).
		Updates(map[string]any{
			"status":       domain.JobStatusFailed,
			"error":        jerr.String(),
			"completed_at": now,
			"updated_at":   now,
		}).Error
}

// AppendWarning merges one pipeline warning into the job's metadata blob. The
// read-modify-write runs in its own transaction; warnings are advisory so a
// lost update under extreme contention only drops a duplicate entry.
func (r *jobRepo) AppendWarning(ctx context.Context, tx *gorm.DB, id uuid.UUID, warning domain.PipelineWarning) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job domain.Job
		if err := txx.Where("id = ?", id).Limit(1).Find(&job).Error; err != nil {
			return err
		}
		if job.ID == uuid.Nil {
			return nil
		}
		meta := map[string]any{}
		if len(job.Metadata) > 0 {
			_ = json.Unmarshal(job.Metadata, &meta)
		}
		var warnings []domain.PipelineWarning
		if raw, ok := meta["pipeline_warnings"]; ok {
			b, _ := json.Marshal(raw)
			_ = json.Unmarshal(b, &warnings)
		}
		warnings = append(warnings, warning)
		meta["pipeline_warnings"] = warnings
		b, _ := json.Marshal(meta)
		return txx.Model(&domain.Job{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"metadata":   datatypes.JSON(b),
				"updated_at": time.Now(),
			}).Error
	})
}

func (r *jobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]any) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]any{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}
