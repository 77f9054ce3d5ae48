package repos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
)

// ErrDuplicateDAG marks a task insert that hit the UNIQUE(job_id, stage)
// index: another controller already persisted the DAG for this job.
var ErrDuplicateDAG = errors.New("task DAG already exists for job")

type TaskRepo interface {
	// CreateAll persists a whole DAG in one transaction.
	CreateAll(ctx context.Context, tx *gorm.DB, tasks []*domain.Task) error
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Task, error)
	ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*domain.Task, error)
	// Transition is the per-task CAS primitive.
	Transition(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to string, updates map[string]any) (bool, error)
	// MarkCompleted moves any non-terminal status to completed; no-op when the
	// task is already terminal.
	MarkCompleted(ctx context.Context, tx *gorm.DB, id uuid.UUID, outputURI string) (bool, error)
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, category, errMsg string) (bool, error)
	MarkSkipped(ctx context.Context, tx *gorm.DB, id uuid.UUID, errMsg string) (bool, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]any) error
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

func (r *taskRepo) CreateAll(ctx context.Context, tx *gorm.DB, tasks []*domain.Task) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(tasks) == 0 {
		return nil
	}
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		return txx.Create(&tasks).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDAG
		}
		return err
	}
	return nil
}

func (r *taskRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var task domain.Task
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) ListByJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*domain.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Task
	err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) Transition(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to string, updates map[string]any) (bool, error) {
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
		Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *taskRepo) MarkCompleted(ctx context.Context, tx *gorm.DB, id uuid.UUID, outputURI string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	updates := map[string]any{
		"status":       domain.TaskStatusCompleted,
		"completed_at": now,
		"updated_at":   now,
	}
	if outputURI != "" {
		updates["output_uri"] = outputURI
	}
	res := transaction.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ? AND status NOT IN ?", id, terminalTaskStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *taskRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, category, errMsg string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	msg := errMsg
	if category != "" && !strings.HasPrefix(msg, category) {
		msg = category + ": " + errMsg
	}
	res := transaction.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ? AND status NOT IN ?", id, terminalTaskStatuses).
		Updates(map[string]any{
			"status":       domain.TaskStatusFailed,
			"error":        msg,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *taskRepo) MarkSkipped(ctx context.Context, tx *gorm.DB, id uuid.UUID, errMsg string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	res := transaction.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ? AND status NOT IN ?", id, terminalTaskStatuses).
		Updates(map[string]any{
			"status":       domain.TaskStatusSkipped,
			"error":        errMsg,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *taskRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]any) error {
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
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

var terminalTaskStatuses = []string{
	domain.TaskStatusCompleted,
	domain.TaskStatusFailed,
	domain.TaskStatusSkipped,
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	// Postgres and sqlite phrase the violation differently.
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
