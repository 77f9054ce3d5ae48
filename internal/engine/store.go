package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/repos"
)

// repoTaskStore adapts the orchestrator repos to the runner's TaskStore.
type repoTaskStore struct {
	jobs  repos.JobRepo
	tasks repos.TaskRepo
}

func NewTaskStore(jobs repos.JobRepo, tasks repos.TaskRepo) TaskStore {
	return &repoTaskStore{jobs: jobs, tasks: tasks}
}

func (s *repoTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.tasks.GetByID(ctx, nil, id)
}

func (s *repoTaskStore) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.jobs.GetByID(ctx, nil, id)
}

func (s *repoTaskStore) UpdateTask(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return s.tasks.UpdateFields(ctx, nil, id, updates)
}
