package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
	"github.com/dalston-ai/dalston/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := utils.GetEnv("POSTGRES_NAME", "dalston", log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	serviceLog.Info("Connecting to Postgres...")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

// AutoMigrateAll creates the jobs and tasks tables. The composite unique index
// on (job_id, stage) comes from the Task model tags; the cascade is wired
// explicitly because gorm's automigration does not manage it.
func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := s.db.AutoMigrate(&domain.Job{}, &domain.Task{}); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	if err := s.db.Exec(`
		ALTER TABLE "tasks"
		DROP CONSTRAINT IF EXISTS "fk_tasks_job_id";
	`).Error; err != nil {
		return fmt.Errorf("drop fk_tasks_job_id: %w", err)
	}
	if err := s.db.Exec(`
		ALTER TABLE "tasks"
		ADD CONSTRAINT "fk_tasks_job_id"
		FOREIGN KEY ("job_id")
		REFERENCES "jobs"("id")
		ON DELETE CASCADE
	`).Error; err != nil {
		return fmt.Errorf("add fk_tasks_job_id: %w", err)
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
