package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
	"github.com/dalston-ai/dalston/internal/repos"
	"github.com/dalston-ai/dalston/internal/selector"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string // base stage names, in order
	purged   []uuid.UUID
}

func (q *fakeQueue) Enqueue(ctx context.Context, stage string, msg domain.StreamMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, stage)
	return nil
}

func (q *fakeQueue) PurgeTask(ctx context.Context, stage string, taskID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.purged = append(q.purged, taskID)
	return nil
}

func (q *fakeQueue) stages() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.enqueued...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *fakePublisher) Publish(ctx context.Context, event domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type stubRegistry struct {
	entries []domain.RegistryEntry
}

func (s *stubRegistry) EnginesForStage(ctx context.Context, stage string) ([]domain.RegistryEntry, error) {
	var out []domain.RegistryEntry
	for _, e := range s.entries {
		if e.Capabilities.HasStage(stage) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *stubRegistry) Get(ctx context.Context, engineID string) (*domain.RegistryEntry, error) {
	for _, e := range s.entries {
		if e.EngineID == engineID {
			entry := e
			return &entry, nil
		}
	}
	return nil, nil
}

func engineFor(id, stage string) domain.RegistryEntry {
	return domain.RegistryEntry{
		EngineID:     id,
		Capabilities: domain.Capabilities{Stages: []string{stage}},
	}
}

func newHandlersTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("raw db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE jobs (
			id TEXT PRIMARY KEY, tenant_id TEXT, status TEXT NOT NULL,
			audio_uri TEXT, parameters TEXT, metadata TEXT, error TEXT,
			created_at DATETIME, started_at DATETIME, completed_at DATETIME, updated_at DATETIME
		)`,
		`CREATE TABLE tasks (
			id TEXT PRIMARY KEY, job_id TEXT NOT NULL, stage TEXT NOT NULL,
			engine_id TEXT, status TEXT NOT NULL, dependencies TEXT, config TEXT,
			input_uri TEXT, output_uri TEXT,
			retries INTEGER NOT NULL DEFAULT 0, max_retries INTEGER NOT NULL DEFAULT 3,
			required NUMERIC NOT NULL DEFAULT 1,
			delivery_count INTEGER NOT NULL DEFAULT 0, reselections INTEGER NOT NULL DEFAULT 0,
			error TEXT, created_at DATETIME, started_at DATETIME, completed_at DATETIME, updated_at DATETIME,
			UNIQUE (job_id, stage)
		)`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type handlersFixture struct {
	handlers *Handlers
	jobs     repos.JobRepo
	tasks    repos.TaskRepo
	queue    *fakeQueue
	bus      *fakePublisher
}

func newFixture(t *testing.T, reg *stubRegistry) *handlersFixture {
	return newFixtureWithConfig(t, reg, DefaultConfig())
}

func newFixtureWithConfig(t *testing.T, reg *stubRegistry, cfg Config) *handlersFixture {
	t.Helper()
	db := newHandlersTestDB(t)
	log := logger.NewNop()
	jobs := repos.NewJobRepo(db, log)
	tasks := repos.NewTaskRepo(db, log)
	sel := selector.New(log, reg, nil)
	queue := &fakeQueue{}
	bus := &fakePublisher{}
	h := NewHandlers(log, db, jobs, tasks, sel, queue, bus, nil, cfg)
	return &handlersFixture{handlers: h, jobs: jobs, tasks: tasks, queue: queue, bus: bus}
}

// claimTask moves a READY task to RUNNING the way the runner does on
// delivery.
func claimTask(t *testing.T, f *handlersFixture, taskID uuid.UUID) {
	t.Helper()
	won, err := f.tasks.Transition(context.Background(), nil, taskID, domain.TaskStatusReady, domain.TaskStatusRunning, nil)
	if err != nil || !won {
		t.Fatalf("claim task: won=%v err=%v", won, err)
	}
}

func coreRegistry() *stubRegistry {
	return &stubRegistry{entries: []domain.RegistryEntry{
		engineFor("prep-1", domain.StagePrepare),
		engineFor("stt-1", domain.StageTranscribe),
		engineFor("merge-1", domain.StageMerge),
		engineFor("refine-1", domain.StageRefine),
	}}
}

func submitJob(t *testing.T, f *handlersFixture, params domain.JobParameters) *domain.Job {
	t.Helper()
	job, err := f.jobs.Create(context.Background(), nil, &domain.Job{
		AudioURI:   "gs://audio/in.wav",
		Parameters: params.JSON(),
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func taskByStage(t *testing.T, f *handlersFixture, jobID uuid.UUID, stage string) *domain.Task {
	t.Helper()
	rows, err := f.tasks.ListByJob(context.Background(), nil, jobID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, task := range rows {
		if task.Stage == stage {
			return task
		}
	}
	t.Fatalf("no task for stage %s", stage)
	return nil
}

func TestHandleJobCreatedBuildsAndEnqueues(t *testing.T) {
	f := newFixture(t, coreRegistry())
	ctx := context.Background()
	job := submitJob(t, f, domain.JobParameters{Language: "en", SpeakerDetection: domain.SpeakerDetectionNone})

	if err := f.handlers.HandleJobCreated(ctx, job.ID); err != nil {
		t.Fatalf("handle job.created: %v", err)
	}

	got, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if got.Status != domain.JobStatusRunning {
		t.Fatalf("job status = %q", got.Status)
	}
	rows, _ := f.tasks.ListByJob(ctx, nil, job.ID)
	if len(rows) != 3 {
		t.Fatalf("want 3 tasks, got %d", len(rows))
	}

	prepare := taskByStage(t, f, job.ID, domain.StagePrepare)
	if prepare.Status != domain.TaskStatusReady {
		t.Fatalf("prepare status = %q", prepare.Status)
	}
	if stages := f.queue.stages(); len(stages) != 1 || stages[0] != domain.StagePrepare {
		t.Fatalf("enqueued = %v", stages)
	}
}

func TestHandleJobCreatedIsIdempotent(t *testing.T) {
	f := newFixture(t, coreRegistry())
	ctx := context.Background()
	job := submitJob(t, f, domain.JobParameters{Language: "en", SpeakerDetection: domain.SpeakerDetectionNone})

	if err := f.handlers.HandleJobCreated(ctx, job.ID); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	// A duplicate hint must not double the DAG or the stream writes.
	if err := f.handlers.HandleJobCreated(ctx, job.ID); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	rows, _ := f.tasks.ListByJob(ctx, nil, job.ID)
	if len(rows) != 3 {
		t.Fatalf("want 3 tasks after duplicate event, got %d", len(rows))
	}
	if stages := f.queue.stages(); len(stages) != 1 {
		t.Fatalf("want 1 enqueue after duplicate event, got %v", stages)
	}
}

func TestHandleJobCreatedFailsWithoutEngines(t *testing.T) {
	f := newFixture(t, &stubRegistry{})
	ctx := context.Background()
	job := submitJob(t, f, domain.JobParameters{Language: "en", SpeakerDetection: domain.SpeakerDetectionNone})

	if err := f.handlers.HandleJobCreated(ctx, job.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("job status = %q", got.Status)
	}
	var jerr domain.JobError
	if err := json.Unmarshal([]byte(got.Error), &jerr); err != nil {
		t.Fatalf("job error not JSON: %v", err)
	}
	if jerr.Code != domain.CategoryNoCapableEngine || jerr.Detail == nil {
		t.Fatalf("job error = %+v", jerr)
	}
}

func TestTaskCompletionAdvancesPipeline(t *testing.T) {
	f := newFixture(t, coreRegistry())
	ctx := context.Background()
	job := submitJob(t, f, domain.JobParameters{Language: "en", SpeakerDetection: domain.SpeakerDetectionNone})
	if err := f.handlers.HandleJobCreated(ctx, job.ID); err != nil {
		t.Fatalf("handle job.created: %v", err)
	}

	for _, stage := range []string{domain.StagePrepare, domain.StageTranscribe, domain.StageMerge} {
		task := taskByStage(t, f, job.ID, stage)
		if err := f.handlers.HandleTaskCompleted(ctx, task.ID, "gs://artifacts/"+stage+".json"); err != nil {
			t.Fatalf("complete %s: %v", stage, err)
		}
	}

	if stages := f.queue.stages(); len(stages) != 3 {
		t.Fatalf("each stage should be enqueued exactly once, got %v", stages)
	}
	got, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Fatalf("job status = %q", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not stamped")
	}
}

func TestDuplicateTaskCompletedEnqueuesDependentOnce(t *testing.T) {
	f := newFixture(t, coreRegistry())
	ctx := context.Background()
	job := submitJob(t, f, domain.JobParameters{Language: "en", SpeakerDetection: domain.SpeakerDetectionNone})
	if err := f.handlers.HandleJobCreated(ctx, job.ID); err != nil {
		t.Fatalf("handle job.created: %v", err)
	}

	prepare := taskByStage(t, f, job.ID, domain.StagePrepare)
	if err := f.handlers.HandleTaskCompleted(ctx, prepare.ID, "gs://a/p.json"); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if err := f.handlers.HandleTaskCompleted(ctx, prepare.ID, "gs://a/p.json"); err != nil {
		t.Fatalf("duplicate completion: %v", err)
	}

	count := 0
	for _, s := range f.queue.stages() {
		if s == domain.StageTranscribe {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("transcribe enqueued %d times, want 1", count)
	}
}

func TestRetryableFailureReEnqueues(t *testing.T) {
	f := newFixture(t, coreRegistry())
	ctx := context.Background()
	job := submitJob(t, f, domain.JobParameters{Language: "en", SpeakerDetection: domain.SpeakerDetectionNone})
	if err := f.handlers.HandleJobCreated(ctx, job.ID); err != nil {
		t.Fatalf("handle job.created: %v", err)
	}

	prepare := taskByStage(t, f, job.ID, domain.StagePrepare)
	claimTask(t, f, prepare.ID)
	if err := f.handlers.HandleTaskFailed(ctx, domain.Event{
		Type:     domain.EventTaskFailed,
		TaskID:   prepare.ID,
		Category: domain.CategoryEngineError,
		Error:    "OOM",
	}); err != nil {
		t.Fatalf("handle task.failed: %v", err)
	}

	got := taskByStage(t, f, job.ID, domain.StagePrepare)
	if got.Status != domain.TaskStatusReady || got.Retries != 1 {
		t.Fatalf("task after retry: status=%q retries=%d", got.Status, got.Retries)
	}
	if stages := f.queue.stages(); len(stages) != 2 {
		t.Fatalf("want re-enqueue, got %v", stages)
	}
	jobRow, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if jobRow.Status != domain.JobStatusRunning {
		t.Fatalf("job should stay running, got %q", jobRow.Status)
	}
}

func TestDuplicateTaskFailedRetriesOnce(t *testing.T) {
	f := newFixture(t, coreRegistry())
	ctx := context.Background()
	job := submitJob(t, f, domain.JobParameters{Language: "en", SpeakerDetection: domain.SpeakerDetectionNone})
	if err := f.handlers.HandleJobCreated(ctx, job.ID); err != nil {
		t.Fatalf("handle job.created: %v", err)
	}

	prepare := taskByStage(t, f, job.ID, domain.StagePrepare)
	claimTask(t, f, prepare.ID)
	event := domain.Event{
		Type:     domain.EventTaskFailed,
		TaskID:   prepare.ID,
		Category: domain.CategoryEngineError,
		Error:    "OOM",
	}
	if err := f.handlers.HandleTaskFailed(ctx, event); err != nil {
		t.Fatalf("first task.failed: %v", err)
	}
	// A duplicated broadcast must not burn a second retry or enqueue again.
	if err := f.handlers.HandleTaskFailed(ctx, event); err != nil {
		t.Fatalf("duplicate task.failed: %v", err)
	}

	got := taskByStage(t, f, job.ID, domain.StagePrepare)
	if got.Status != domain.TaskStatusReady || got.Retries != 1 {
		t.Fatalf("task after duplicate: status=%q retries=%d", got.Status, got.Retries)
	}
	count := 0
	for _, s := range f.queue.stages() {
		if s == domain.StagePrepare {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("prepare enqueued %d times, want 2", count)
	}
}

func TestEngineDisappearedReselectsOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReselectionEnabled = true
	f := newFixtureWithConfig(t, coreRegistry(), cfg)
	ctx := context.Background()
	job := submitJob(t, f, domain.JobParameters{Language: "en", SpeakerDetection: domain.SpeakerDetectionNone})
	if err := f.handlers.HandleJobCreated(ctx, job.ID); err != nil {
		t.Fatalf("handle job.created: %v", err)
	}

	prepare := taskByStage(t, f, job.ID, domain.StagePrepare)
	claimTask(t, f, prepare.ID)
	event := domain.Event{
		Type:     domain.EventTaskFailed,
		TaskID:   prepare.ID,
		Category: domain.CategoryEngineDisappeared,
		Error:    "engine stopped heartbeating",
	}
	if err := f.handlers.HandleTaskFailed(ctx, event); err != nil {
		t.Fatalf("first task.failed: %v", err)
	}

	got := taskByStage(t, f, job.ID, domain.StagePrepare)
	if got.Status != domain.TaskStatusReady || got.Reselections != 1 {
		t.Fatalf("task after re-selection: status=%q reselections=%d", got.Status, got.Reselections)
	}
	if got.EngineID != "prep-1" {
		t.Fatalf("engine_id = %q", got.EngineID)
	}

	// A duplicated broadcast finds the task READY and changes nothing.
	if err := f.handlers.HandleTaskFailed(ctx, event); err != nil {
		t.Fatalf("duplicate task.failed: %v", err)
	}
	again := taskByStage(t, f, job.ID, domain.StagePrepare)
	if again.Status != domain.TaskStatusReady || again.Reselections != 1 || again.Retries != 0 {
		t.Fatalf("task after duplicate: status=%q reselections=%d retries=%d", again.Status, again.Reselections, again.Retries)
	}
	count := 0
	for _, s := range f.queue.stages() {
		if s == domain.StagePrepare {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("prepare enqueued %d times, want 2", count)
	}
}

func TestExhaustedRequiredTaskFailsJob(t *testing.T) {
	f := newFixture(t, coreRegistry())
	ctx := context.Background()
	job := submitJob(t, f, domain.JobParameters{Language: "en", SpeakerDetection: domain.SpeakerDetectionNone})
	if err := f.handlers.HandleJobCreated(ctx, job.ID); err != nil {
		t.Fatalf("handle job.created: %v", err)
	}

	prepare := taskByStage(t, f, job.ID, domain.StagePrepare)
	if err := f.tasks.UpdateFields(ctx, nil, prepare.ID, map[string]any{"retries": prepare.MaxRetries}); err != nil {
		t.Fatalf("exhaust retries: %v", err)
	}

	if err := f.handlers.HandleTaskFailed(ctx, domain.Event{
		Type:     domain.EventTaskFailed,
		TaskID:   prepare.ID,
		Category: domain.CategoryEngineError,
		Error:    "still broken",
	}); err != nil {
		t.Fatalf("handle task.failed: %v", err)
	}

	got := taskByStage(t, f, job.ID, domain.StagePrepare)
	if got.Status != domain.TaskStatusFailed {
		t.Fatalf("task status = %q", got.Status)
	}
	jobRow, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if jobRow.Status != domain.JobStatusFailed {
		t.Fatalf("job status = %q", jobRow.Status)
	}
	if !strings.Contains(jobRow.Error, domain.StagePrepare) {
		t.Fatalf("job error should name the stage: %q", jobRow.Error)
	}
}

func TestTimeoutFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, coreRegistry())
	ctx := context.Background()
	job := submitJob(t, f, domain.JobParameters{Language: "en", SpeakerDetection: domain.SpeakerDetectionNone})
	if err := f.handlers.HandleJobCreated(ctx, job.ID); err != nil {
		t.Fatalf("handle job.created: %v", err)
	}

	prepare := taskByStage(t, f, job.ID, domain.StagePrepare)
	if err := f.handlers.HandleTaskFailed(ctx, domain.Event{
		Type:     domain.EventTaskFailed,
		TaskID:   prepare.ID,
		Category: domain.CategoryTaskTimeout,
		Error:    "task exceeded its timeout",
	}); err != nil {
		t.Fatalf("handle task.failed: %v", err)
	}

	jobRow, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if jobRow.Status != domain.JobStatusFailed {
		t.Fatalf("timeout should fail the job, got %q", jobRow.Status)
	}
}

func TestOptionalTaskFailureSkipsAndWarns(t *testing.T) {
	f := newFixture(t, coreRegistry())
	ctx := context.Background()
	job := submitJob(t, f, domain.JobParameters{
		Language:         "en",
		SpeakerDetection: domain.SpeakerDetectionNone,
		Enrichments:      []string{domain.StageRefine},
	})
	if err := f.handlers.HandleJobCreated(ctx, job.ID); err != nil {
		t.Fatalf("handle job.created: %v", err)
	}

	for _, stage := range []string{domain.StagePrepare, domain.StageTranscribe, domain.StageMerge} {
		task := taskByStage(t, f, job.ID, stage)
		if err := f.handlers.HandleTaskCompleted(ctx, task.ID, ""); err != nil {
			t.Fatalf("complete %s: %v", stage, err)
		}
	}

	refine := taskByStage(t, f, job.ID, domain.StageRefine)
	if err := f.handlers.HandleTaskFailed(ctx, domain.Event{
		Type:     domain.EventTaskFailed,
		TaskID:   refine.ID,
		Category: domain.CategoryTaskTimeout,
		Error:    "enrichment timed out",
	}); err != nil {
		t.Fatalf("handle task.failed: %v", err)
	}

	got := taskByStage(t, f, job.ID, domain.StageRefine)
	if got.Status != domain.TaskStatusSkipped {
		t.Fatalf("refine status = %q", got.Status)
	}

	jobRow, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if jobRow.Status != domain.JobStatusCompleted {
		t.Fatalf("job should complete despite skipped enrichment, got %q", jobRow.Status)
	}
	if !strings.Contains(string(jobRow.Metadata), "pipeline_warnings") {
		t.Fatalf("metadata missing warning: %s", jobRow.Metadata)
	}
}

func TestPerChannelTasksShareBaseStageStream(t *testing.T) {
	f := newFixture(t, coreRegistry())
	ctx := context.Background()
	job := submitJob(t, f, domain.JobParameters{
		Language:         "en",
		SpeakerDetection: domain.SpeakerDetectionPerChannel,
		ChannelCount:     2,
	})
	if err := f.handlers.HandleJobCreated(ctx, job.ID); err != nil {
		t.Fatalf("handle job.created: %v", err)
	}

	prepare := taskByStage(t, f, job.ID, domain.StagePrepare)
	if err := f.handlers.HandleTaskCompleted(ctx, prepare.ID, ""); err != nil {
		t.Fatalf("complete prepare: %v", err)
	}

	count := 0
	for _, s := range f.queue.stages() {
		if s == domain.StageTranscribe {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("both channel lanes should land on the transcribe stream, got %v", f.queue.stages())
	}
}
