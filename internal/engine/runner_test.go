package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	redisclient "github.com/dalston-ai/dalston/internal/clients/redis"
	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
)

type fakeSource struct {
	fresh   []*redisclient.Delivery
	pending []redisclient.PendingEntry
	claims  map[string]*redisclient.Delivery
	claimed []string
	acked   []string
}

func (f *fakeSource) Pending(ctx context.Context, stage string) ([]redisclient.PendingEntry, error) {
	return f.pending, nil
}

func (f *fakeSource) Claim(ctx context.Context, stage, consumer, id string, minIdle time.Duration) (*redisclient.Delivery, error) {
	f.claimed = append(f.claimed, id)
	return f.claims[id], nil
}

func (f *fakeSource) ReadNew(ctx context.Context, stage, consumer string, block time.Duration) (*redisclient.Delivery, error) {
	if len(f.fresh) == 0 {
		return nil, nil
	}
	d := f.fresh[0]
	f.fresh = f.fresh[1:]
	return d, nil
}

func (f *fakeSource) Ack(ctx context.Context, stage, id string) error {
	f.acked = append(f.acked, id)
	return nil
}

type fakeStore struct {
	tasks   map[uuid.UUID]*domain.Task
	jobs    map[uuid.UUID]*domain.Job
	updates []map[string]any
}

func (f *fakeStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return f.tasks[id], nil
}

func (f *fakeStore) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return f.jobs[id], nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	f.updates = append(f.updates, updates)
	return nil
}

type fakeArtifacts struct {
	keys   []string
	putErr error
}

func (f *fakeArtifacts) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	f.keys = append(f.keys, key)
	return "gs://dalston-artifacts/" + key, nil
}

type fakeBus struct {
	events []domain.Event
}

func (f *fakeBus) Publish(ctx context.Context, event domain.Event) error {
	f.events = append(f.events, event)
	return nil
}

type processorFunc func(ctx context.Context, input ProcessInput) (ProcessOutput, error)

func (f processorFunc) Process(ctx context.Context, input ProcessInput) (ProcessOutput, error) {
	return f(ctx, input)
}

type fakeModels struct {
	loaded  string
	swapErr error
	swaps   []string
}

func (f *fakeModels) LoadedModel() string { return f.loaded }

func (f *fakeModels) SwapModel(ctx context.Context, modelID string) error {
	if f.swapErr != nil {
		return f.swapErr
	}
	f.swaps = append(f.swaps, modelID)
	f.loaded = modelID
	return nil
}

type aliveSet map[string]bool

func (a aliveSet) IsAvailable(ctx context.Context, engineID string) (bool, error) {
	return a[engineID], nil
}

type runnerFixture struct {
	runner    *Runner
	source    *fakeSource
	store     *fakeStore
	artifacts *fakeArtifacts
	bus       *fakeBus
}

func newRunnerFixture(proc Processor, alive aliveSet) *runnerFixture {
	source := &fakeSource{claims: map[string]*redisclient.Delivery{}}
	store := &fakeStore{tasks: map[uuid.UUID]*domain.Task{}, jobs: map[uuid.UUID]*domain.Job{}}
	artifacts := &fakeArtifacts{}
	bus := &fakeBus{}
	r := NewRunner(logger.NewNop(), source, alive, store, artifacts, bus, proc,
		"stt-1", domain.StageTranscribe, RunnerConfig{StaleClaimIdle: 10 * time.Minute, ReadBlock: time.Millisecond})
	return &runnerFixture{runner: r, source: source, store: store, artifacts: artifacts, bus: bus}
}

func seedWork(f *runnerFixture, taskStatus, jobStatus string) *redisclient.Delivery {
	job := &domain.Job{ID: uuid.New(), Status: jobStatus}
	task := &domain.Task{ID: uuid.New(), JobID: job.ID, Stage: domain.StageTranscribe, Status: taskStatus}
	f.store.jobs[job.ID] = job
	f.store.tasks[task.ID] = task
	d := &redisclient.Delivery{
		ID:      "1-0",
		Message: domain.StreamMessage{TaskID: task.ID, JobID: job.ID, EnqueuedAt: time.Now()},
	}
	f.source.fresh = append(f.source.fresh, d)
	return d
}

func okProcessor() Processor {
	return processorFunc(func(ctx context.Context, input ProcessInput) (ProcessOutput, error) {
		return ProcessOutput{Artifact: []byte(`{"segments":[]}`), ContentType: "application/json"}, nil
	})
}

func TestIterateProcessesAndPublishesCompletion(t *testing.T) {
	f := newRunnerFixture(okProcessor(), aliveSet{})
	d := seedWork(f, domain.TaskStatusReady, domain.JobStatusRunning)
	task := f.store.tasks[d.Message.TaskID]

	if err := f.runner.Iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}

	wantKey := ArtifactKey(task.JobID, task.ID)
	if len(f.artifacts.keys) != 1 || f.artifacts.keys[0] != wantKey {
		t.Fatalf("artifact keys = %v, want %s", f.artifacts.keys, wantKey)
	}
	if len(f.source.acked) != 1 || f.source.acked[0] != d.ID {
		t.Fatalf("acked = %v", f.source.acked)
	}
	if len(f.bus.events) != 1 {
		t.Fatalf("events = %+v", f.bus.events)
	}
	e := f.bus.events[0]
	if e.Type != domain.EventTaskCompleted || e.TaskID != task.ID || e.EngineID != "stt-1" {
		t.Fatalf("event = %+v", e)
	}
	if e.OutputURI != "gs://dalston-artifacts/"+wantKey {
		t.Fatalf("output uri = %s", e.OutputURI)
	}
	if len(f.store.updates) == 0 {
		t.Fatalf("task never marked running")
	}
	first := f.store.updates[0]
	if first["status"] != domain.TaskStatusRunning || first["delivery_count"] != 1 {
		t.Fatalf("running update = %+v", first)
	}
}

func TestIterateAcksTerminalTaskSilently(t *testing.T) {
	called := false
	proc := processorFunc(func(ctx context.Context, input ProcessInput) (ProcessOutput, error) {
		called = true
		return ProcessOutput{}, nil
	})
	f := newRunnerFixture(proc, aliveSet{})
	seedWork(f, domain.TaskStatusCompleted, domain.JobStatusRunning)

	if err := f.runner.Iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if called {
		t.Fatalf("terminal task must not be processed")
	}
	if len(f.source.acked) != 1 {
		t.Fatalf("acked = %v", f.source.acked)
	}
	if len(f.bus.events) != 0 {
		t.Fatalf("events = %+v", f.bus.events)
	}
}

func TestIterateAcksCancelledJobSilently(t *testing.T) {
	called := false
	proc := processorFunc(func(ctx context.Context, input ProcessInput) (ProcessOutput, error) {
		called = true
		return ProcessOutput{}, nil
	})
	f := newRunnerFixture(proc, aliveSet{})
	seedWork(f, domain.TaskStatusReady, domain.JobStatusCancelled)

	if err := f.runner.Iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if called {
		t.Fatalf("cancelled work must not be processed")
	}
	if len(f.source.acked) != 1 || len(f.bus.events) != 0 {
		t.Fatalf("acked=%v events=%+v", f.source.acked, f.bus.events)
	}
}

func TestIterateFailureAcksThenReports(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, input ProcessInput) (ProcessOutput, error) {
		return ProcessOutput{}, errors.New("decoder blew up")
	})
	f := newRunnerFixture(proc, aliveSet{})
	d := seedWork(f, domain.TaskStatusReady, domain.JobStatusRunning)

	if err := f.runner.Iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(f.source.acked) != 1 || f.source.acked[0] != d.ID {
		t.Fatalf("acked = %v", f.source.acked)
	}
	if len(f.bus.events) != 1 {
		t.Fatalf("events = %+v", f.bus.events)
	}
	e := f.bus.events[0]
	if e.Type != domain.EventTaskFailed || e.Category != domain.CategoryEngineError {
		t.Fatalf("event = %+v", e)
	}
	if !strings.Contains(e.Error, "decoder blew up") {
		t.Fatalf("error = %q", e.Error)
	}
}

func TestIterateArtifactStoreFailureReports(t *testing.T) {
	f := newRunnerFixture(okProcessor(), aliveSet{})
	f.artifacts.putErr = errors.New("bucket unavailable")
	seedWork(f, domain.TaskStatusReady, domain.JobStatusRunning)

	if err := f.runner.Iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(f.bus.events) != 1 || f.bus.events[0].Category != domain.CategoryEngineError {
		t.Fatalf("events = %+v", f.bus.events)
	}
	if !strings.Contains(f.bus.events[0].Error, "store artifact") {
		t.Fatalf("error = %q", f.bus.events[0].Error)
	}
}

func TestModelSwapHonoursTaskPin(t *testing.T) {
	f := newRunnerFixture(okProcessor(), aliveSet{})
	models := &fakeModels{loaded: "small"}
	f.runner.WithModelManager(models)

	d := seedWork(f, domain.TaskStatusReady, domain.JobStatusRunning)
	f.store.tasks[d.Message.TaskID].Config = datatypes.JSON([]byte(`{"runtime_model_id":"large-v3"}`))

	if err := f.runner.Iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(models.swaps) != 1 || models.swaps[0] != "large-v3" {
		t.Fatalf("swaps = %v", models.swaps)
	}
	if len(f.bus.events) != 1 || f.bus.events[0].Type != domain.EventTaskCompleted {
		t.Fatalf("events = %+v", f.bus.events)
	}
}

func TestModelSwapSkippedWhenResident(t *testing.T) {
	f := newRunnerFixture(okProcessor(), aliveSet{})
	models := &fakeModels{loaded: "large-v3"}
	f.runner.WithModelManager(models)

	d := seedWork(f, domain.TaskStatusReady, domain.JobStatusRunning)
	f.store.tasks[d.Message.TaskID].Config = datatypes.JSON([]byte(`{"runtime_model_id":"large-v3"}`))

	if err := f.runner.Iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(models.swaps) != 0 {
		t.Fatalf("unexpected swaps = %v", models.swaps)
	}
}

func TestModelSwapFailureFailsTask(t *testing.T) {
	f := newRunnerFixture(okProcessor(), aliveSet{})
	models := &fakeModels{loaded: "small", swapErr: errors.New("weights missing")}
	f.runner.WithModelManager(models)

	d := seedWork(f, domain.TaskStatusReady, domain.JobStatusRunning)
	f.store.tasks[d.Message.TaskID].Config = datatypes.JSON([]byte(`{"runtime_model_id":"large-v3"}`))

	if err := f.runner.Iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(f.bus.events) != 1 {
		t.Fatalf("events = %+v", f.bus.events)
	}
	e := f.bus.events[0]
	if e.Type != domain.EventTaskFailed || !strings.Contains(e.Error, "model swap") {
		t.Fatalf("event = %+v", e)
	}
	if len(f.artifacts.keys) != 0 {
		t.Fatalf("artifact stored despite swap failure: %v", f.artifacts.keys)
	}
}

func TestClaimFromDeadEnginePreemptsFreshReads(t *testing.T) {
	f := newRunnerFixture(okProcessor(), aliveSet{"stt-1": true, "stt-2": true})

	job := &domain.Job{ID: uuid.New(), Status: domain.JobStatusRunning}
	task := &domain.Task{ID: uuid.New(), JobID: job.ID, Stage: domain.StageTranscribe, Status: domain.TaskStatusRunning}
	f.store.jobs[job.ID] = job
	f.store.tasks[task.ID] = task

	// Own entry, a fresh entry and an alive consumer's entry are all skipped;
	// only the long-idle entry from the vanished engine is claimable.
	f.source.pending = []redisclient.PendingEntry{
		{ID: "1-0", Consumer: "stt-1", Idle: time.Hour},
		{ID: "2-0", Consumer: "stt-3", Idle: time.Minute},
		{ID: "3-0", Consumer: "stt-2", Idle: time.Hour},
		{ID: "4-0", Consumer: "stt-gone", Idle: 20 * time.Minute},
	}
	f.source.claims["4-0"] = &redisclient.Delivery{
		ID:      "4-0",
		Message: domain.StreamMessage{TaskID: task.ID, JobID: job.ID},
	}

	if err := f.runner.Iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(f.source.claimed) != 1 || f.source.claimed[0] != "4-0" {
		t.Fatalf("claimed = %v", f.source.claimed)
	}
	if len(f.bus.events) != 1 || f.bus.events[0].Type != domain.EventTaskCompleted {
		t.Fatalf("events = %+v", f.bus.events)
	}
}

func TestClaimRaceFallsThroughToFreshRead(t *testing.T) {
	f := newRunnerFixture(okProcessor(), aliveSet{})
	f.source.pending = []redisclient.PendingEntry{
		{ID: "9-0", Consumer: "stt-gone", Idle: time.Hour},
	}
	// Claim returns nil: another engine won the race. The fresh read still runs.
	seedWork(f, domain.TaskStatusReady, domain.JobStatusRunning)

	if err := f.runner.Iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(f.bus.events) != 1 || f.bus.events[0].Type != domain.EventTaskCompleted {
		t.Fatalf("events = %+v", f.bus.events)
	}
}
