package app

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/dalston-ai/dalston/internal/clients/gcs"
	redisclient "github.com/dalston-ai/dalston/internal/clients/redis"
	"github.com/dalston-ai/dalston/internal/db"
	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/engine"
	"github.com/dalston-ai/dalston/internal/observability"
	"github.com/dalston-ai/dalston/internal/platform/logger"
	"github.com/dalston-ai/dalston/internal/registry"
	"github.com/dalston-ai/dalston/internal/repos"
)

// Engine is one worker process: heartbeat plus the work loop for a single
// stage, described by the engine.yaml baked into its image.
type Engine struct {
	Log         *logger.Logger
	Cfg         Config
	Metadata    *engine.Metadata
	Runner      *engine.Runner
	Heartbeater *engine.Heartbeater

	bus          redisclient.EventBus
	otelShutdown func(context.Context) error
}

// ProcessorFactory builds the stage-specific processor once the shared
// wiring (logger, config) exists.
type ProcessorFactory func(log *logger.Logger, meta *engine.Metadata) (engine.Processor, error)

// NewEngine wires a worker around the processor the factory returns. The
// factory is injected by the binary because it carries the stage-specific
// dependencies.
func NewEngine(metadataPath string, newProcessor ProcessorFactory) (*Engine, error) {
	log, err := newLogger()
	if err != nil {
		return nil, err
	}

	meta, err := engine.LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	log = log.With("engine_id", meta.ID, "stage", meta.Stage)

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "dalston-engine",
		Environment: os.Getenv("ENVIRONMENT"),
		Version:     meta.Version,
	})

	pg, err := db.NewPostgresService(log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	theDB := pg.DB()

	rdb, err := redisclient.NewClient(log)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	bus, err := redisclient.NewEventBus(log, rdb, cfg.EventChannel)
	if err != nil {
		return nil, fmt.Errorf("init event bus: %w", err)
	}
	streams := redisclient.NewStreams(log, rdb, cfg.StreamPrefix)
	reg := registry.New(log, rdb, "")

	hb := engine.NewHeartbeater(log, reg, domain.RegistryEntry{
		EngineID:      meta.ID,
		Capabilities:  meta.AsCapabilities(),
		LoadedModelID: meta.ModelID,
	}, cfg.HeartbeatInterval, cfg.HeartbeatTTL)

	artifacts, err := gcs.NewBucketService(log)
	if err != nil {
		return nil, fmt.Errorf("init artifact store: %w", err)
	}
	proc, err := newProcessor(log, meta)
	if err != nil {
		return nil, fmt.Errorf("init processor: %w", err)
	}

	store := engine.NewTaskStore(repos.NewJobRepo(theDB, log), repos.NewTaskRepo(theDB, log))
	runner := engine.NewRunner(log, streams, reg, store, artifacts, bus, proc, meta.ID, meta.Stage, cfg.Runner).
		WithHeartbeater(hb)

	return &Engine{
		Log:          log,
		Cfg:          cfg,
		Metadata:     meta,
		Runner:       runner,
		Heartbeater:  hb,
		bus:          bus,
		otelShutdown: otelShutdown,
	}, nil
}

// Run blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Heartbeater.Run(ctx) })
	g.Go(func() error { return e.Runner.Run(ctx) })
	return g.Wait()
}

func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.bus != nil {
		_ = e.bus.Close()
	}
	if e.otelShutdown != nil {
		_ = e.otelShutdown(context.Background())
	}
	if e.Log != nil {
		e.Log.Sync()
	}
}
