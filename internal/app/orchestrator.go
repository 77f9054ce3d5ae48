package app

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/dalston-ai/dalston/internal/catalog"
	redisclient "github.com/dalston-ai/dalston/internal/clients/redis"
	"github.com/dalston-ai/dalston/internal/db"
	"github.com/dalston-ai/dalston/internal/observability"
	"github.com/dalston-ai/dalston/internal/platform/logger"
	"github.com/dalston-ai/dalston/internal/registry"
	"github.com/dalston-ai/dalston/internal/repos"
	"github.com/dalston-ai/dalston/internal/scheduler"
	"github.com/dalston-ai/dalston/internal/selector"
)

// Orchestrator is the controller process: the event loop consuming the
// pub/sub channel plus the leader-elected stale scanner. Multiple replicas
// are safe; every transition is CAS-guarded in Postgres.
type Orchestrator struct {
	Log     *logger.Logger
	DB      *gorm.DB
	Cfg     Config
	Loop    *scheduler.EventLoop
	Scanner *scheduler.Scanner

	bus          redisclient.EventBus
	otelShutdown func(context.Context) error
}

func NewOrchestrator() (*Orchestrator, error) {
	log, err := newLogger()
	if err != nil {
		return nil, err
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "dalston-orchestrator",
		Environment: os.Getenv("ENVIRONMENT"),
	})
	metrics, err := observability.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("postgres automigrate: %w", err)
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
	lease := redisclient.NewLeaderLease(log, rdb, "", cfg.Scheduler.LeaseTTL)

	cat, err := catalog.Load(log, cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	reg := registry.New(log, rdb, "")
	sel := selector.New(log, reg, cat)

	jobRepo := repos.NewJobRepo(theDB, log)
	taskRepo := repos.NewTaskRepo(theDB, log)

	handlers := scheduler.NewHandlers(log, theDB, jobRepo, taskRepo, sel, streams, bus, metrics, cfg.Scheduler)
	loop := scheduler.NewEventLoop(log, bus, handlers)
	scanner := scheduler.NewScanner(log, streams, lease, reg, jobRepo, bus, metrics, cfg.Scheduler)

	return &Orchestrator{
		Log:          log,
		DB:           theDB,
		Cfg:          cfg,
		Loop:         loop,
		Scanner:      scanner,
		bus:          bus,
		otelShutdown: otelShutdown,
	}, nil
}

// Run blocks until the context is cancelled or a component fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.Loop.Run(ctx) })
	g.Go(func() error { return o.Scanner.Run(ctx) })
	return g.Wait()
}

func (o *Orchestrator) Close() {
	if o == nil {
		return
	}
	if o.bus != nil {
		_ = o.bus.Close()
	}
	if o.otelShutdown != nil {
		_ = o.otelShutdown(context.Background())
	}
	if o.Log != nil {
		o.Log.Sync()
	}
}

func newLogger() (*logger.Logger, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}
