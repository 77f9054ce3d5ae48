package app

import (
	"context"
	"fmt"
	"os"

	"gorm.io/gorm"

	"github.com/dalston-ai/dalston/internal/catalog"
	redisclient "github.com/dalston-ai/dalston/internal/clients/redis"
	"github.com/dalston-ai/dalston/internal/db"
	"github.com/dalston-ai/dalston/internal/gateway"
	"github.com/dalston-ai/dalston/internal/observability"
	"github.com/dalston-ai/dalston/internal/platform/logger"
	"github.com/dalston-ai/dalston/internal/registry"
	"github.com/dalston-ai/dalston/internal/repos"
	"github.com/dalston-ai/dalston/internal/selector"
)

// Gateway is the HTTP submission surface. It shares the database and redis
// wiring with the orchestrator but runs no event loop.
type Gateway struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Cfg    Config
	Server *gateway.Server

	bus          redisclient.EventBus
	otelShutdown func(context.Context) error
}

func NewGateway() (*Gateway, error) {
	log, err := newLogger()
	if err != nil {
		return nil, err
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "dalston-gateway",
		Environment: os.Getenv("ENVIRONMENT"),
	})

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

	cat, err := catalog.Load(log, cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	reg := registry.New(log, rdb, "")
	sel := selector.New(log, reg, cat)

	jobRepo := repos.NewJobRepo(theDB, log)
	taskRepo := repos.NewTaskRepo(theDB, log)

	svc := gateway.NewService(log, jobRepo, taskRepo, sel, bus, streams)
	server := gateway.NewServer(gateway.RouterConfig{
		JobHandler: gateway.NewJobHandler(svc),
	})

	return &Gateway{
		Log:          log,
		DB:           theDB,
		Cfg:          cfg,
		Server:       server,
		bus:          bus,
		otelShutdown: otelShutdown,
	}, nil
}

func (g *Gateway) Run() error {
	g.Log.Info("gateway listening", "addr", g.Cfg.HTTPAddr)
	return g.Server.Run(g.Cfg.HTTPAddr)
}

func (g *Gateway) Close() {
	if g == nil {
		return
	}
	if g.bus != nil {
		_ = g.bus.Close()
	}
	if g.otelShutdown != nil {
		_ = g.otelShutdown(context.Background())
	}
	if g.Log != nil {
		g.Log.Sync()
	}
}
