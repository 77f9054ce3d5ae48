package app

import (
	"time"

	"github.com/dalston-ai/dalston/internal/engine"
	"github.com/dalston-ai/dalston/internal/platform/logger"
	"github.com/dalston-ai/dalston/internal/scheduler"
	"github.com/dalston-ai/dalston/internal/utils"
)

type Config struct {
	HTTPAddr     string
	CatalogPath  string
	EventChannel string
	StreamPrefix string

	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration

	Scheduler scheduler.Config
	Runner    engine.RunnerConfig
}

func LoadConfig(log *logger.Logger) Config {
	sched := scheduler.DefaultConfig()
	sched.MaxDeliveries = utils.GetEnvAsInt("MAX_DELIVERIES", sched.MaxDeliveries, log)
	sched.DefaultRetries = utils.GetEnvAsInt("DEFAULT_RETRIES", sched.DefaultRetries, log)
	sched.TaskTimeout = utils.GetEnvAsDuration("TASK_TIMEOUT", sched.TaskTimeout, log)
	sched.TimeoutSafetyFactor = utils.GetEnvAsFloat("TIMEOUT_SAFETY_FACTOR", sched.TimeoutSafetyFactor, log)
	sched.MinTaskTimeout = utils.GetEnvAsDuration("MIN_TASK_TIMEOUT", sched.MinTaskTimeout, log)
	sched.ScannerInterval = utils.GetEnvAsDuration("SCANNER_INTERVAL", sched.ScannerInterval, log)
	sched.StaleClaimIdle = utils.GetEnvAsDuration("STALE_CLAIM_IDLE", sched.StaleClaimIdle, log)
	sched.LeaseTTL = utils.GetEnvAsDuration("LEADER_LEASE_TTL", sched.LeaseTTL, log)
	sched.PendingJobAge = utils.GetEnvAsDuration("PENDING_JOB_AGE", sched.PendingJobAge, log)
	sched.ReselectionEnabled = utils.GetEnvAsBool("RESELECTION_ENABLED", sched.ReselectionEnabled, log)
	sched.ReselectionBudget = utils.GetEnvAsInt("RESELECTION_BUDGET", sched.ReselectionBudget, log)

	runner := engine.DefaultRunnerConfig()
	runner.StaleClaimIdle = sched.StaleClaimIdle
	runner.ReadBlock = utils.GetEnvAsDuration("STREAM_READ_BLOCK", runner.ReadBlock, log)

	return Config{
		HTTPAddr:          utils.GetEnv("HTTP_ADDR", ":8080", log),
		CatalogPath:       utils.GetEnv("CATALOG_PATH", "catalog.json", log),
		EventChannel:      utils.GetEnv("EVENT_CHANNEL", "", log),
		StreamPrefix:      utils.GetEnv("STREAM_PREFIX", "", log),
		HeartbeatInterval: utils.GetEnvAsDuration("HEARTBEAT_INTERVAL", 10*time.Second, log),
		HeartbeatTTL:      utils.GetEnvAsDuration("HEARTBEAT_TTL", 30*time.Second, log),
		Scheduler:         sched,
		Runner:            runner,
	}
}
