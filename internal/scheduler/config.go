package scheduler

import "time"

// Config carries the orchestrator knobs (defaults in parentheses).
type Config struct {
	// MaxDeliveries is the stream delivery ceiling before the scanner fails a
	// task (3).
	MaxDeliveries int
	// DefaultRetries is the orchestrator-side retry budget per task (3).
	DefaultRetries int
	// RetryBudget overrides DefaultRetries for specific stages.
	RetryBudget map[string]int

	// TaskTimeout is the absolute per-task ceiling when no duration-derived
	// timeout applies (30m).
	TaskTimeout time.Duration
	// TimeoutSafetyFactor multiplies audio_duration × rtf_gpu (4.0).
	TimeoutSafetyFactor float64
	// MinTaskTimeout clamps duration-derived timeouts from below (2m).
	MinTaskTimeout time.Duration

	// ScannerInterval is the stale-sweep cadence (60s).
	ScannerInterval time.Duration
	// StaleClaimIdle is how long a pending entry must sit idle before its
	// consumer is considered gone (10m).
	StaleClaimIdle time.Duration
	// LeaseTTL bounds leader failover (30s).
	LeaseTTL time.Duration
	// PendingJobAge is how long a job may sit pending before the leader
	// re-broadcasts its job.created hint (2m).
	PendingJobAge time.Duration

	// ReselectionEnabled gates in-flight re-routing when an engine disappears.
	ReselectionEnabled bool
	// ReselectionBudget caps engine swaps per task (1).
	ReselectionBudget int
}

func DefaultConfig() Config {
	return Config{
		MaxDeliveries:       3,
		DefaultRetries:      3,
		RetryBudget:         map[string]int{},
		TaskTimeout:         30 * time.Minute,
		TimeoutSafetyFactor: 4.0,
		MinTaskTimeout:      2 * time.Minute,
		ScannerInterval:     60 * time.Second,
		StaleClaimIdle:      10 * time.Minute,
		LeaseTTL:            30 * time.Second,
		PendingJobAge:       2 * time.Minute,
		ReselectionEnabled:  false,
		ReselectionBudget:   1,
	}
}

func (c Config) retriesFor(stage string) int {
	if n, ok := c.RetryBudget[stage]; ok {
		return n
	}
	return c.DefaultRetries
}
