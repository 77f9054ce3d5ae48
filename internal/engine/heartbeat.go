package engine

import (
	"context"
	"sync"
	"time"

	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
	"github.com/dalston-ai/dalston/internal/registry"
)

// Heartbeater keeps this engine visible in the registry. Writes are best
// effort: a missed beat only hides the engine from selection until the next
// one lands.
type Heartbeater struct {
	log      *logger.Logger
	registry *registry.Registry
	interval time.Duration
	ttl      time.Duration

	mu    sync.Mutex
	entry domain.RegistryEntry
}

func NewHeartbeater(log *logger.Logger, reg *registry.Registry, entry domain.RegistryEntry, interval, ttl time.Duration) *Heartbeater {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Heartbeater{
		log:      log.With("component", "Heartbeater", "engine_id", entry.EngineID),
		registry: reg,
		interval: interval,
		ttl:      ttl,
		entry:    entry,
	}
}

// SetLoadedModel records the weights currently resident so the registry view
// reflects swap state.
func (h *Heartbeater) SetLoadedModel(modelID string) {
	h.mu.Lock()
	h.entry.LoadedModelID = modelID
	h.mu.Unlock()
}

func (h *Heartbeater) Run(ctx context.Context) error {
	h.beat(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	h.mu.Lock()
	entry := h.entry
	h.mu.Unlock()
	entry.HeartbeatAt = time.Now().UTC()
	if err := h.registry.Heartbeat(ctx, entry, h.ttl); err != nil {
		h.log.Warn("heartbeat failed", "error", err)
	}
}
