package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
)

// DefaultKeyPrefix keys registry entries by engine id, e.g.
// "dalston:engine:whisper-large-v3".
const DefaultKeyPrefix = "dalston:engine:"

// Registry is the runtime view of live engines. Writes are TTL'd heartbeats
// owned by the engine process; expiry implicitly marks the engine dead. Reads
// always hit the store, keeping controllers stateless.
type Registry struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
}

func New(log *logger.Logger, rdb *goredis.Client, prefix string) *Registry {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Registry{
		log:    log.With("service", "Registry"),
		rdb:    rdb,
		prefix: prefix,
	}
}

// Heartbeat writes the engine's full capabilities document under its key with
// the liveness TTL. Best effort: callers log and carry on when it fails.
func (r *Registry) Heartbeat(ctx context.Context, entry domain.RegistryEntry, ttl time.Duration) error {
	if entry.HeartbeatAt.IsZero() {
		entry.HeartbeatAt = time.Now().UTC()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.prefix+entry.EngineID, raw, ttl).Err()
}

// Get returns the live entry for an engine id, or nil when the heartbeat has
// expired.
func (r *Registry) Get(ctx context.Context, engineID string) (*domain.RegistryEntry, error) {
	raw, err := r.rdb.Get(ctx, r.prefix+engineID).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entry domain.RegistryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// IsAvailable reports whether the engine's heartbeat key is present.
func (r *Registry) IsAvailable(ctx context.Context, engineID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.prefix+engineID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EnginesForStage enumerates live engines serving a stage. Uses cursor-based
// SCAN so a large registry never blocks the store.
func (r *Registry) EnginesForStage(ctx context.Context, stage string) ([]domain.RegistryEntry, error) {
	entries, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RegistryEntry, 0, len(entries))
	for _, e := range entries {
		if e.Capabilities.HasStage(stage) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListAll scans every live entry.
func (r *Registry) ListAll(ctx context.Context) ([]domain.RegistryEntry, error) {
	var (
		cursor  uint64
		entries []domain.RegistryEntry
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.prefix+"*", 50).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			raw, err := r.rdb.Get(ctx, key).Result()
			if err != nil {
				// Key can expire between scan and read.
				if errors.Is(err, goredis.Nil) {
					continue
				}
				return nil, err
			}
			var entry domain.RegistryEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				r.log.Warn("bad registry entry, skipping", "key", key, "error", err)
				continue
			}
			entries = append(entries, entry)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return entries, nil
}
