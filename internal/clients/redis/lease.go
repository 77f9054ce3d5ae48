package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dalston-ai/dalston/internal/platform/logger"
)

// DefaultLeaseKey is the scanner leader lease.
const DefaultLeaseKey = "dalston:leader:scanner"

// LeaderLease is a Redis SET-NX lease. Whoever holds it runs the stale
// scanner; everyone else skips the sweep.
type LeaderLease struct {
	log    *logger.Logger
	rdb    *goredis.Client
	key    string
	holder string
	ttl    time.Duration
}

func NewLeaderLease(log *logger.Logger, rdb *goredis.Client, key string, ttl time.Duration) *LeaderLease {
	if key == "" {
		key = DefaultLeaseKey
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LeaderLease{
		log:    log.With("service", "LeaderLease"),
		rdb:    rdb,
		key:    key,
		holder: uuid.NewString(),
		ttl:    ttl,
	}
}

// TryAcquire attempts to take or renew the lease. Returns true when this
// instance is the leader after the call.
func (l *LeaderLease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	current, err := l.rdb.Get(ctx, l.key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, err
	}
	if current != l.holder {
		return false, nil
	}
	// Renew our own lease.
	if err := l.rdb.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Release drops the lease if this instance still holds it. The get/del pair
// is not atomic; at worst a racing acquirer loses one TTL window.
func (l *LeaderLease) Release(ctx context.Context) {
	current, err := l.rdb.Get(ctx, l.key).Result()
	if err != nil || current != l.holder {
		return
	}
	_ = l.rdb.Del(ctx, l.key).Err()
}

// HolderID identifies this instance in logs.
func (l *LeaderLease) HolderID() string {
	return l.holder
}
