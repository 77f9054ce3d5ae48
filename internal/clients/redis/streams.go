package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
)

const (
	// GroupEngines is the single consumer group on every work stream.
	GroupEngines = "engines"

	// DefaultStreamPrefix names the per-stage streams, e.g.
	// "dalston:work:transcribe".
	DefaultStreamPrefix = "dalston:work:"
)

// Delivery is one message handed to a consumer, fresh or claimed.
type Delivery struct {
	ID      string
	Message domain.StreamMessage
}

// PendingEntry mirrors one XPENDING row: delivered, unacknowledged work.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	RetryCount int64
}

// Streams is the shared per-stage work queue helper used by the scheduler,
// the stale scanner and the engine runner.
type Streams struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
}

func NewStreams(log *logger.Logger, rdb *goredis.Client, prefix string) *Streams {
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	return &Streams{
		log:    log.With("service", "Streams"),
		rdb:    rdb,
		prefix: prefix,
	}
}

func (s *Streams) Key(stage string) string {
	return s.prefix + stage
}

// Stage recovers the stage name from a stream key found by prefix scan.
func (s *Streams) Stage(key string) string {
	return strings.TrimPrefix(key, s.prefix)
}

// Enqueue appends one task message, creating the stream and consumer group on
// first use.
func (s *Streams) Enqueue(ctx context.Context, stage string, msg domain.StreamMessage) error {
	key := s.Key(stage)
	if err := s.ensureGroup(ctx, key); err != nil {
		return err
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	return s.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{
			"task_id":     msg.TaskID.String(),
			"job_id":      msg.JobID.String(),
			"enqueued_at": msg.EnqueuedAt.Format(time.RFC3339Nano),
			"timeout_at":  msg.TimeoutAt.Format(time.RFC3339Nano),
		},
	}).Err()
}

// ReadNew blocks up to the given interval for one fresh message addressed to
// the group.
func (s *Streams) ReadNew(ctx context.Context, stage, consumer string, block time.Duration) (*Delivery, error) {
	key := s.Key(stage)
	if err := s.ensureGroup(ctx, key); err != nil {
		return nil, err
	}
	res, err := s.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    GroupEngines,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	for _, stream := range res {
		for _, m := range stream.Messages {
			d := &Delivery{ID: m.ID, Message: parseMessage(m.Values)}
			return d, nil
		}
	}
	return nil, nil
}

// Pending lists the unacknowledged entries of a stage stream with consumer,
// idle time and delivery count.
func (s *Streams) Pending(ctx context.Context, stage string) ([]PendingEntry, error) {
	key := s.Key(stage)
	rows, err := s.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: key,
		Group:  GroupEngines,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) || isNoGroupErr(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]PendingEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, PendingEntry{
			ID:         row.ID,
			Consumer:   row.Consumer,
			Idle:       row.Idle,
			RetryCount: row.RetryCount,
		})
	}
	return out, nil
}

// Claim reassigns one pending entry to a new consumer if it has been idle for
// at least minIdle. Returns nil when the entry was acked or claimed elsewhere
// in the meantime.
func (s *Streams) Claim(ctx context.Context, stage, consumer, id string, minIdle time.Duration) (*Delivery, error) {
	key := s.Key(stage)
	msgs, err := s.rdb.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   key,
		Group:    GroupEngines,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: []string{id},
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &Delivery{ID: msgs[0].ID, Message: parseMessage(msgs[0].Values)}, nil
}

func (s *Streams) Ack(ctx context.Context, stage, id string) error {
	return s.rdb.XAck(ctx, s.Key(stage), GroupEngines, id).Err()
}

// Fetch reads one entry by id without consuming it. Used by the scanner to
// recover the absolute timeout stamped at enqueue time.
func (s *Streams) Fetch(ctx context.Context, stage, id string) (*domain.StreamMessage, error) {
	rows, err := s.rdb.XRangeN(ctx, s.Key(stage), id, id, 1).Result()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	msg := parseMessage(rows[0].Values)
	return &msg, nil
}

// ListStages enumerates live stream keys by cursor scan and returns their
// stage names.
func (s *Streams) ListStages(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		stages []string
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"*", 50).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			stages = append(stages, s.Stage(k))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return stages, nil
}

// PurgeTask removes unclaimed entries for a cancelled task. Entries already
// delivered to a consumer are left alone; the runner observes the cancelled
// status and acks without processing.
func (s *Streams) PurgeTask(ctx context.Context, stage string, taskID uuid.UUID) error {
	key := s.Key(stage)
	rows, err := s.rdb.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return err
	}
	pending, err := s.Pending(ctx, stage)
	if err != nil {
		return err
	}
	delivered := map[string]bool{}
	for _, p := range pending {
		delivered[p.ID] = true
	}
	for _, row := range rows {
		if delivered[row.ID] {
			continue
		}
		msg := parseMessage(row.Values)
		if msg.TaskID != taskID {
			continue
		}
		// Ack first so the group forgets the entry, then delete it.
		_ = s.rdb.XAck(ctx, key, GroupEngines, row.ID).Err()
		if err := s.rdb.XDel(ctx, key, row.ID).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Streams) ensureGroup(ctx context.Context, key string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, key, GroupEngines, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("create group on %s: %w", key, err)
	}
	return nil
}

func parseMessage(values map[string]interface{}) domain.StreamMessage {
	var msg domain.StreamMessage
	if v, ok := values["task_id"].(string); ok {
		msg.TaskID, _ = uuid.Parse(v)
	}
	if v, ok := values["job_id"].(string); ok {
		msg.JobID, _ = uuid.Parse(v)
	}
	if v, ok := values["enqueued_at"].(string); ok {
		msg.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := values["timeout_at"].(string); ok {
		msg.TimeoutAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return msg
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
