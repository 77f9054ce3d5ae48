package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
)

// DefaultEventChannel is the broadcast channel every controller subscribes to.
const DefaultEventChannel = "dalston:events"

// EventBus is the pub/sub hint channel. Events carry identities, not state;
// handlers re-read the database before acting.
type EventBus interface {
	Publish(ctx context.Context, event domain.Event) error
	StartForwarder(ctx context.Context, onEvent func(event domain.Event)) error
	Close() error
}

type eventBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewEventBus(log *logger.Logger, rdb *goredis.Client, channel string) (EventBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if channel == "" {
		channel = DefaultEventChannel
	}
	return &eventBus{
		log:     log.With("service", "EventBus"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (b *eventBus) Publish(ctx context.Context, event domain.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *eventBus) StartForwarder(ctx context.Context, onEvent func(event domain.Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var event domain.Event
				if err := json.Unmarshal([]byte(m.Payload), &event); err != nil {
					b.log.Warn("bad event payload", "error", err)
					continue
				}
				onEvent(event)
			}
		}
	}()

	return nil
}

func (b *eventBus) Close() error {
	return nil
}
