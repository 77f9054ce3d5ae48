package scheduler

import (
	"context"

	"github.com/dalston-ai/dalston/internal/domain"
	"github.com/dalston-ai/dalston/internal/platform/logger"
)

// Subscriber delivers broadcast events. Satisfied by redis.EventBus.
type Subscriber interface {
	StartForwarder(ctx context.Context, onEvent func(event domain.Event)) error
}

// EventLoop is the single long-running consumer of the pub/sub channel. It
// dispatches to Handlers sequentially; handlers only do database and stream
// round-trips, so no event monopolizes the loop.
type EventLoop struct {
	log      *logger.Logger
	bus      Subscriber
	handlers *Handlers
}

func NewEventLoop(log *logger.Logger, bus Subscriber, handlers *Handlers) *EventLoop {
	return &EventLoop{
		log:      log.With("component", "EventLoop"),
		bus:      bus,
		handlers: handlers,
	}
}

func (l *EventLoop) Run(ctx context.Context) error {
	events := make(chan domain.Event, 256)
	err := l.bus.StartForwarder(ctx, func(event domain.Event) {
		select {
		case events <- event:
		default:
			// Events are hints. Every controller replica consumes the same
			// broadcast, and a lost job.created is re-broadcast by the
			// leader's pending-job sweep.
			l.log.Warn("event buffer full, dropping", "type", event.Type)
		}
	})
	if err != nil {
		return err
	}

	l.log.Info("event loop started")
	for {
		select {
		case <-ctx.Done():
			l.log.Info("event loop stopped")
			return nil
		case event := <-events:
			l.dispatch(ctx, event)
		}
	}
}

func (l *EventLoop) dispatch(ctx context.Context, event domain.Event) {
	var err error
	switch event.Type {
	case domain.EventJobCreated:
		err = l.handlers.HandleJobCreated(ctx, event.JobID)
	case domain.EventTaskCompleted:
		err = l.handlers.HandleTaskCompleted(ctx, event.TaskID, event.OutputURI)
	case domain.EventTaskFailed:
		err = l.handlers.HandleTaskFailed(ctx, event)
	case domain.EventTaskProgress:
		// Progress is surfaced by the gateway, not acted on here.
	default:
		l.log.Warn("unknown event type", "type", event.Type)
	}
	if err != nil {
		l.log.Error("handler error", "type", event.Type, "job_id", event.JobID, "task_id", event.TaskID, "error", err)
	}
}
