package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/events/bus"
)

// Publisher emits lifecycle events. Publishing is best effort: failures are
// logged and never surface to the caller.
type Publisher struct {
	bus    bus.EventBus
	source string
	logger *logger.Logger
}

// NewPublisher returns a Publisher. A nil bus yields a publisher that drops
// every event.
func NewPublisher(b bus.EventBus, source string, log *logger.Logger) *Publisher {
	return &Publisher{bus: b, source: source, logger: log.WithFields(zap.String("component", "events"))}
}

// Publish sends ev under eventType, which doubles as the subject.
func (p *Publisher) Publish(ctx context.Context, eventType string, ev RunEvent) {
	if p == nil || p.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	event, err := bus.NewEvent(eventType, p.source, ev)
	if err == nil {
		err = p.bus.Publish(ctx, eventType, event)
	}
	if err != nil {
		p.logger.Warn("failed to publish lifecycle event",
			zap.String("event_type", eventType),
			zap.String("run_id", ev.RunID),
			zap.Error(err))
	}
}
