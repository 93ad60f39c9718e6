package events

import (
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/reeloly/sandboxd/internal/common/config"
	"github.com/reeloly/sandboxd/internal/common/logger"
	"github.com/reeloly/sandboxd/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Conn returns the NATS connection, or nil for the in-memory bus.
func (p *ProvidedBus) Conn() *nats.Conn {
	if p.NATS == nil {
		return nil
	}
	return p.NATS.Conn()
}

// Provide builds the NATS bus when a URL is configured and the in-memory bus otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		nc, err := bus.Connect(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize NATS event bus: %w", err)
		}
		natsBus := bus.NewNATSEventBus(nc, log)
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: memBus, Memory: memBus}, cleanup, nil
}
