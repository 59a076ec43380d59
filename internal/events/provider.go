package events

import (
	"fmt"
	"strings"

	"github.com/tendrel/tendrel/internal/common/config"
	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/events/bus"
)

// Provide builds the configured event bus: NATS when a URL is set, otherwise
// the in-memory bus. The cleanup func closes whichever was built.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
