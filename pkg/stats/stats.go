package stats

import (
	"context"
	"time"

	"github.com/vigild/vigil/pkg/broadcast"
	"github.com/vigild/vigil/pkg/driver"
	"github.com/vigild/vigil/pkg/log"
	"github.com/vigild/vigil/pkg/metrics"
	"github.com/vigild/vigil/pkg/registry"
	"github.com/vigild/vigil/pkg/types"
)

// Collector samples docker stats on a fixed interval.
type Collector struct {
	drv      driver.Driver
	reg      *registry.Registry
	bus      *broadcast.Broadcaster
	services []types.Service
	interval time.Duration
}

// New builds a collector over the services that have a container name.
func New(drv driver.Driver, reg *registry.Registry, bus *broadcast.Broadcaster, services []types.Service, interval time.Duration) *Collector {
	var withContainers []types.Service
	for _, svc := range services {
		if svc.ContainerName != "" {
			withContainers = append(withContainers, svc)
		}
	}
	return &Collector{
		drv:      drv,
		reg:      reg,
		bus:      bus,
		services: withContainers,
		interval: interval,
	}
}

// Run samples until the context is cancelled. A failed sample for one
// container is logged and skipped; the others still collect.
func (c *Collector) Run(ctx context.Context) {
	logger := log.WithComponent("stats")
	if len(c.services) == 0 {
		logger.Info().Msg("no services with containers, stats collector idle")
		<-ctx.Done()
		return
	}
	logger.Info().
		Int("containers", len(c.services)).
		Dur("interval", c.interval).
		Msg("stats collector started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sample(ctx)
		case <-ctx.Done():
			logger.Info().Msg("stats collector stopped")
			return
		}
	}
}

func (c *Collector) sample(ctx context.Context) {
	for _, svc := range c.services {
		st, err := c.drv.Stats(ctx, svc.ContainerName)
		if err != nil {
			log.WithServiceID(svc.ID).Debug().Err(err).Msg("stats sample failed")
			continue
		}

		c.reg.SetStats(svc.ID, *st)
		metrics.UpdateResourceStats(svc, *st)
		c.bus.Publish(types.Event{
			Kind:      types.EventStatsSample,
			ServiceID: svc.ID,
			At:        time.Now(),
			Stats:     st,
		})
	}
}
