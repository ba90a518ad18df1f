package metrics

import (
	"time"

	"github.com/cuemby/bridge/pkg/registry"
)

// SubscriberCounter is the subset of *hub.Hub the Collector needs. Defined
// here rather than imported from pkg/hub: pkg/hub itself increments
// counters from this package, and importing the concrete type back would
// form an import cycle.
type SubscriberCounter interface {
	SubscriberCount(identifier registry.Identifier) int
}

// Collector periodically samples registry and hub state that isn't
// naturally updated at the point of change (active symbol counts,
// rollover countdowns, per-identifier subscriber gauges).
type Collector struct {
	registry *registry.Registry
	hub      SubscriberCounter
	stopCh   chan struct{}
}

// NewCollector builds a Collector over reg and h. h may be nil on a
// process that only runs the Historical API.
func NewCollector(reg *registry.Registry, h SubscriberCounter) *Collector {
	return &Collector{
		registry: reg,
		hub:      h,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection on a 15-second interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRegistryMetrics()
	c.collectHubMetrics()
}

func (c *Collector) collectRegistryMetrics() {
	if c.registry == nil {
		return
	}

	records := c.registry.ActiveRecords()
	RegistryActiveSymbols.Set(float64(len(records)))

	for _, alert := range c.registry.RolloverAlerts(time.Now()) {
		RegistryRolloverDays.WithLabelValues(string(alert.Role)).Set(float64(alert.DaysUntil))
	}
}

func (c *Collector) collectHubMetrics() {
	if c.hub == nil || c.registry == nil {
		return
	}

	for _, rec := range c.registry.ActiveRecords() {
		count := c.hub.SubscriberCount(rec.Identifier)
		HubSubscribersTotal.WithLabelValues(string(rec.Identifier)).Set(float64(count))
	}
}
