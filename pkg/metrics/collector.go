package metrics

import (
	"time"
)

// Source supplies point-in-time counts for the periodic collector.
// The server implements it; the indirection keeps this package free of
// dependencies on the rest of the tree.
type Source interface {
	ActiveRunsByProvider() map[string]int
	LaneGauges() (pendingByPriority map[string]int, running int, cooldowns int)
	SubscriberCount() int
}

// Collector refreshes gauge metrics from a Source
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRunMetrics()
	c.collectLaneMetrics()
	BusSubscribers.Set(float64(c.source.SubscriberCount()))
}

func (c *Collector) collectRunMetrics() {
	RunsActive.Reset()
	for provider, count := range c.source.ActiveRunsByProvider() {
		RunsActive.WithLabelValues(provider).Set(float64(count))
	}
}

func (c *Collector) collectLaneMetrics() {
	pending, running, cooldowns := c.source.LaneGauges()

	LanePending.Reset()
	for priority, count := range pending {
		LanePending.WithLabelValues(priority).Set(float64(count))
	}
	LaneRunning.Set(float64(running))
	LaneCooldownsActive.Set(float64(cooldowns))
}
