package telemetry

import (
	"sync"
	"time"
)

// IndexStat is a point-in-time record count for one index
type IndexStat struct {
	Name    string
	Records int
}

// IndexLister reports loaded indices
type IndexLister interface {
	IndexStats() []IndexStat
}

// MetricsCollector periodically refreshes per-index gauges
type MetricsCollector struct {
	lister   IndexLister
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(lister IndexLister, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		lister:   lister,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.lister == nil {
		return
	}

	stats := mc.lister.IndexStats()
	for _, s := range stats {
		IndexRecords.With(s.Name).Set(float64(s.Records))
	}
	IndicesLoaded.Set(float64(len(stats)))
}
