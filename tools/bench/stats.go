package main

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks benchmark counters. produced and consumed are reset by every
// sample; the totals and latencies cover the whole run.
type Stats struct {
	produced atomic.Uint64
	consumed atomic.Uint64

	totalProduced atomic.Uint64
	totalConsumed atomic.Uint64
	errors        atomic.Uint64

	// Store latency (microseconds)
	mu        sync.Mutex
	latencies []int64
}

// NewStats creates a new stats tracker.
func NewStats() *Stats {
	return &Stats{
		latencies: make([]int64, 0, 100000),
	}
}

// RecordProduced records one stored record.
func (s *Stats) RecordProduced(latency time.Duration) {
	s.produced.Add(1)
	s.totalProduced.Add(1)

	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.mu.Unlock()
}

// RecordConsumed records one removed record.
func (s *Stats) RecordConsumed() {
	s.consumed.Add(1)
	s.totalConsumed.Add(1)
}

// RecordError records a failed store or remove.
func (s *Stats) RecordError() {
	s.errors.Add(1)
}

// Reset zeroes the per-sample counters, as done once preloading ends.
func (s *Stats) Reset() {
	s.produced.Store(0)
	s.consumed.Store(0)
}

// Take returns and zeroes the per-sample counters.
func (s *Stats) Take() (produced, consumed uint64) {
	return s.produced.Swap(0), s.consumed.Swap(0)
}

func (s *Stats) TotalProduced() uint64 { return s.totalProduced.Load() }
func (s *Stats) TotalConsumed() uint64 { return s.totalConsumed.Load() }
func (s *Stats) Errors() uint64        { return s.errors.Load() }

// GetLatencyPercentiles returns p50, p90, p99 in microseconds.
func (s *Stats) GetLatencyPercentiles() (p50, p90, p99 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0
	}

	sorted := make([]int64, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	return sorted[n*50/100], sorted[n*90/100], sorted[n*99/100]
}

// Sample is one measurement window
type Sample struct {
	Elapsed     time.Duration // since sampling started
	Window      time.Duration
	Produced    uint64
	Consumed    uint64
	HeapAllocKB uint64
}

func (s Sample) ProduceRate() float64 {
	if s.Window <= 0 {
		return 0
	}
	return float64(s.Produced) / s.Window.Seconds()
}

func (s Sample) ConsumeRate() float64 {
	if s.Window <= 0 {
		return 0
	}
	return float64(s.Consumed) / s.Window.Seconds()
}
