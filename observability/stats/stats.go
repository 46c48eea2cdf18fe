// Package stats is the runtime's statistics-reporting collaborator (spec.md
// §2, §6: out of scope for the core proper, consumed only through the
// Observer interface). It keeps the in-process atomic counters the core
// always produces and lets callers plug in an external reporter such as
// PrometheusObserver.
package stats

import (
	"sync/atomic"
	"time"
)

// Observer receives events from the task engine, coherency controller and
// device queues. NoOpObserver is the zero-cost default; MetricsObserver
// records into an in-process Metrics; PrometheusObserver exports the same
// events as Prometheus series.
type Observer interface {
	ObserveTaskSpawned()
	ObserveTaskCompleted(latencyNs uint64)
	ObserveFetch(bytes uint64, latencyNs uint64, ok bool)
	ObserveQueueDepth(deviceID uint32, depth uint32)
}

// Metrics tracks performance and operational statistics for the runtime.
type Metrics struct {
	TasksSpawned   atomic.Uint64
	TasksCompleted atomic.Uint64

	FetchBytes  atomic.Uint64
	FetchErrors atomic.Uint64
	FetchCount  atomic.Uint64

	TaskLatencyNsTotal atomic.Uint64
	TaskLatencyCount   atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	StartTime atomic.Int64
}

// NewMetrics creates a fresh Metrics with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Snapshot is a point-in-time read of Metrics.
type Snapshot struct {
	TasksSpawned   uint64
	TasksCompleted uint64
	FetchBytes     uint64
	FetchErrors    uint64
	FetchCount     uint64
	AvgLatencyNs   uint64
	AvgQueueDepth  float64
	MaxQueueDepth  uint32
	UptimeNs       uint64
}

// Snapshot reads every counter atomically and derives averages.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		TasksSpawned:   m.TasksSpawned.Load(),
		TasksCompleted: m.TasksCompleted.Load(),
		FetchBytes:     m.FetchBytes.Load(),
		FetchErrors:    m.FetchErrors.Load(),
		FetchCount:     m.FetchCount.Load(),
		MaxQueueDepth:  m.MaxQueueDepth.Load(),
		UptimeNs:       uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}
	if c := m.TaskLatencyCount.Load(); c > 0 {
		s.AvgLatencyNs = m.TaskLatencyNsTotal.Load() / c
	}
	if c := m.QueueDepthCount.Load(); c > 0 {
		s.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(c)
	}
	return s
}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct{ m *Metrics }

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver { return &MetricsObserver{m: m} }

func (o *MetricsObserver) ObserveTaskSpawned() { o.m.TasksSpawned.Add(1) }

func (o *MetricsObserver) ObserveTaskCompleted(latencyNs uint64) {
	o.m.TasksCompleted.Add(1)
	o.m.TaskLatencyNsTotal.Add(latencyNs)
	o.m.TaskLatencyCount.Add(1)
}

func (o *MetricsObserver) ObserveFetch(bytes uint64, latencyNs uint64, ok bool) {
	o.m.FetchCount.Add(1)
	if ok {
		o.m.FetchBytes.Add(bytes)
	} else {
		o.m.FetchErrors.Add(1)
	}
}

func (o *MetricsObserver) ObserveQueueDepth(deviceID uint32, depth uint32) {
	o.m.QueueDepthTotal.Add(uint64(depth))
	o.m.QueueDepthCount.Add(1)
	for {
		cur := o.m.MaxQueueDepth.Load()
		if depth <= cur {
			return
		}
		if o.m.MaxQueueDepth.CompareAndSwap(cur, depth) {
			return
		}
	}
}

// NoOpObserver discards every event; engine.New falls back to it when
// given a nil Observer. The runtime façade's own default is a
// MetricsObserver.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTaskSpawned()                       {}
func (NoOpObserver) ObserveTaskCompleted(uint64)                {}
func (NoOpObserver) ObserveFetch(uint64, uint64, bool)          {}
func (NoOpObserver) ObserveQueueDepth(uint32, uint32)           {}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
