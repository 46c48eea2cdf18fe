package stats

import "github.com/prometheus/client_golang/prometheus"

// PrometheusObserver exports the same events Metrics tracks as Prometheus
// series, the way aistore's xaction stats are exported alongside its
// in-process counters. It is the pluggable external stats-reporting
// collaborator named in spec.md §6; the core never imports it directly —
// callers opt in by passing one to xkrt.WithObserver.
type PrometheusObserver struct {
	tasksSpawned   prometheus.Counter
	tasksCompleted prometheus.Counter
	taskLatency    prometheus.Histogram
	fetchBytes     prometheus.Counter
	fetchErrors    prometheus.Counter
	queueDepth     *prometheus.GaugeVec
}

// NewPrometheusObserver registers the runtime's metrics on reg and returns
// an Observer that updates them.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) *PrometheusObserver {
	o := &PrometheusObserver{
		tasksSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_spawned_total", Help: "Tasks spawned since start.",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_completed_total", Help: "Tasks completed since start.",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_latency_seconds", Help: "Task spawn-to-complete latency.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		fetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fetch_bytes_total", Help: "Bytes transferred by coherency fetches.",
		}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fetch_errors_total", Help: "Failed coherency fetches.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "device_queue_depth", Help: "Pending commands per device queue.",
		}, []string{"device"}),
	}
	reg.MustRegister(o.tasksSpawned, o.tasksCompleted, o.taskLatency, o.fetchBytes, o.fetchErrors, o.queueDepth)
	return o
}

func (o *PrometheusObserver) ObserveTaskSpawned() { o.tasksSpawned.Inc() }

func (o *PrometheusObserver) ObserveTaskCompleted(latencyNs uint64) {
	o.tasksCompleted.Inc()
	o.taskLatency.Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveFetch(bytes uint64, _ uint64, ok bool) {
	if ok {
		o.fetchBytes.Add(float64(bytes))
	} else {
		o.fetchErrors.Inc()
	}
}

func (o *PrometheusObserver) ObserveQueueDepth(deviceID uint32, depth uint32) {
	o.queueDepth.WithLabelValues(deviceLabel(deviceID)).Set(float64(depth))
}

func deviceLabel(id uint32) string {
	const hexDigits = "0123456789abcdef"
	if id == 0 {
		return "host"
	}
	buf := make([]byte, 0, 8)
	for id > 0 {
		buf = append([]byte{hexDigits[id%16]}, buf...)
		id /= 16
	}
	return "gpu" + string(buf)
}

var _ Observer = (*PrometheusObserver)(nil)
