// Package metrics exports Prometheus metrics about snapshot collection,
// scans, pointer searches, tasks and watchpoint hits.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memscan/memscan/pkg/task"
)

// Operation names used as the op label.
const (
	OpCollect       = "collect"
	OpScan          = "scan"
	OpPointerSearch = "pointer_search"
	OpPointerRescan = "pointer_rescan"
)

// Metrics holds the collectors of one engine. A nil *Metrics discards
// every observation.
type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	snapshotRegions   prometheus.Gauge
	snapshotElements  prometheus.Gauge
	snapshotBytes     prometheus.Gauge
	pointerPaths      prometheus.Gauge
	tasksRunning      prometheus.Gauge
	watchHits         *prometheus.CounterVec
}

// New returns metrics registered on a new registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memscan",
			Name:      "operations_total",
			Help:      "Number of finished operations by outcome",
		}, []string{"op", "result"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "memscan",
			Name:      "operation_duration_seconds",
			Help:      "Duration of collect, scan and pointer operations",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"op"}),
		snapshotRegions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memscan",
			Name:      "snapshot_regions",
			Help:      "Number of regions of the active snapshot",
		}),
		snapshotElements: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memscan",
			Name:      "snapshot_elements",
			Help:      "Number of candidate elements of the active snapshot",
		}),
		snapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memscan",
			Name:      "snapshot_bytes",
			Help:      "Bytes of target memory held by the active snapshot",
		}),
		pointerPaths: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memscan",
			Name:      "pointer_paths",
			Help:      "Number of paths found by the last pointer search or rescan",
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memscan",
			Name:      "tasks_running",
			Help:      "Number of running tasks",
		}),
		watchHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memscan",
			Name:      "watchpoint_hits_total",
			Help:      "Number of accesses reported by watchpoints",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.snapshotRegions,
		m.snapshotElements,
		m.snapshotBytes,
		m.pointerPaths,
		m.tasksRunning,
		m.watchHits,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe records the outcome of operation op started at start.
func (m *Metrics) Observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, task.ErrCanceled):
		result = "canceled"
	case err != nil:
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SetSnapshot records the size of the active snapshot.
func (m *Metrics) SetSnapshot(regions, elements, bytes int) {
	if m == nil {
		return
	}
	m.snapshotRegions.Set(float64(regions))
	m.snapshotElements.Set(float64(elements))
	m.snapshotBytes.Set(float64(bytes))
}

// SetPointerPaths records the number of paths of the last search.
func (m *Metrics) SetPointerPaths(n int) {
	if m == nil {
		return
	}
	m.pointerPaths.Set(float64(n))
}

// TaskStarted and TaskFinished track the number of running tasks.
func (m *Metrics) TaskStarted() {
	if m != nil {
		m.tasksRunning.Inc()
	}
}

func (m *Metrics) TaskFinished() {
	if m != nil {
		m.tasksRunning.Dec()
	}
}

// WatchHit counts an access reported by a watchpoint of the given kind.
func (m *Metrics) WatchHit(kind string) {
	if m != nil {
		m.watchHits.WithLabelValues(kind).Inc()
	}
}
