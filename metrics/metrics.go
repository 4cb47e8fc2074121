// Package metrics exposes dispatcher and fallback store metrics in
// Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luoyjx/arcade-kv/storage"
)

const namespace = "arcade_kv"

// Batch paths
const (
	PathRemote   = "remote"
	PathFallback = "fallback"
)

// Metrics holds the dispatcher collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	batches        *prometheus.CounterVec
	commands       *prometheus.CounterVec
	remoteFailures *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
	rejected       prometheus.Counter
}

// New creates the dispatcher collectors and registers them with registry.
// Call it once per registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "batches_total",
			Help:      "Batches served, by the store that served them",
		}, []string{"path"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "commands_total",
			Help:      "Commands served, by the store that served them",
		}, []string{"path"}),
		remoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "remote_failures_total",
			Help:      "Remote batch attempts that failed over, by failure reason",
		}, []string{"reason"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "batch_duration_seconds",
			Help:      "Time to serve a batch, including any failed remote attempt",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 3},
		}, []string{"path"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "rejected_batches_total",
			Help:      "Batches rejected by local validation",
		}),
	}

	registry.MustRegister(m.batches, m.commands, m.remoteFailures, m.batchDuration, m.rejected)
	return m
}

// ObserveBatch records a served batch of n commands
func (m *Metrics) ObserveBatch(path string, n int, d time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(path).Inc()
	m.commands.WithLabelValues(path).Add(float64(n))
	m.batchDuration.WithLabelValues(path).Observe(d.Seconds())
}

// RemoteFailure records a failed remote attempt
func (m *Metrics) RemoteFailure(reason string) {
	if m == nil {
		return
	}
	m.remoteFailures.WithLabelValues(reason).Inc()
}

// Rejected records a batch that failed validation
func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

// RegisterStore exposes the fallback store sizes. Values are read from
// store.Stats at scrape time.
func RegisterStore(registry *prometheus.Registry, store *storage.Store) {
	gauge := func(name, help string, value func(storage.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(store.Stats()) })
	}

	registry.MustRegister(
		gauge("keys", "Scalar keys held by the fallback store",
			func(s storage.Stats) float64 { return float64(s.Keys) }),
		gauge("sorted_sets", "Sorted sets held by the fallback store",
			func(s storage.Stats) float64 { return float64(s.SortedSets) }),
		gauge("sorted_set_members", "Members across all fallback sorted sets",
			func(s storage.Stats) float64 { return float64(s.ZSetMembers) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "pruned_members_total",
			Help:      "Sorted-set members dropped by the size cap",
		}, func() float64 { return float64(store.Stats().PrunedMembers) }),
	)
}

// Handler serves the registry at /metrics
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
