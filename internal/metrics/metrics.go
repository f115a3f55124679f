// Package metrics exposes Prometheus instruments for both peers.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dstream"

// Roles label which peer recorded a sample.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// Frame outcomes.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusExpired = "expired"
	StatusDropped = "dropped"
	StatusSkipped = "skipped"
)

var (
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each frame stage in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"role", "stage"},
	)

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames handled, by outcome",
		},
		[]string{"role", "status"},
	)

	controlUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_updates_total",
			Help:      "Control messages applied or rejected",
		},
		[]string{"status"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Open websocket sessions",
		},
	)

	allMetrics = []prometheus.Collector{
		stageDuration,
		framesTotal,
		controlUpdatesTotal,
		sessionsActive,
	}
)

func ObserveStage(role, stage string, seconds float64) {
	stageDuration.WithLabelValues(role, stage).Observe(seconds)
}

func RecordFrame(role, status string) {
	framesTotal.WithLabelValues(role, status).Inc()
}

func RecordControlUpdate(status string) {
	controlUpdatesTotal.WithLabelValues(status).Inc()
}

func SessionOpened() { sessionsActive.Inc() }

func SessionClosed() { sessionsActive.Dec() }

var (
	registryOnce sync.Once
	registry     *prometheus.Registry
)

// Registry returns the process-wide registry holding every dstream metric
// plus Go runtime and process collectors.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		for _, c := range allMetrics {
			registry.MustRegister(c)
		}
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
	return registry
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true})
}
