package metrics

import (
	"net/http"

	"github.com/igolaizola/txt2vid/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are kept in their own registry so several servers can coexist in
// the same process.
type Metrics struct {
	registry *prometheus.Registry
	resolved *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates the metrics. The functions report the current number of
// sessions and live resources when scraped.
func New(sessions, resources func() int) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		resolved: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "txt2vid_generations_total",
				Help: "Total number of resolved generations, partitioned by status.",
			},
			[]string{"status"},
		),
		duration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "txt2vid_generation_duration_seconds",
				Help:    "Time from submission to resolution of a generation.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
	}
	promauto.With(registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "txt2vid_sessions",
			Help: "Number of open browser sessions.",
		},
		func() float64 { return float64(sessions()) },
	)
	promauto.With(registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "txt2vid_live_resources",
			Help: "Number of generated videos not yet released.",
		},
		func() float64 { return float64(resources()) },
	)
	return m
}

// Observe records a resolved state.
func (m *Metrics) Observe(st session.State) {
	status := st.Status.String()
	m.resolved.WithLabelValues(status).Inc()
	if !st.SubmittedAt.IsZero() && st.UpdatedAt.After(st.SubmittedAt) {
		m.duration.WithLabelValues(status).Observe(st.UpdatedAt.Sub(st.SubmittedAt).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
