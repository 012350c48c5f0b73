package handlers

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// relayMetrics holds the collectors of the chat relay. Each Main owns its registry.
type relayMetrics struct {
	registry  *prometheus.Registry
	turns     *prometheus.CounterVec
	fragments prometheus.Counter
	duration  *prometheus.HistogramVec
}

func newRelayMetrics() relayMetrics {
	m := relayMetrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatrelay",
				Subsystem: "relay",
				Name:      "turns_total",
				Help:      "Total number of chat turns by final state",
			},
			[]string{"state"},
		),
		fragments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chatrelay",
				Subsystem: "relay",
				Name:      "fragments_total",
				Help:      "Total number of fragments forwarded to clients",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "chatrelay",
				Subsystem: "relay",
				Name:      "turn_duration_seconds",
				Help:      "Duration of chat turns by final state",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"state"},
		),
	}
	m.registry.MustRegister(
		m.turns,
		m.fragments,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m relayMetrics) observeTurn(state relayState, fragments int, d time.Duration) {
	m.turns.WithLabelValues(string(state)).Inc()
	m.fragments.Add(float64(fragments))
	m.duration.WithLabelValues(string(state)).Observe(d.Seconds())
}

func (m relayMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
