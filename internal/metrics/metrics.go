// Package metrics exposes Prometheus collectors for the routing engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	inbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goattend_inbound_messages_total",
			Help: "Inbound citizen messages by channel and outcome.",
		},
		[]string{"channel", "result"},
	)

	botQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goattend_bot_queries_total",
			Help: "Debounced bot queries by outcome.",
		},
		[]string{"result"},
	)

	botLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "goattend_bot_query_duration_seconds",
			Help:    "Latency of bot queries.",
			Buckets: prometheus.DefBuckets,
		},
	)

	closed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goattend_attentions_closed_total",
			Help: "Closed attentions by reason.",
		},
		[]string{"reason"},
	)

	assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goattend_agent_assignments_total",
			Help: "Load balancer picks by outcome.",
		},
		[]string{"result"},
	)

	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goattend_realtime_events_total",
			Help: "Realtime events broadcast to operator consoles.",
		},
		[]string{"event"},
	)

	wsClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "goattend_ws_clients",
			Help: "Connected operator WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(inbound)
	prometheus.MustRegister(botQueries)
	prometheus.MustRegister(botLatency)
	prometheus.MustRegister(closed)
	prometheus.MustRegister(assignments)
	prometheus.MustRegister(events)
	prometheus.MustRegister(wsClients)
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// Inbound counts one ingested message.
func Inbound(channel, result string) { inbound.WithLabelValues(channel, result).Inc() }

// BotQuery records one bot round trip.
func BotQuery(result string, took time.Duration) {
	botQueries.WithLabelValues(result).Inc()
	botLatency.Observe(took.Seconds())
}

// AttentionClosed counts a close by reason ("agent", "inactivity", "verification_timeout", "sweeper").
func AttentionClosed(reason string) { closed.WithLabelValues(reason).Inc() }

// Assignment counts a balancer outcome ("assigned", "no_agent", "error").
func Assignment(result string) { assignments.WithLabelValues(result).Inc() }

// Event counts a realtime broadcast.
func Event(name string) { events.WithLabelValues(name).Inc() }

// ClientConnected adjusts the WebSocket client gauge.
func ClientConnected(delta int) { wsClients.Add(float64(delta)) }

var timerGaugeOnce sync.Once

// RegisterTimerGauge exposes the number of armed timers. Only the first
// call registers; later calls are ignored.
func RegisterTimerGauge(fn func() int) {
	timerGaugeOnce.Do(func() {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "goattend_armed_timers",
				Help: "Armed buffer, verification and inactivity timers.",
			},
			func() float64 { return float64(fn()) },
		))
	})
}
