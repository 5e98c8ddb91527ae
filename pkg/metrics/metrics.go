// Package metrics exposes prometheus collectors for the widget runtime and the
// demo server. All recording methods are nil-safe so components can run
// without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatwidget"

type Metrics struct {
	registry *prometheus.Registry

	sends           *prometheus.CounterVec
	realtimeEvents  *prometheus.CounterVec
	reconnects      prometheus.Counter
	subscriptionTx  *prometheus.CounterVec
	listeners       prometheus.Gauge
	historyLoads    *prometheus.CounterVec
	rateLimitedPost prometheus.Counter
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Messages sent from the composer, by outcome.",
		}, []string{"outcome"}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Realtime events received, by type and disposition.",
		}, []string{"type", "disposition"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Realtime reconnection attempts.",
		}),
		subscriptionTx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "Subscription status transitions, by target status.",
		}, []string{"status"}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "webchat_listeners",
			Help:      "Open realtime listener connections on the demo server.",
		}),
		historyLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_loads_total",
			Help:      "Timeline history loads, by outcome.",
		}, []string{"outcome"}),
		rateLimitedPost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webchat_rate_limited_total",
			Help:      "Message creations rejected by the per-user limiter.",
		}),
	}
	reg.MustRegister(m.sends, m.realtimeEvents, m.reconnects, m.subscriptionTx, m.listeners, m.historyLoads, m.rateLimitedPost)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Send(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RealtimeEvent(eventType string, disposition string) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(eventType, disposition).Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SubscriptionStatus(status string) {
	if m == nil {
		return
	}
	m.subscriptionTx.WithLabelValues(status).Inc()
}

func (m *Metrics) HistoryLoad(outcome string) {
	if m == nil {
		return
	}
	m.historyLoads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ListenerAdded() {
	if m == nil {
		return
	}
	m.listeners.Inc()
}

func (m *Metrics) ListenerRemoved() {
	if m == nil {
		return
	}
	m.listeners.Dec()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedPost.Inc()
}
