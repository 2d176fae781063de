// Package metrics holds the prometheus collectors shared by the session
// coordinator and the order poller. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storefront_session"

type Metrics struct {
	Logins          *prometheus.CounterVec
	Refreshes       *prometheus.CounterVec
	RefreshWaiters  prometheus.Counter
	Lookups         *prometheus.CounterVec
	PollOutcomes    *prometheus.CounterVec
	ActivePolls     prometheus.Gauge
	RefreshDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg. A nil reg skips
// registration, which keeps parallel tests from colliding.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Token refresh network calls by result.",
		}, []string{"result"}),
		RefreshWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_shared_total",
			Help:      "Callers that joined an already in-flight refresh.",
		}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_lookups_total",
			Help:      "Order status lookups by result.",
		}, []string{"result"}),
		PollOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_polls_total",
			Help:      "Finished order polls by terminal state.",
		}, []string{"state"}),
		ActivePolls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "order_polls_active",
			Help:      "Order polls currently running.",
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of token refresh calls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Logins,
			m.Refreshes,
			m.RefreshWaiters,
			m.Lookups,
			m.PollOutcomes,
			m.ActivePolls,
			m.RefreshDuration,
		)
	}
	return m
}

func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(result).Inc()
}

func (m *Metrics) Refresh(result string, seconds float64) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(result).Inc()
	m.RefreshDuration.Observe(seconds)
}

func (m *Metrics) SharedRefresh() {
	if m == nil {
		return
	}
	m.RefreshWaiters.Inc()
}

func (m *Metrics) Lookup(result string) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) PollStarted() {
	if m == nil {
		return
	}
	m.ActivePolls.Inc()
}

func (m *Metrics) PollFinished(state string) {
	if m == nil {
		return
	}
	m.ActivePolls.Dec()
	if state != "" {
		m.PollOutcomes.WithLabelValues(state).Inc()
	}
}
