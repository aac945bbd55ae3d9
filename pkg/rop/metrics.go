package rop

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics carries the gateway's prometheus collectors. A nil *Metrics is
// valid and records nothing, which keeps tests quiet.
type Metrics struct {
	PutMessages *prometheus.CounterVec
	PutBytes    *prometheus.CounterVec
	PullFound   *prometheus.CounterVec
	PullMiss    *prometheus.CounterVec
	DLQMessages *prometheus.CounterVec
	HoldParked  prometheus.Counter
	HoldWoken   prometheus.Counter

	// ServeLatency observes store-timestamp to serve-time latency, read
	// from the fixed storeTimestamp frame position.
	ServeLatency prometheus.Histogram
}

// NewMetrics builds and registers the gateway collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PutMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rockgate", Name: "put_messages_total",
			Help: "Messages published per topic.",
		}, []string{"topic"}),
		PutBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rockgate", Name: "put_bytes_total",
			Help: "Body bytes published per topic.",
		}, []string{"topic"}),
		PullFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rockgate", Name: "pull_found_total",
			Help: "Pulls answered with messages, per topic.",
		}, []string{"topic"}),
		PullMiss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rockgate", Name: "pull_miss_total",
			Help: "Pulls answered empty, per topic.",
		}, []string{"topic"}),
		DLQMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rockgate", Name: "dlq_messages_total",
			Help: "Messages escalated to a dead-letter topic, per group.",
		}, []string{"group"}),
		HoldParked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rockgate", Name: "hold_parked_total",
			Help: "Pull requests parked for long polling.",
		}),
		HoldWoken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rockgate", Name: "hold_woken_total",
			Help: "Parked pulls woken by message arrival.",
		}),
		ServeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rockgate", Name: "serve_latency_seconds",
			Help:    "Store timestamp to serve time.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	reg.MustRegister(m.PutMessages, m.PutBytes, m.PullFound, m.PullMiss,
		m.DLQMessages, m.HoldParked, m.HoldWoken, m.ServeLatency)
	return m
}

func (m *Metrics) addPut(topic string, n, bytes int) {
	if m == nil {
		return
	}
	m.PutMessages.WithLabelValues(topic).Add(float64(n))
	m.PutBytes.WithLabelValues(topic).Add(float64(bytes))
}

func (m *Metrics) addPull(topic string, found bool) {
	if m == nil {
		return
	}
	if found {
		m.PullFound.WithLabelValues(topic).Inc()
	} else {
		m.PullMiss.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) addDLQ(group string) {
	if m == nil {
		return
	}
	m.DLQMessages.WithLabelValues(group).Inc()
}

func (m *Metrics) addHold(woken bool) {
	if m == nil {
		return
	}
	if woken {
		m.HoldWoken.Inc()
	} else {
		m.HoldParked.Inc()
	}
}

func (m *Metrics) observeServeLatency(seconds float64) {
	if m == nil || seconds < 0 {
		return
	}
	m.ServeLatency.Observe(seconds)
}
