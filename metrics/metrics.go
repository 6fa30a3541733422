// Package metrics exposes the front end's Prometheus instrumentation:
// per-transport/rcode query counts, the live pending-query gauge, a
// unified drop counter for the three ways a query can be turned away
// before reaching the resolver, and the handful of operational counters
// covering TCP accept backpressure and trust-anchor updates (spec.md §4.2
// pending_query_cnt, §4.8 blocklist, §9 Design Notes on the ambient
// operational surface a network-facing daemon needs).
package metrics

import (
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons a query is dropped before it ever reaches the resolver, the
// label values for Dropped.
const (
	ReasonACL       = "acl"
	ReasonRateLimit = "ratelimit"
	ReasonGuard     = "guard"
)

// Metrics holds the front end's registered collectors.
type Metrics struct {
	Queries            *prometheus.CounterVec
	Pending            prometheus.Gauge
	Blocked            prometheus.Counter
	Dropped            *prometheus.CounterVec
	TCPSessions        prometheus.Gauge
	TCPAcceptBackoff   prometheus.Counter
	TrustAnchorChanges prometheus.Counter
}

// New builds and registers the front end's collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across package-level New calls.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontend_queries_total",
				Help: "DNS queries answered, by transport and rcode.",
			},
			[]string{"transport", "rcode"},
		),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frontend_pending_queries",
			Help: "Queries currently awaiting an answer from the resolver.",
		}),
		Blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frontend_blocked_total",
			Help: "Queries refused because the name is on the blocklist.",
		}),
		Dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontend_dropped_total",
				Help: "Queries dropped before an answer was attempted, by reason.",
			},
			[]string{"reason"},
		),
		TCPSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frontend_tcp_sessions",
			Help: "TCP client sessions currently open.",
		}),
		TCPAcceptBackoff: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frontend_tcp_accept_backoff_total",
			Help: "Times the TCP accept loop backed off because in-flight fd usage hit the reserve.",
		}),
		TrustAnchorChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frontend_trust_anchor_changes_total",
			Help: "Times the trust anchor set changed and was persisted and looped back to the resolver.",
		}),
	}

	reg.MustRegister(m.Queries, m.Pending, m.Blocked, m.Dropped, m.TCPSessions,
		m.TCPAcceptBackoff, m.TrustAnchorChanges)
	return m
}

// ObserveAnswer records one completed query by the transport it arrived
// on and the rcode the client was ultimately given.
func (m *Metrics) ObserveAnswer(transport string, rcode int) {
	m.Queries.With(prometheus.Labels{
		"transport": transport,
		"rcode":     dns.RcodeToString[rcode],
	}).Inc()
}

// Drop increments the unified drop counter for reason (ReasonACL,
// ReasonRateLimit, or ReasonGuard for wire-level and malformed-packet
// rejections).
func (m *Metrics) Drop(reason string) {
	m.Dropped.WithLabelValues(reason).Inc()
}
