// Package telemetry provides the bot's metrics counters and optional
// OTLP trace export. Counters are fire-and-forget: nothing here blocks
// or affects pipeline outcomes.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records pipeline activity. Prometheus counters feed /metrics;
// the mirrored in-memory totals feed /status and periodic snapshots.
// Safe for concurrent use.
type Metrics struct {
	apiCalls       *prometheus.CounterVec
	apiErrors      *prometheus.CounterVec
	rateLimited    prometheus.Counter
	gateRejections *prometheus.CounterVec
	lockContention prometheus.Counter
	processed      prometheus.Counter

	mu             sync.Mutex
	callCounts     map[string]int64
	errorCounts    map[string]int64
	limitedBy      map[string]int64 // rate-limit hits per user id
	processedCount int64
	contentionHits int64
}

// New builds a Metrics recorder registered on reg.
// Pass a fresh registry in tests; nil falls back to the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		apiCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kea",
			Name:      "api_calls_total",
			Help:      "External API calls by capability kind",
		}, []string{"kind"}),
		apiErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kea",
			Name:      "api_errors_total",
			Help:      "External API failures by capability kind",
		}, []string{"kind"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kea",
			Name:      "rate_limited_total",
			Help:      "Messages rejected by the rate limiter",
		}),
		gateRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kea",
			Name:      "gate_rejections_total",
			Help:      "Messages dropped by the ingestion gate by reason",
		}, []string{"reason"}),
		lockContention: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kea",
			Name:      "lock_contention_total",
			Help:      "Messages dropped because their channel was busy",
		}),
		processed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kea",
			Name:      "messages_processed_total",
			Help:      "Messages that completed the pipeline",
		}),
		callCounts:  make(map[string]int64),
		errorCounts: make(map[string]int64),
		limitedBy:   make(map[string]int64),
	}
}

// TrackAPICall records one external call of the given kind.
func (m *Metrics) TrackAPICall(kind string) {
	m.apiCalls.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.callCounts[kind]++
	m.mu.Unlock()
}

// TrackError records one failed external call of the given kind.
func (m *Metrics) TrackError(kind string) {
	m.apiErrors.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.errorCounts[kind]++
	m.mu.Unlock()
}

// TrackRateLimit records a rate-limit rejection for a user. The user id
// stays out of the prometheus label set (unbounded cardinality) and is
// kept in the in-memory tally for snapshots instead.
func (m *Metrics) TrackRateLimit(userID string) {
	m.rateLimited.Inc()
	m.mu.Lock()
	m.limitedBy[userID]++
	m.mu.Unlock()
}

// TrackGateRejection records a message dropped by the ingestion gate.
func (m *Metrics) TrackGateRejection(reason string) {
	m.gateRejections.WithLabelValues(reason).Inc()
}

// TrackLockContention records a message dropped because its channel was busy.
func (m *Metrics) TrackLockContention() {
	m.lockContention.Inc()
	m.mu.Lock()
	m.contentionHits++
	m.mu.Unlock()
}

// TrackProcessed records a message that reached a terminal pipeline state.
func (m *Metrics) TrackProcessed() {
	m.processed.Inc()
	m.mu.Lock()
	m.processedCount++
	m.mu.Unlock()
}

// Counts is a point-in-time copy of the in-memory tallies.
type Counts struct {
	APICalls       map[string]int64
	APIErrors      map[string]int64
	RateLimited    map[string]int64
	Processed      int64
	LockContention int64
}

// Snapshot returns a copy of the running totals since process start.
func (m *Metrics) Snapshot() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Counts{
		APICalls:       copyCounts(m.callCounts),
		APIErrors:      copyCounts(m.errorCounts),
		RateLimited:    copyCounts(m.limitedBy),
		Processed:      m.processedCount,
		LockContention: m.contentionHits,
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
