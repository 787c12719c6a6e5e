package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	challengeMetricsOnce sync.Once
	challengeRegistry    *ChallengeMetrics

	claimMetricsOnce sync.Once
	claimRegistry    *ClaimMetrics

	balanceMetricsOnce sync.Once
	balanceRegistry    *BalanceMetrics
)

// HTTP returns the lazily-initialised registry used to record HTTP handler
// activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "grantledger",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method, and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "grantledger",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "grantledger",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "grantledger",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an HTTP request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied reason.
// Reasons should be stable strings such as "rate_limit" so dashboards and
// alerts remain consistent.
func (m *httpMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// ChallengeMetrics captures challenge issuance and verification activity.
type ChallengeMetrics struct {
	issued        *prometheus.CounterVec
	verifications *prometheus.CounterVec
}

// Challenges returns the singleton metrics registry for the challenge issuer.
func Challenges() *ChallengeMetrics {
	challengeMetricsOnce.Do(func() {
		challengeRegistry = &ChallengeMetrics{
			issued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "grantledger",
				Subsystem: "challenge",
				Name:      "issued_total",
				Help:      "Count of issued challenges segmented by kind.",
			}, []string{"kind"}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "grantledger",
				Subsystem: "challenge",
				Name:      "verifications_total",
				Help:      "Count of challenge verifications segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
		}
		prometheus.MustRegister(challengeRegistry.issued, challengeRegistry.verifications)
	})
	return challengeRegistry
}

// RecordIssued increments the issuance counter for a challenge kind
// ("nonce" or "captcha").
func (m *ChallengeMetrics) RecordIssued(kind string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(normalizeLabel(kind)).Inc()
}

// RecordVerification records a verification attempt and its outcome.
func (m *ChallengeMetrics) RecordVerification(kind, outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

// ClaimMetrics captures claim engine activity.
type ClaimMetrics struct {
	claims  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// Claims returns the singleton metrics registry for the claim engine.
func Claims() *ClaimMetrics {
	claimMetricsOnce.Do(func() {
		claimRegistry = &ClaimMetrics{
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "grantledger",
				Subsystem: "claim",
				Name:      "attempts_total",
				Help:      "Count of claim attempts segmented by path, grant type, and outcome.",
			}, []string{"path", "type", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "grantledger",
				Subsystem: "claim",
				Name:      "duration_seconds",
				Help:      "Latency distribution for claim execution.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"path"}),
		}
		prometheus.MustRegister(claimRegistry.claims, claimRegistry.latency)
	})
	return claimRegistry
}

// Record notes one claim attempt. The type label is the promotion type when
// known and "unknown" otherwise.
func (m *ClaimMetrics) Record(path, typ, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(normalizeLabel(path), normalizeLabel(typ), normalizeLabel(outcome)).Inc()
	m.latency.WithLabelValues(normalizeLabel(path)).Observe(duration.Seconds())
}

// BalanceMetrics captures balance ledger activity.
type BalanceMetrics struct {
	reads           *prometheus.CounterVec
	settlementPolls prometheus.Counter
}

// Balances returns the singleton metrics registry for the balance ledger.
func Balances() *BalanceMetrics {
	balanceMetricsOnce.Do(func() {
		balanceRegistry = &BalanceMetrics{
			reads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "grantledger",
				Subsystem: "balance",
				Name:      "reads_total",
				Help:      "Count of balance reads segmented by source.",
			}, []string{"source"}),
			settlementPolls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "grantledger",
				Subsystem: "balance",
				Name:      "settlement_polls_total",
				Help:      "Count of balance reads answered with a settlement-pending retry.",
			}),
		}
		prometheus.MustRegister(balanceRegistry.reads, balanceRegistry.settlementPolls)
	})
	return balanceRegistry
}

// RecordRead notes a balance read and where it was answered from
// ("cache", "computed", or "error").
func (m *BalanceMetrics) RecordRead(source string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(normalizeLabel(source)).Inc()
}

// RecordSettlementPoll notes a read deferred by pending settlement.
func (m *BalanceMetrics) RecordSettlementPoll() {
	if m == nil {
		return
	}
	m.settlementPolls.Inc()
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}
