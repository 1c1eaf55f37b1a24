package observability

import (
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	saleOpsOnce     sync.Once
	saleOpsRegistry *SaleOpsMetrics

	adminHTTPOnce     sync.Once
	adminHTTPRegistry *AdminHTTPMetrics
)

// SaleOpsMetrics wraps collectors tracking sale lifecycle operations.
type SaleOpsMetrics struct {
	operations   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	txFailures   *prometheus.CounterVec
	inflight     *prometheus.GaugeVec
	deposit      prometheus.Histogram
}

// SaleOps exposes the metrics registry for the sale orchestrator.
func SaleOps() *SaleOpsMetrics {
	saleOpsOnce.Do(func() {
		saleOpsRegistry = &SaleOpsMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokensale",
				Subsystem: "saled",
				Name:      "operations_total",
				Help:      "Count of lifecycle operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tokensale",
				Subsystem: "saled",
				Name:      "step_duration_seconds",
				Help:      "Time from submission to required confirmation depth per sub-step.",
				Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120, 300, 600},
			}, []string{"op", "step"}),
			txFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokensale",
				Subsystem: "saled",
				Name:      "tx_failures_total",
				Help:      "Count of sub-step failures segmented by operation, step and reason.",
			}, []string{"op", "step", "reason"}),
			inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "tokensale",
				Subsystem: "saled",
				Name:      "inflight_operations",
				Help:      "Lifecycle operations currently waiting on the chain.",
			}, []string{"op"}),
			deposit: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "tokensale",
				Subsystem: "saled",
				Name:      "deposit_tokens",
				Help:      "Confirmed sale deposits in whole tokens.",
				Buckets:   prometheus.ExponentialBuckets(1, 10, 12),
			}),
		}
		prometheus.MustRegister(
			saleOpsRegistry.operations,
			saleOpsRegistry.stepDuration,
			saleOpsRegistry.txFailures,
			saleOpsRegistry.inflight,
			saleOpsRegistry.deposit,
		)
	})
	return saleOpsRegistry
}

// RecordOperation increments the operation counter for outcome.
func (m *SaleOpsMetrics) RecordOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(labelValue(op), labelValue(outcome)).Inc()
}

// ObserveStep records how long a sub-step took to reach its confirmation depth.
func (m *SaleOpsMetrics) ObserveStep(op, step string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(labelValue(op), labelValue(step)).Observe(d.Seconds())
}

// RecordTxFailure increments the failure counter for a sub-step.
func (m *SaleOpsMetrics) RecordTxFailure(op, step, reason string) {
	if m == nil {
		return
	}
	m.txFailures.WithLabelValues(labelValue(op), labelValue(step), labelValue(reason)).Inc()
}

// TrackInflight raises the inflight gauge for op and returns the function
// lowering it again.
func (m *SaleOpsMetrics) TrackInflight(op string) func() {
	if m == nil {
		return func() {}
	}
	gauge := m.inflight.WithLabelValues(labelValue(op))
	gauge.Inc()
	return gauge.Dec
}

// RecordDeposit observes a confirmed deposit in whole tokens. Slot ids are
// caller chosen so they are kept out of the labels.
func (m *SaleOpsMetrics) RecordDeposit(amount *big.Int, decimals int) {
	if m == nil {
		return
	}
	whole := bigToFloat(amount)
	if decimals > 0 {
		whole /= math.Pow10(decimals)
	}
	m.deposit.Observe(whole)
}

// AdminHTTPMetrics tracks the operator admin API.
type AdminHTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	rejected *prometheus.CounterVec
}

// AdminHTTP exposes the metrics registry for the admin API.
func AdminHTTP() *AdminHTTPMetrics {
	adminHTTPOnce.Do(func() {
		adminHTTPRegistry = &AdminHTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokensale",
				Subsystem: "admin",
				Name:      "requests_total",
				Help:      "Count of admin API requests by route and status code.",
			}, []string{"route", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tokensale",
				Subsystem: "admin",
				Name:      "request_duration_seconds",
				Help:      "Admin API request latency by route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokensale",
				Subsystem: "admin",
				Name:      "rejected_total",
				Help:      "Requests rejected before reaching the orchestrator.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			adminHTTPRegistry.requests,
			adminHTTPRegistry.latency,
			adminHTTPRegistry.rejected,
		)
	})
	return adminHTTPRegistry
}

// Observe records the outcome of a request.
func (m *AdminHTTPMetrics) Observe(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	route = labelValue(route)
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(route).Observe(d.Seconds())
}

// RecordRejected increments the rejection counter.
func (m *AdminHTTPMetrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(labelValue(reason)).Inc()
}

func labelValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unspecified"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
