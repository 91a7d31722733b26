// Package metrics provides Prometheus metrics collection for loginguard services
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loginguard"

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)

	httpRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"service"},
	)
)

// Risk evaluation metrics
var (
	riskChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_checks_total",
			Help:      "Risk evaluator sub-check outcomes",
		},
		[]string{"check", "outcome"}, // outcome: positive, negative
	)

	reputationSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reputation_signals_total",
			Help:      "Network reputation signal outcomes",
		},
		[]string{"signal", "outcome"}, // outcome: positive, negative, skipped, error
	)

	providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Requests made to external reputation and geolocation providers",
		},
		[]string{"provider", "outcome"}, // outcome: success, error
	)

	riskEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_evaluation_duration_seconds",
			Help:      "Time spent evaluating a login attempt",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
	)

	loginDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_decisions_total",
			Help:      "Session gate decisions",
		},
		[]string{"decision"}, // allow, flag, block, deny
	)

	cacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total number of cache operations",
		},
		[]string{"operation", "outcome"}, // operation: get, set, delete; outcome: hit, miss, ok, error
	)
)

// Middleware returns a Gin middleware that records HTTP metrics.
// serviceName is used as the "service" label on all metrics.
func Middleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		// Skip metrics endpoint itself to avoid recursion
		if path == "/metrics" {
			c.Next()
			return
		}

		httpRequestsInFlight.WithLabelValues(serviceName).Inc()
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		httpRequestsTotal.WithLabelValues(serviceName, method, path, status).Inc()
		httpRequestDuration.WithLabelValues(serviceName, method, path).Observe(time.Since(start).Seconds())
		httpRequestsInFlight.WithLabelValues(serviceName).Dec()
	}
}

// Handler returns a gin.HandlerFunc that serves Prometheus metrics.
// Register this on the "/metrics" route.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func outcome(positive bool) string {
	if positive {
		return "positive"
	}
	return "negative"
}

// RecordRiskCheck records the outcome of one evaluator sub-check
func RecordRiskCheck(check string, positive bool) {
	riskChecksTotal.WithLabelValues(check, outcome(positive)).Inc()
}

// RecordReputationSignal records a reputation signal result.
// result is one of positive, negative, skipped or error.
func RecordReputationSignal(signal, result string) {
	reputationSignalsTotal.WithLabelValues(signal, result).Inc()
}

// RecordProviderRequest records a call to an external provider
func RecordProviderRequest(provider string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	providerRequestsTotal.WithLabelValues(provider, result).Inc()
}

// ObserveEvaluation records how long a risk evaluation took
func ObserveEvaluation(d time.Duration) {
	riskEvaluationDuration.Observe(d.Seconds())
}

// RecordLoginDecision records a session gate decision
func RecordLoginDecision(decision string) {
	loginDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordCacheOperation records a cache operation
func RecordCacheOperation(operation, outcome string) {
	cacheOperationsTotal.WithLabelValues(operation, outcome).Inc()
}
