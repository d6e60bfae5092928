package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Ledger service operations by kind and result.",
	}, []string{"op", "result"})

	ledgerAnchorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_anchor_outcomes_total",
		Help: "Anchoring outcomes of persisted entries.",
	}, []string{"outcome"})

	ledgerAuditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_audit_checks_total",
		Help: "Background chain verifications by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		ledgerRequestsTotal.WithLabelValues(method, path, status).Inc()
		ledgerRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLedgerOp records a ledger service operation. It matches
// ledger.MetricsRecorder.
func RecordLedgerOp(op string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	ledgerOpsTotal.WithLabelValues(op, result).Inc()
}

// RecordAnchor records an anchoring outcome. It matches anchor.MetricsRecorder.
func RecordAnchor(outcome string) {
	ledgerAnchorsTotal.WithLabelValues(outcome).Inc()
}

// RecordAudit records a background chain check. It matches audit.MetricsRecorder.
func RecordAudit(result string) {
	ledgerAuditsTotal.WithLabelValues(result).Inc()
}
