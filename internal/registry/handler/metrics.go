package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ansRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ans_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ansRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ans_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ansHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ans_health_checks_total",
		Help: "Total health check probes by result.",
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
			path = c.Request.URL.Path
		}

		ansRequestsTotal.WithLabelValues(method, path, status).Inc()
		ansRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordHealthCheck records a health check probe result.
func RecordHealthCheck(success bool) {
	if success {
		ansHealthChecksTotal.WithLabelValues("success").Inc()
	} else {
		ansHealthChecksTotal.WithLabelValues("failure").Inc()
	}
}
