package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mqlink",
			Subsystem: "receiver",
			Name:      "frames_total",
			Help:      "Complete frames received, by category.",
		},
		[]string{"category"},
	)
	recordsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mqlink",
			Subsystem: "receiver",
			Name:      "records_total",
			Help:      "Records received, by category.",
		},
		[]string{"category"},
	)
	bytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mqlink",
			Subsystem: "receiver",
			Name:      "bytes_total",
			Help:      "Frame wire bytes received, by category.",
		},
		[]string{"category"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mqlink",
			Subsystem: "receiver",
			Name:      "errors_total",
			Help:      "Receiver errors by kind (decode, malformed, connection, timeout).",
		},
		[]string{"kind"},
	)
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mqlink",
			Subsystem: "receiver",
			Name:      "active_connections",
			Help:      "Connections currently being served.",
		},
	)
	recordsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mqlink",
			Subsystem: "sender",
			Name:      "records_total",
			Help:      "Records sent, by category and outcome.",
		},
		[]string{"category", "success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mqlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status API requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mqlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesReceived, recordsReceived, bytesReceived, frameErrors,
			activeConnections, recordsSent, httpRequests, httpDuration,
		)
	})
}

func RecordFrame(category string, records, bytes int) {
	RegisterMetrics()
	framesReceived.WithLabelValues(category).Inc()
	recordsReceived.WithLabelValues(category).Add(float64(records))
	bytesReceived.WithLabelValues(category).Add(float64(bytes))
}

func RecordReceiveError(kind string) {
	RegisterMetrics()
	frameErrors.WithLabelValues(kind).Inc()
}

func SetActiveConnections(n int64) {
	RegisterMetrics()
	activeConnections.Set(float64(n))
}

func RecordSend(category string, records int, success bool) {
	RegisterMetrics()
	recordsSent.WithLabelValues(category, strconv.FormatBool(success)).Add(float64(records))
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
