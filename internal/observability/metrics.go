package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratslink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"station", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ratslink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"station", "method", "path", "status"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratslink",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames moved across the link, by direction.",
		},
		[]string{"port", "direction"},
	)
	wireBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratslink",
			Subsystem: "transport",
			Name:      "wire_bytes_total",
			Help:      "Encoded bytes moved across the link, by direction.",
		},
		[]string{"port", "direction"},
	)
	brokenBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratslink",
			Subsystem: "transport",
			Name:      "broken_blocks_total",
			Help:      "Delimited blocks that failed to decode.",
		},
		[]string{"port"},
	)
	warmups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratslink",
			Subsystem: "transport",
			Name:      "warmups_total",
			Help:      "Warm-up frames transmitted.",
		},
		[]string{"port"},
	)
	sentences = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratslink",
			Subsystem: "transport",
			Name:      "sentences_total",
			Help:      "Plain-text GPS sentences forwarded as chat frames.",
		},
		[]string{"port", "kind"},
	)
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratslink",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session lifecycle events.",
		},
		[]string{"reason"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ratslink",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently registered, including control.",
		},
	)
	sessionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratslink",
			Subsystem: "session",
			Name:      "retries_total",
			Help:      "Blocks retransmitted or ack requests repeated.",
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			frames, wireBytes, brokenBlocks, warmups, sentences,
			sessionEvents, sessionsActive, sessionRetries,
		)
	})
}

func RecordHTTPRequest(station, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(station, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(station, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrame counts one frame; direction is "in" or "out".
func RecordFrame(port, direction string, size int) {
	RegisterMetrics()
	frames.WithLabelValues(port, direction).Inc()
	wireBytes.WithLabelValues(port, direction).Add(float64(size))
}

func RecordBrokenBlock(port string) {
	RegisterMetrics()
	brokenBlocks.WithLabelValues(port).Inc()
}

func RecordWarmup(port string) {
	RegisterMetrics()
	warmups.WithLabelValues(port).Inc()
}

func RecordSentence(port, kind string) {
	RegisterMetrics()
	sentences.WithLabelValues(port, kind).Inc()
}

func RecordSessionEvent(reason string) {
	RegisterMetrics()
	sessionEvents.WithLabelValues(reason).Inc()
}

func SetActiveSessions(n int) {
	RegisterMetrics()
	sessionsActive.Set(float64(n))
}

func RecordRetry(kind string, n int) {
	RegisterMetrics()
	sessionRetries.WithLabelValues(kind).Add(float64(n))
}
