package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values for the side of the protocol recording a metric.
const (
	SideAuthority = "authority"
	SidePeer      = "peer"

	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	registerOnce sync.Once

	protocolMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellsurface",
			Subsystem: "protocol",
			Name:      "messages_total",
			Help:      "Shell protocol messages by side, direction and opcode.",
		},
		[]string{"side", "direction", "op"},
	)
	droppedPayloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellsurface",
			Subsystem: "protocol",
			Name:      "dropped_payloads_total",
			Help:      "Messages dropped because their value payload did not decode.",
		},
		[]string{"side", "op"},
	)
	protocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellsurface",
			Subsystem: "protocol",
			Name:      "violations_total",
			Help:      "Fatal protocol violations by side and error code.",
		},
		[]string{"side", "code"},
	)
	boundSurfaces = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shellsurface",
			Subsystem: "surfaces",
			Name:      "bound",
			Help:      "Shell surfaces currently bound.",
		},
		[]string{"side"},
	)
	signalsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellsurface",
			Subsystem: "protocol",
			Name:      "signals_total",
			Help:      "One-shot signals delivered to local observers.",
		},
		[]string{"side"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellsurface",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shellsurface",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			protocolMessages,
			droppedPayloads,
			protocolViolations,
			boundSurfaces,
			signalsDelivered,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordMessage(side, direction, op string) {
	RegisterMetrics()
	protocolMessages.WithLabelValues(side, direction, op).Inc()
}

func RecordDroppedPayload(side, op string) {
	RegisterMetrics()
	droppedPayloads.WithLabelValues(side, op).Inc()
}

func RecordViolation(side, code string) {
	RegisterMetrics()
	protocolViolations.WithLabelValues(side, code).Inc()
}

func RecordSignal(side string) {
	RegisterMetrics()
	signalsDelivered.WithLabelValues(side).Inc()
}

// SurfaceBound and SurfaceReleased move the bound-surfaces gauge.
func SurfaceBound(side string) {
	RegisterMetrics()
	boundSurfaces.WithLabelValues(side).Inc()
}

func SurfaceReleased(side string) {
	RegisterMetrics()
	boundSurfaces.WithLabelValues(side).Dec()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
