package mcp

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of an SSEServer. A nil *Metrics records nothing, so
// servers built without WithMetrics carry no instrumentation cost.
type Metrics struct {
	activeSessions  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	deliveryErrors  prometheus.Counter
}

// NewMetrics registers the session and command collectors on reg under the given namespace.
//
// Metrics collected:
//   - <namespace>_active_sessions: Gauge of open streams
//   - <namespace>_sessions_total: Counter of accepted subscriptions
//   - <namespace>_commands_total: Counter of commands by method and status
//   - <namespace>_command_duration_seconds: Histogram of command execution time by method and name
//   - <namespace>_delivery_errors_total: Counter of results that could not be written to their stream
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open SSE sessions",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of accepted SSE subscriptions",
		}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands by method and status",
		}, []string{"method", "status"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "name"}),
		deliveryErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_errors_total",
			Help:      "Total number of command results that could not be written to their stream",
		}),
	}
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) commandRejected(method string, err error) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(method, rejectionStatus(err)).Inc()
}

func (m *Metrics) commandDone(cmd Command, env Envelope, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if env.IsError {
		status = "error"
	}
	m.commandsTotal.WithLabelValues(cmd.Method, status).Inc()
	m.commandDuration.WithLabelValues(cmd.Method, cmd.Params.Name).Observe(elapsed.Seconds())
}

func (m *Metrics) deliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryErrors.Inc()
}

func rejectionStatus(err error) string {
	switch {
	case errors.Is(err, ErrMissingSessionID):
		return "missing_session"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionNotReady):
		return "session_not_ready"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMessageTooLarge):
		return "too_large"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid"
	default:
		return "internal"
	}
}
