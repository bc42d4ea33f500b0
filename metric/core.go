package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "activecore"

// Metrics contains the metrics shared by every component and connection
type Metrics struct {
	// Component (scheduler) metrics
	ComponentState *prometheus.GaugeVec
	TasksSubmitted *prometheus.CounterVec
	TasksExecuted  *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
	Parks          *prometheus.CounterVec

	// Network metrics
	ConnectionsAccepted *prometheus.CounterVec
	ConnectionsActive   *prometheus.GaugeVec
	BytesReceived       *prometheus.CounterVec
	BytesSent           *prometheus.CounterVec
	SocketErrors        *prometheus.CounterVec
	MessagesForwarded   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "state",
			Help:      "Component state (0=not started, 1=running, 2=stopped)",
		}, []string{"component"}),
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "tasks_submitted_total",
			Help:      "Total tasks accepted into a component queue",
		}, []string{"component"}),
		TasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "tasks_executed_total",
			Help:      "Total tasks executed by a component",
		}, []string{"component", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "task_duration_seconds",
			Help:      "Time spent executing a task on the owner goroutine",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"component"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "queue_depth",
			Help:      "Tasks waiting in a component queue",
		}, []string{"component"}),
		Parks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "parks_total",
			Help:      "Times the consume loop parked on an empty queue",
		}, []string{"component"}),

		ConnectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "connections_accepted_total",
			Help:      "Total accepted TCP connections",
		}, []string{"server"}),
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "connections_active",
			Help:      "Sessions currently held in the server registry",
		}, []string{"server"}),
		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "bytes_received_total",
			Help:      "Total bytes read from sessions",
		}, []string{"role"}),
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to sessions",
		}, []string{"role"}),
		SocketErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "socket_errors_total",
			Help:      "Socket errors by operation",
		}, []string{"operation"}),
		MessagesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "messages_forwarded_total",
			Help:      "Session chunks published to NATS",
		}, []string{"status"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ComponentState,
		m.TasksSubmitted,
		m.TasksExecuted,
		m.TaskDuration,
		m.QueueDepth,
		m.Parks,
		m.ConnectionsAccepted,
		m.ConnectionsActive,
		m.BytesReceived,
		m.BytesSent,
		m.SocketErrors,
		m.MessagesForwarded,
	}
}

// Record methods are no-ops on a nil *Metrics so callers built without a
// registry need no checks.

// RecordComponentState updates the component state gauge
func (m *Metrics) RecordComponentState(component string, state int) {
	if m == nil {
		return
	}
	m.ComponentState.WithLabelValues(component).Set(float64(state))
}

// RecordTaskSubmitted increments the submitted counter and sets the queue depth
func (m *Metrics) RecordTaskSubmitted(component string, depth int) {
	if m == nil {
		return
	}
	m.TasksSubmitted.WithLabelValues(component).Inc()
	m.QueueDepth.WithLabelValues(component).Set(float64(depth))
}

// RecordTaskExecuted records the outcome and duration of one task
func (m *Metrics) RecordTaskExecuted(component string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TasksExecuted.WithLabelValues(component, status).Inc()
	m.TaskDuration.WithLabelValues(component).Observe(duration.Seconds())
}

// RecordPark increments the park counter and zeroes the queue depth
func (m *Metrics) RecordPark(component string) {
	if m == nil {
		return
	}
	m.Parks.WithLabelValues(component).Inc()
	m.QueueDepth.WithLabelValues(component).Set(0)
}

// RecordAccepted records a newly accepted connection
func (m *Metrics) RecordAccepted(server string, active int) {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.WithLabelValues(server).Inc()
	m.ConnectionsActive.WithLabelValues(server).Set(float64(active))
}

// RecordActive sets the number of registered sessions
func (m *Metrics) RecordActive(server string, active int) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(server).Set(float64(active))
}

// RecordBytesReceived adds n bytes read by a session with the given role
func (m *Metrics) RecordBytesReceived(role string, n int) {
	if m == nil {
		return
	}
	m.BytesReceived.WithLabelValues(role).Add(float64(n))
}

// RecordBytesSent adds n bytes written by a session with the given role
func (m *Metrics) RecordBytesSent(role string, n int) {
	if m == nil {
		return
	}
	m.BytesSent.WithLabelValues(role).Add(float64(n))
}

// RecordSocketError increments the socket error counter
func (m *Metrics) RecordSocketError(operation string) {
	if m == nil {
		return
	}
	m.SocketErrors.WithLabelValues(operation).Inc()
}

// RecordForwarded records one NATS publish attempt
func (m *Metrics) RecordForwarded(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.MessagesForwarded.WithLabelValues(status).Inc()
}
