// Package metrics exposes Prometheus collectors for the mesh core and
// the HTTP server that serves them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_messages_sent_total",
			Help: "Total number of messages sent, by message type",
		},
		[]string{"type"},
	)

	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_messages_received_total",
			Help: "Total number of messages received, by message type",
		},
		[]string{"type"},
	)

	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_messages_dropped_total",
			Help: "Total number of inbound messages dropped, by reason",
		},
		[]string{"reason"},
	)

	handlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_handler_errors_total",
			Help: "Total number of capability handler failures",
		},
		[]string{"capability"},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmesh_handler_duration_seconds",
			Help:    "Capability handler execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	tasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmesh_tasks_dispatched_total",
			Help: "Total number of workflow tasks dispatched to agents",
		},
	)

	taskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmesh_task_retries_total",
			Help: "Total number of task dispatch retries",
		},
	)

	workflowsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_workflows_finished_total",
			Help: "Total number of workflows reaching a terminal state, by status",
		},
		[]string{"status"},
	)
)

// Init registers all collectors with the default registry. Call once at
// process startup.
func Init() {
	prometheus.MustRegister(
		messagesSent,
		messagesReceived,
		messagesDropped,
		handlerErrors,
		handlerDuration,
		tasksDispatched,
		taskRetries,
		workflowsFinished,
	)
}

// RecordMessageSent increments the sent counter.
func RecordMessageSent(msgType string) {
	messagesSent.WithLabelValues(msgType).Inc()
}

// RecordMessageReceived increments the received counter.
func RecordMessageReceived(msgType string) {
	messagesReceived.WithLabelValues(msgType).Inc()
}

// RecordMessageDropped increments the dropped counter.
func RecordMessageDropped(reason string) {
	messagesDropped.WithLabelValues(reason).Inc()
}

// RecordHandler records one handler invocation.
func RecordHandler(capability string, duration time.Duration, err error) {
	handlerDuration.WithLabelValues(capability).Observe(duration.Seconds())
	if err != nil {
		handlerErrors.WithLabelValues(capability).Inc()
	}
}

// RecordTaskDispatched increments the dispatch counter.
func RecordTaskDispatched() {
	tasksDispatched.Inc()
}

// RecordTaskRetry increments the retry counter.
func RecordTaskRetry() {
	taskRetries.Inc()
}

// RecordWorkflowFinished records a workflow reaching a terminal state.
func RecordWorkflowFinished(status string) {
	workflowsFinished.WithLabelValues(status).Inc()
}
