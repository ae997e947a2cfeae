package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler metrics
	RunqueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corofiber_scheduler_runqueue_depth",
			Help: "Current number of tasks waiting in the scheduler runqueue",
		},
		[]string{"scheduler"},
	)

	ActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corofiber_scheduler_active_workers",
			Help: "Current number of workers executing a task",
		},
		[]string{"scheduler"},
	)

	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corofiber_tasks_submitted_total",
			Help: "Total number of tasks submitted to a scheduler",
		},
		[]string{"scheduler"},
	)

	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corofiber_tasks_failed_total",
			Help: "Total number of tasks that ended in the FAILED state",
		},
		[]string{"scheduler"},
	)

	// Timer metrics
	TimersArmed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corofiber_timers_armed",
			Help: "Current number of timers pending in the timer wheel",
		},
	)

	TimersFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "corofiber_timers_fired_total",
			Help: "Total number of timer callbacks harvested",
		},
	)

	// Poller metrics
	PollerArmedFds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corofiber_poller_armed_fds",
			Help: "Current number of file descriptors with an armed direction",
		},
	)

	PollerPendingEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corofiber_poller_pending_events",
			Help: "Current value of the poller's pending-event counter",
		},
	)

	PollerWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corofiber_poller_wait_seconds",
			Help:    "Duration the idle task blocked in the readiness demultiplexer",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)

	// RPC metrics
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corofiber_rpc_calls_total",
			Help: "Total number of RPC client calls by outcome",
		},
		[]string{"method", "code"},
	)

	RPCCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corofiber_rpc_call_duration_seconds",
			Help:    "RPC call round-trip duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
		[]string{"method"},
	)

	RPCServerMethods = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corofiber_rpc_server_dispatch_total",
			Help: "Total number of server-side method dispatches by outcome",
		},
		[]string{"method", "code"},
	)

	RPCConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corofiber_rpc_server_connections",
			Help: "Current number of accepted RPC connections",
		},
	)

	RegistryProviders = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corofiber_rpc_registry_providers",
			Help: "Current number of registered providers per service",
		},
		[]string{"service"},
	)

	RegistrySubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corofiber_rpc_registry_subscriptions",
			Help: "Current number of live topic subscriptions held by the registry",
		},
	)

	PublishFanout = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corofiber_rpc_publish_fanout_total",
			Help: "Total number of publish deliveries to subscribed sessions",
		},
		[]string{"topic"},
	)

	AdminConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corofiber_rpc_admin_connections",
			Help: "Current number of connected admin WebSocket viewers",
		},
	)
)

// RecordRPCCall records a client-side call outcome and its latency.
func RecordRPCCall(method, code string, seconds float64) {
	RPCCallsTotal.WithLabelValues(method, code).Inc()
	RPCCallDuration.WithLabelValues(method).Observe(seconds)
}

// RecordDispatch records a server-side method dispatch outcome.
func RecordDispatch(method, code string) {
	RPCServerMethods.WithLabelValues(method, code).Inc()
}

// SetRunqueueDepth updates the runqueue depth gauge for a named scheduler.
func SetRunqueueDepth(scheduler string, depth float64) {
	RunqueueDepth.WithLabelValues(scheduler).Set(depth)
}

// SetActiveWorkers updates the active-worker gauge for a named scheduler.
func SetActiveWorkers(scheduler string, count float64) {
	ActiveWorkers.WithLabelValues(scheduler).Set(count)
}

// RecordTaskSubmission increments the submitted-task counter.
func RecordTaskSubmission(scheduler string) {
	TasksSubmitted.WithLabelValues(scheduler).Inc()
}

// RecordTaskFailure increments the failed-task counter.
func RecordTaskFailure(scheduler string) {
	TasksFailed.WithLabelValues(scheduler).Inc()
}

// SetRegistryProviders updates the provider-count gauge for a service.
func SetRegistryProviders(service string, count float64) {
	RegistryProviders.WithLabelValues(service).Set(count)
}

// RecordPublishFanout increments the publish-fanout counter for a topic.
func RecordPublishFanout(topic string, n int) {
	PublishFanout.WithLabelValues(topic).Add(float64(n))
}
