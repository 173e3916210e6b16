package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across the operator API
// and the host-registry inbound endpoints.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetplane",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// HostStaleTotal is incremented by the reconciler, once per tick, for each
// enabled host whose heartbeat is overdue; it does not mark hosts.
var HostStaleTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetplane",
		Subsystem: "host",
		Name:      "stale_total",
		Help:      "Total number of hosts marked stale due to missed heartbeats.",
	},
)

// LeasesNeverConnectedTotal counts leases the GC moved to TERMINATING for exceeding the connect deadline.
var LeasesNeverConnectedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetplane",
		Subsystem: "lease",
		Name:      "never_connected_total",
		Help:      "Total number of leases that never reached CONNECTING before the connect deadline.",
	},
)

// OrphanVMCleanupTotal counts VMs the reconciler found with no matching lease and tore down.
var OrphanVMCleanupTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetplane",
		Subsystem: "reconciler",
		Name:      "orphan_vm_cleanup_total",
		Help:      "Total number of orphaned VMs cleaned up by the reconciler.",
	},
)

// RetryExhaustedTotal counts leases that exhausted their termination retry budget.
var RetryExhaustedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetplane",
		Subsystem: "gc",
		Name:      "retry_exhausted_total",
		Help:      "Total number of leases whose retry budget was exhausted, by stage.",
	},
	[]string{"stage"},
)

// QueueToConnectSeconds measures time from lease REQUESTED to CONNECTING.
var QueueToConnectSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fleetplane",
		Subsystem: "lease",
		Name:      "queue_to_connect_seconds",
		Help:      "Seconds from lease creation to the executor establishing its control connection.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 480, 960},
	},
)

// LeasesByState is a gauge reflecting the current count of leases per state,
// refreshed periodically by the reconciler.
var LeasesByState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fleetplane",
		Subsystem: "lease",
		Name:      "by_state",
		Help:      "Current number of leases in each state.",
	},
	[]string{"state"},
)

// ScaleLaunchFailedTotal counts provisioner launch attempts that failed, by label.
var ScaleLaunchFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetplane",
		Subsystem: "scaler",
		Name:      "launch_failed_total",
		Help:      "Total number of failed launch attempts, by label.",
	},
	[]string{"label"},
)

// AuthFailTotal counts rejected host-registry authentication attempts.
var AuthFailTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetplane",
		Subsystem: "hostregistry",
		Name:      "auth_fail_total",
		Help:      "Total number of rejected host-registry authentication attempts, by reason.",
	},
	[]string{"reason"},
)

// LeaseTerminateRetryTotal counts the GC's retried teardowns of TERMINATING leases.
var LeaseTerminateRetryTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetplane",
		Subsystem: "lease",
		Name:      "terminate_retry_total",
		Help:      "Total number of lease termination attempts that had to be retried.",
	},
)

// All returns all fleetplane-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HostStaleTotal,
		LeasesNeverConnectedTotal,
		OrphanVMCleanupTotal,
		RetryExhaustedTotal,
		QueueToConnectSeconds,
		LeasesByState,
		ScaleLaunchFailedTotal,
		AuthFailTotal,
		LeaseTerminateRetryTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
