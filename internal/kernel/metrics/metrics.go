// Package metrics exposes the kernel's live execution metrics —
// syscall throughput and latency, scheduler dispatch counts, capability
// denials, and journal append rate — as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the kernel publishes. A single
// Registry is constructed at kernel startup and handed to the syscall
// dispatcher, which is the only component that records against it.
type Registry struct {
	SyscallTotal      *prometheus.CounterVec
	SyscallLatency    *prometheus.HistogramVec
	CapabilityDenials *prometheus.CounterVec
	QuotaExceeded     *prometheus.CounterVec
	SchedulerDispatch *prometheus.CounterVec
	ActiveAgents      prometheus.Gauge
	JournalAppends    prometheus.Counter
	JournalBytes      prometheus.Counter
	AsyncHandles      prometheus.Gauge
	MailboxDepth      *prometheus.GaugeVec
}

// NewRegistry constructs and registers every kernel metric against a
// fresh prometheus.Registry.
func NewRegistry() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		SyscallTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aioscore",
			Subsystem: "kernel",
			Name:      "syscalls_total",
			Help:      "Total syscalls dispatched, labeled by syscall name and outcome kind.",
		}, []string{"syscall", "kind"}),

		SyscallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aioscore",
			Subsystem: "kernel",
			Name:      "syscall_latency_seconds",
			Help:      "Syscall dispatch latency in seconds, labeled by syscall name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"syscall"}),

		CapabilityDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aioscore",
			Subsystem: "kernel",
			Name:      "capability_denials_total",
			Help:      "Syscalls rejected for a capability-token failure, labeled by reason.",
		}, []string{"reason"}),

		QuotaExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aioscore",
			Subsystem: "kernel",
			Name:      "quota_exceeded_total",
			Help:      "Syscalls rejected for exceeding a token's quota, labeled by dimension.",
		}, []string{"dimension"}),

		SchedulerDispatch: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aioscore",
			Subsystem: "kernel",
			Name:      "scheduler_dispatch_total",
			Help:      "Agent dispatches, labeled by CPU and scheduling class.",
		}, []string{"cpu", "class"}),

		ActiveAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aioscore",
			Subsystem: "kernel",
			Name:      "active_agents",
			Help:      "Agents currently in a non-terminal state.",
		}),

		JournalAppends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aioscore",
			Subsystem: "kernel",
			Name:      "journal_appends_total",
			Help:      "Records appended to the event journal.",
		}),

		JournalBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aioscore",
			Subsystem: "kernel",
			Name:      "journal_bytes_total",
			Help:      "Bytes written to the event journal.",
		}),

		AsyncHandles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aioscore",
			Subsystem: "kernel",
			Name:      "async_handles_pending",
			Help:      "Async operation handles not yet collected.",
		}),

		MailboxDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aioscore",
			Subsystem: "kernel",
			Name:      "mailbox_depth",
			Help:      "Current queue depth of a sender/receiver mailbox pair.",
		}, []string{"from", "to"}),
	}

	return r, reg
}

// Handler returns an http.Handler serving reg in the Prometheus
// exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
