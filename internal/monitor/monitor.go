package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Orchestrator Metrics
var (
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchvoice",
		Subsystem: "orchestrator",
		Name:      "signals_total",
		Help:      "Total number of phase signals handled, by phase",
	}, []string{"phase"})

	SignalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "matchvoice",
		Subsystem: "orchestrator",
		Name:      "signal_latency_seconds",
		Help:      "Latency of handling a single phase signal",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	RoomsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchvoice",
		Subsystem: "orchestrator",
		Name:      "rooms_created_total",
		Help:      "Total number of voice rooms created on the platform",
	})

	RoomsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchvoice",
		Subsystem: "orchestrator",
		Name:      "rooms_closed_total",
		Help:      "Total number of voice rooms torn down",
	})

	GrantFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchvoice",
		Subsystem: "orchestrator",
		Name:      "grant_failures_total",
		Help:      "Total number of permanent access-grant failures (degraded rooms)",
	})
)

// Lock Metrics
var (
	LockBusyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchvoice",
		Subsystem: "lock",
		Name:      "busy_total",
		Help:      "Total number of signals that stood down on a busy match lock",
	})

	LockLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchvoice",
		Subsystem: "lock",
		Name:      "lost_total",
		Help:      "Total number of critical sections aborted after losing the lease",
	})
)

// Sweep Metrics
var (
	SweepReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchvoice",
		Subsystem: "sweep",
		Name:      "reaped_total",
		Help:      "Total number of rooms torn down by the background sweep",
	})

	SweepRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matchvoice",
		Subsystem: "sweep",
		Name:      "repairs_total",
		Help:      "Total number of index/record inconsistencies repaired",
	})
)
