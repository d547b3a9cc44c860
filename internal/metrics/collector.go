package recoverymetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "ctdbgo"
	subsystem = "recovery"
)

// Label names for recovery metrics.
const (
	labelReason = "reason"
	labelPhase  = "phase"
	labelOp     = "operation"
)

// RecoveryPhases lists the recovery engine's phases in order, matching the
// R1-R8 sequence driven by internal/recovery.
var RecoveryPhases = []string{"R1", "R2", "R3", "R4", "R5", "R6", "R7", "R8"}

// -------------------------------------------------------------------------
// Collector — Prometheus Recovery Metrics
// -------------------------------------------------------------------------

// Collector holds all recovery controller Prometheus metrics.
//
//   - RecoveriesTotal counts full recovery runs, labeled by the trigger
//     reason observed by the control loop.
//   - PhaseDuration histograms track how long each R1-R8 phase takes.
//   - RPCFailuresTotal counts control RPC failures per operation.
//   - ActiveNodes and Generation are point-in-time gauges reflecting the
//     control loop's last-observed cluster state.
type Collector struct {
	// RecoveriesTotal counts recovery runs triggered, labeled by reason
	// (nodemap-mismatch, vnnmap-size, vnnmap-membership, vnnmap-content,
	// forced).
	RecoveriesTotal *prometheus.CounterVec

	// PhaseDuration records the wall-clock duration of each recovery
	// phase (R1-R8), labeled by phase name.
	PhaseDuration *prometheus.HistogramVec

	// RPCFailuresTotal counts control RPC failures per operation
	// (get_nodemap, get_vnnmap, set_vnnmap, set_recmode, copy_db, ...).
	RPCFailuresTotal *prometheus.CounterVec

	// ActiveNodes is the number of CONNECTED nodes observed on the most
	// recent control loop tick.
	ActiveNodes prometheus.Gauge

	// Generation is the routing map generation last observed or produced
	// by this node.
	Generation prometheus.Gauge
}

// NewCollector creates a Collector with all recovery metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.RecoveriesTotal,
		c.PhaseDuration,
		c.RPCFailuresTotal,
		c.ActiveNodes,
		c.Generation,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		RecoveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recoveries_total",
			Help:      "Total recovery runs triggered, labeled by the consistency check that failed.",
		}, []string{labelReason}),

		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of each recovery phase (R1-R8).",
			Buckets:   prometheus.DefBuckets,
		}, []string{labelPhase}),

		RPCFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rpc_failures_total",
			Help:      "Total control RPC failures, labeled by operation.",
		}, []string{labelOp}),

		ActiveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_nodes",
			Help:      "Number of CONNECTED nodes observed on the most recent control loop tick.",
		}),

		Generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "generation",
			Help:      "Routing map generation last observed or produced by this node.",
		}),
	}
}

// -------------------------------------------------------------------------
// Recovery Lifecycle
// -------------------------------------------------------------------------

// RecordRecovery increments the recoveries counter for the given trigger
// reason. Called once per do_recovery invocation.
func (c *Collector) RecordRecovery(reason string) {
	c.RecoveriesTotal.WithLabelValues(reason).Inc()
}

// ObservePhaseDuration records how long a recovery phase took to complete.
func (c *Collector) ObservePhaseDuration(phase string, seconds float64) {
	c.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// -------------------------------------------------------------------------
// Control RPCs
// -------------------------------------------------------------------------

// IncRPCFailure increments the RPC failure counter for the given operation.
func (c *Collector) IncRPCFailure(operation string) {
	c.RPCFailuresTotal.WithLabelValues(operation).Inc()
}

// -------------------------------------------------------------------------
// Cluster State Gauges
// -------------------------------------------------------------------------

// SetActiveNodes updates the active node count gauge.
func (c *Collector) SetActiveNodes(n int) {
	c.ActiveNodes.Set(float64(n))
}

// SetGeneration updates the current generation gauge.
func (c *Collector) SetGeneration(generation uint32) {
	c.Generation.Set(float64(generation))
}
