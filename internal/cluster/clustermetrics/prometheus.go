package clustermetrics

import "github.com/prometheus/client_golang/prometheus"

// These vectors mirror the shape of the teacher's
// internal/adapter/observability HTTP/AI metric vectors
// (CounterVec/HistogramVec/GaugeVec registered once via an InitPrometheus
// call), scoped to the cluster subsystem's own registry entries.
var (
	// ProbeOutcomesTotal counts health/recovery probe outcomes per node.
	ProbeOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_node_probe_outcomes_total",
			Help: "Total number of node health probe outcomes by node and result",
		},
		[]string{"node_id", "outcome"},
	)
	// ProbeLatency records successful probe/request latency by node.
	ProbeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cluster_node_latency_seconds",
			Help:    "Observed latency of successful node requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"node_id"},
	)
	// NodeStatusGauge reports the current status of each tracked node as a
	// one-hot gauge (1 for the active status label, 0 otherwise).
	NodeStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluster_node_status",
			Help: "Current node status (one-hot per status label)",
		},
		[]string{"node_id", "status"},
	)
	// RequestsInFlightGauge reports the current in-flight request count per node.
	RequestsInFlightGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cluster_node_requests_in_flight",
			Help: "Current number of in-flight requests handed to a node",
		},
		[]string{"node_id"},
	)
)

var registerOnce = func() func() {
	registered := false
	return func() {
		if registered {
			return
		}
		registered = true
		prometheus.MustRegister(ProbeOutcomesTotal)
		prometheus.MustRegister(ProbeLatency)
		prometheus.MustRegister(NodeStatusGauge)
		prometheus.MustRegister(RequestsInFlightGauge)
	}
}()

// InitPrometheus registers the cluster subsystem's Prometheus vectors with
// the default registry. Safe to call more than once; only the first call
// registers anything.
func InitPrometheus() {
	registerOnce()
}

// statusLabels lists every status string used by NodeStatusGauge, so a
// transition can zero out the previous label alongside setting the new one.
var statusLabels = []string{"initializing", "healthy", "degraded", "unhealthy", "offline"}

// ObserveStatus sets NodeStatusGauge to one-hot for nodeID's current status
// string, zeroing every other status label for that node.
func ObserveStatus(nodeID, status string) {
	for _, label := range statusLabels {
		v := 0.0
		if label == status {
			v = 1.0
		}
		NodeStatusGauge.WithLabelValues(nodeID, label).Set(v)
	}
}
