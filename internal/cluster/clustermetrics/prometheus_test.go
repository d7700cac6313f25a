package clustermetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInitPrometheus_RegistersOnce(t *testing.T) {
	InitPrometheus()
	InitPrometheus() // must not panic on double registration

	ProbeOutcomesTotal.WithLabelValues("node-a", "success").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(ProbeOutcomesTotal.WithLabelValues("node-a", "success")))
}

func TestObserveStatus_OneHotPerNode(t *testing.T) {
	ObserveStatus("node-b", "healthy")
	assert.Equal(t, float64(1), testutil.ToFloat64(NodeStatusGauge.WithLabelValues("node-b", "healthy")))
	assert.Equal(t, float64(0), testutil.ToFloat64(NodeStatusGauge.WithLabelValues("node-b", "unhealthy")))

	ObserveStatus("node-b", "unhealthy")
	assert.Equal(t, float64(0), testutil.ToFloat64(NodeStatusGauge.WithLabelValues("node-b", "healthy")))
	assert.Equal(t, float64(1), testutil.ToFloat64(NodeStatusGauge.WithLabelValues("node-b", "unhealthy")))
}
