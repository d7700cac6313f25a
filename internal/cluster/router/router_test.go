package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusterconfig"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusternode"
)

func snapshot(id clusternode.ID, status clusternode.Status) clusternode.Snapshot {
	return clusternode.Snapshot{ID: id, Status: status}
}

func fleetOf(snaps ...clusternode.Snapshot) clusternode.Fleet {
	return clusternode.Fleet{Nodes: snaps}
}

func routingCfg(ttl time.Duration) clusterconfig.RoutingConfig {
	return clusterconfig.RoutingConfig{SessionTTL: ttl}
}

func TestRouter_RoundRobinCyclesDeterministically(t *testing.T) {
	fleet := fleetOf(
		snapshot("A", clusternode.Healthy),
		snapshot("B", clusternode.Healthy),
		snapshot("C", clusternode.Healthy),
	)
	r := New(NewRoundRobin(), routingCfg(time.Minute), nil, nil)
	defer r.Close()

	got := []clusternode.ID{}
	for i := 0; i < 4; i++ {
		d := r.SelectNode(fleet, RoutingContext{})
		require.NotNil(t, d)
		got = append(got, d.NodeID)
		assert.Equal(t, "round-robin", d.Reason)
		assert.GreaterOrEqual(t, d.Confidence, 0.8)
	}
	assert.Equal(t, []clusternode.ID{"A", "B", "C", "A"}, got)
}

func TestRouter_LeastLoadedTieBreaksFirstPosition(t *testing.T) {
	a := snapshot("A", clusternode.Healthy)
	a.Metrics.RequestsInFlight = 3
	b := snapshot("B", clusternode.Healthy)
	b.Metrics.RequestsInFlight = 3
	c := snapshot("C", clusternode.Healthy)
	c.Metrics.RequestsInFlight = 3
	fleet := fleetOf(a, b, c)

	r := New(NewLeastLoaded(), routingCfg(time.Minute), nil, nil)
	defer r.Close()

	d := r.SelectNode(fleet, RoutingContext{})
	require.NotNil(t, d)
	assert.Equal(t, clusternode.ID("A"), d.NodeID)

	a.Metrics.RequestsInFlight = 2
	fleet = fleetOf(a, b, c)
	d = r.SelectNode(fleet, RoutingContext{})
	require.NotNil(t, d)
	assert.Equal(t, clusternode.ID("A"), d.NodeID)
}

func TestRouter_CacheAwareScoring(t *testing.T) {
	now := time.Now()
	n1 := snapshot("n1", clusternode.Healthy)
	n1.Cache = clusternode.Cache{SystemPromptHash: "H", ToolsHash: "T", LastUpdatedTime: now.Add(-30 * time.Second)}
	n1.Health.ErrorRate = 0
	n1.Metrics.RequestsInFlight = 2

	n2 := snapshot("n2", clusternode.Healthy)
	n2.Cache = clusternode.Cache{SystemPromptHash: "X", ToolsHash: "Y", LastUpdatedTime: now}
	n2.Health.ErrorRate = 0
	n2.Metrics.RequestsInFlight = 2

	fleet := fleetOf(n1, n2)
	r := New(NewCacheAware(routingCfg(time.Minute)), routingCfg(time.Minute), nil, nil)
	defer r.Close()

	d := r.SelectNode(fleet, RoutingContext{SystemPromptHash: "H", ToolsHash: "T"})
	require.NotNil(t, d)
	assert.Equal(t, clusternode.ID("n1"), d.NodeID)
	assert.Equal(t, "cache-hit", d.Reason)
}

func TestRouter_CacheAwareFallsBackToRoundRobinWhenNoScore(t *testing.T) {
	n1 := snapshot("n1", clusternode.Healthy)
	n1.Health.ErrorRate = 1 // zero out the errorRate bonus
	n1.Metrics.RequestsInFlight = 10
	n2 := snapshot("n2", clusternode.Healthy)
	n2.Health.ErrorRate = 1
	n2.Metrics.RequestsInFlight = 10

	fleet := fleetOf(n1, n2)
	r := New(NewCacheAware(routingCfg(time.Minute)), routingCfg(time.Minute), nil, nil)
	defer r.Close()

	d := r.SelectNode(fleet, RoutingContext{SystemPromptHash: "nomatch"})
	require.NotNil(t, d)
	assert.Contains(t, d.Reason, "fallback")
	assert.Less(t, d.Confidence, 0.7)
}

func TestRouter_NoRoutableNodeFiresOnRoutingFailed(t *testing.T) {
	fleet := fleetOf(snapshot("A", clusternode.Offline))
	var fired int
	r := New(NewRoundRobin(), routingCfg(time.Minute), func() { fired++ }, nil)
	defer r.Close()

	d := r.SelectNode(fleet, RoutingContext{})
	assert.Nil(t, d)
	assert.Equal(t, 1, fired)
}

func TestRouter_DegradedNodesAreRoutableButInitializingIsNot(t *testing.T) {
	fleet := fleetOf(
		snapshot("init", clusternode.Initializing),
		snapshot("deg", clusternode.Degraded),
	)
	r := New(NewRoundRobin(), routingCfg(time.Minute), nil, nil)
	defer r.Close()

	d := r.SelectNode(fleet, RoutingContext{})
	require.NotNil(t, d)
	assert.Equal(t, clusternode.ID("deg"), d.NodeID)
}

func TestRouter_StickySessionStaysOnBoundNode(t *testing.T) {
	fleet := fleetOf(snapshot("A", clusternode.Healthy), snapshot("B", clusternode.Healthy))
	r := New(NewRoundRobin(), routingCfg(time.Minute), nil, nil)
	defer r.Close()

	first := r.SelectNodeWithSticky(fleet, RoutingContext{}, "sess-1")
	require.NotNil(t, first)

	for i := 0; i < 3; i++ {
		d := r.SelectNodeWithSticky(fleet, RoutingContext{}, "sess-1")
		require.NotNil(t, d)
		assert.Equal(t, first.NodeID, d.NodeID)
		assert.Equal(t, "sticky", d.Reason)
	}
}

func TestRouter_StickySessionSurvivesNodeLoss(t *testing.T) {
	var expiredReason string
	r := New(NewRoundRobin(), routingCfg(time.Minute), nil, func(sessionID string, nodeID clusternode.ID, reason string) {
		expiredReason = reason
	})
	defer r.Close()

	fleetWithA := fleetOf(snapshot("A", clusternode.Healthy), snapshot("B", clusternode.Healthy))
	first := r.SelectNodeWithSticky(fleetWithA, RoutingContext{}, "sess-1")
	require.NotNil(t, first)
	require.Equal(t, clusternode.ID("A"), first.NodeID)

	fleetAOffline := fleetOf(snapshot("A", clusternode.Offline), snapshot("B", clusternode.Healthy))
	second := r.SelectNodeWithSticky(fleetAOffline, RoutingContext{}, "sess-1")
	require.NotNil(t, second)
	assert.Equal(t, clusternode.ID("B"), second.NodeID)
	assert.NotEqual(t, "sticky", second.Reason)
	assert.Equal(t, "node unavailable", expiredReason)
}

func TestRouter_GetRoutingPlanCollapsesDuplicates(t *testing.T) {
	fleet := fleetOf(snapshot("A", clusternode.Healthy))
	r := New(NewRoundRobin(), routingCfg(time.Minute), nil, nil)
	defer r.Close()

	plan := r.GetRoutingPlan(fleet, []RoutingContext{
		{SystemPromptHash: "H1"},
		{SystemPromptHash: "H1"},
		{SystemPromptHash: "H2"},
	})
	assert.Len(t, plan, 2)
}
