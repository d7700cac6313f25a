// Package manager implements the Cluster Manager from spec.md section 2:
// it wires Discovery, Health, and the Router together, holds the
// authoritative NodeId -> Node map, and exposes the request path's
// contract (selectNode, getNodeTransport, recordSuccess, recordFailure,
// getStatus, shutdown).
package manager

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusterconfig"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustererrors"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusternode"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustertransport"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/discovery"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/health"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/router"
)

// NodeSelection is the outcome of SelectNode: a node identity plus the
// transport the request path should forward the call through, per
// spec.md section 6's Manager API.
type NodeSelection struct {
	NodeID     clusternode.ID
	Reason     string
	Confidence float64
	Transport  *clustertransport.Transport
}

// NodeStatus is the per-node view in Status.Nodes.
type NodeStatus struct {
	ID               clusternode.ID `json:"id"`
	URL              string         `json:"url"`
	Status           string         `json:"status"`
	RequestsInFlight int64          `json:"requestsInFlight"`
	ErrorRate        float64        `json:"errorRate"`
	AvgLatencyMs     float64        `json:"avgLatencyMs"`
}

// Status is the payload returned by GetStatus / served at GET /debug/cluster.
type Status struct {
	Initialized  bool         `json:"initialized"`
	TotalNodes   int          `json:"totalNodes"`
	HealthyNodes int          `json:"healthyNodes"`
	Nodes        []NodeStatus `json:"nodes"`
}

// managedNode is the Manager's private per-node record: the only piece of
// a Node the tracker does not already own. Cache is advisory and updated
// opportunistically by SelectNode, never read by Health.
type managedNode struct {
	url string

	mu    sync.Mutex
	cache clusternode.Cache
}

// Manager is a value with an explicit lifecycle (New, Start, Shutdown),
// never a process-wide singleton (spec.md section 9).
type Manager struct {
	cfg clusterconfig.Config

	health          *health.ClusterHealth
	discoverySource discovery.Source
	router          *router.Router

	mu          sync.Mutex
	nodes       map[clusternode.ID]*managedNode
	initialized bool
}

// New builds a Manager from cfg, wiring the discovery source, the health
// orchestrator, and the router strategy according to cfg. Construction
// errors (e.g. an orchestrator discovery source that cannot reach the
// Kubernetes API) are fatal to startup, per spec.md section 7.
func New(cfg clusterconfig.Config) (*Manager, error) {
	m := &Manager{cfg: cfg, nodes: make(map[clusternode.ID]*managedNode)}

	m.health = health.New(cfg.Health, cfg.Backoff, nil)

	source, err := newDiscoverySource(cfg.Discovery, discovery.Callbacks{
		OnNodeDiscovered: m.handleNodeDiscovered,
		OnNodeLost:       m.handleNodeLost,
	})
	if err != nil {
		return nil, fmt.Errorf("manager: build discovery source: %w", err)
	}
	m.discoverySource = source

	strategy, err := newStrategy(cfg.Routing)
	if err != nil {
		return nil, fmt.Errorf("manager: build routing strategy: %w", err)
	}
	m.router = router.New(strategy, cfg.Routing, nil, nil)

	return m, nil
}

func newDiscoverySource(cfg clusterconfig.DiscoveryConfig, callbacks discovery.Callbacks) (discovery.Source, error) {
	switch cfg.Mode {
	case clusterconfig.DiscoveryStatic:
		return discovery.NewStatic(cfg, callbacks), nil
	case clusterconfig.DiscoveryDNS:
		return discovery.NewDNS(cfg, callbacks), nil
	case clusterconfig.DiscoveryOrchestrator:
		return discovery.NewOrchestrator(cfg, callbacks)
	default:
		return nil, fmt.Errorf("%w: discovery mode %q", clustererrors.ErrInvalidConfig, cfg.Mode)
	}
}

func newStrategy(cfg clusterconfig.RoutingConfig) (router.Strategy, error) {
	switch cfg.Strategy {
	case clusterconfig.StrategyRoundRobin:
		return router.NewRoundRobin(), nil
	case clusterconfig.StrategyLeastLoaded:
		return router.NewLeastLoaded(), nil
	case clusterconfig.StrategyLatency:
		return router.NewLatencyBased(), nil
	case clusterconfig.StrategyCacheAware:
		return router.NewCacheAware(cfg), nil
	default:
		return nil, fmt.Errorf("%w: routing strategy %q", clustererrors.ErrInvalidConfig, cfg.Strategy)
	}
}

// Start starts Health probing and Discovery enumeration. Calling Start
// twice without an intervening Shutdown is a programmer error.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.health.Start(ctx, nil); err != nil {
		return err
	}
	if err := m.discoverySource.Start(ctx); err != nil {
		m.health.Stop()
		return err
	}
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Shutdown stops Discovery, Health, and the Router's sticky-session sweep,
// in that order, so no new nodes are discovered while probes are still
// being torn down.
func (m *Manager) Shutdown() {
	m.discoverySource.Stop()
	m.health.Stop()
	m.router.Close()
}

func (m *Manager) handleNodeDiscovered(cand discovery.Candidate) {
	m.mu.Lock()
	if _, exists := m.nodes[cand.ID]; exists {
		m.mu.Unlock()
		return
	}
	m.nodes[cand.ID] = &managedNode{url: cand.URL}
	m.mu.Unlock()

	m.health.AddNode(context.Background(), cand.ID, cand.URL)
}

func (m *Manager) handleNodeLost(id clusternode.ID) {
	m.mu.Lock()
	delete(m.nodes, id)
	m.mu.Unlock()
	m.health.RemoveNode(id)
}

// snapshotFleet builds the read-only Fleet handed to the Router, per
// spec.md section 9's "always pass a snapshot" rule. Nodes are ordered by
// ID so round-robin and first-position tie-breaks see a stable order.
func (m *Manager) snapshotFleet() clusternode.Fleet {
	m.mu.Lock()
	ids := make([]clusternode.ID, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)

	nodes := make([]clusternode.Snapshot, 0, len(ids))
	for _, id := range ids {
		tracker, ok := m.health.Tracker(id)
		if !ok {
			continue
		}
		m.mu.Lock()
		node, exists := m.nodes[id]
		m.mu.Unlock()
		if !exists {
			continue
		}
		node.mu.Lock()
		cache := node.cache
		node.mu.Unlock()
		nodes = append(nodes, tracker.Snapshot(cache))
	}
	return clusternode.Fleet{Nodes: nodes}
}

// SelectNode picks a worker for (systemPromptHash, toolsHash), optionally
// honouring a sticky session, and hands back its transport. Returns nil
// when no routable node exists, matching spec.md section 6's
// "selectNode -> NodeSelection | null".
func (m *Manager) SelectNode(systemPromptHash, toolsHash, sessionID string) *NodeSelection {
	fleet := m.snapshotFleet()
	ctx := router.RoutingContext{SystemPromptHash: systemPromptHash, ToolsHash: toolsHash}

	var decision *router.Decision
	if sessionID != "" {
		decision = m.router.SelectNodeWithSticky(fleet, ctx, sessionID)
	} else {
		decision = m.router.SelectNode(fleet, ctx)
	}
	if decision == nil {
		return nil
	}

	transport, ok := m.health.Transport(decision.NodeID)
	if !ok {
		return nil
	}

	m.health.IncrementInFlight(decision.NodeID)
	m.updateCacheHint(decision.NodeID, systemPromptHash, toolsHash)

	return &NodeSelection{
		NodeID:     decision.NodeID,
		Reason:     decision.Reason,
		Confidence: decision.Confidence,
		Transport:  transport,
	}
}

// updateCacheHint opportunistically records that nodeID is about to serve
// (systemPromptHash, toolsHash), so the next cache-aware selection for the
// same fingerprint is biased toward it (spec.md section 3's "advisory...
// most recently served" cache record).
func (m *Manager) updateCacheHint(nodeID clusternode.ID, systemPromptHash, toolsHash string) {
	m.mu.Lock()
	node, ok := m.nodes[nodeID]
	m.mu.Unlock()
	if !ok {
		return
	}
	node.mu.Lock()
	node.cache.SystemPromptHash = systemPromptHash
	node.cache.ToolsHash = toolsHash
	node.cache.LastUpdatedTime = time.Now()
	node.mu.Unlock()
}

// GetNodeTransport returns the transport bound to id, or nil if unknown.
func (m *Manager) GetNodeTransport(id clusternode.ID) *clustertransport.Transport {
	tr, ok := m.health.Transport(id)
	if !ok {
		return nil
	}
	return tr
}

// RecordSuccess reports a successful data-path call to id, decrementing
// its in-flight counter.
func (m *Manager) RecordSuccess(id clusternode.ID, latency time.Duration) {
	m.health.RecordSuccess(id, latency)
	m.health.DecrementInFlight(id)
}

// RecordFailure reports a failed data-path call to id, decrementing its
// in-flight counter.
func (m *Manager) RecordFailure(id clusternode.ID, cause error) {
	m.health.RecordFailure(id, cause)
	m.health.DecrementInFlight(id)
}

// DebugRouter builds the small operator HTTP surface (GET /debug/cluster)
// backed by this Manager's GetStatus, per SPEC_FULL.md section 6.
func (m *Manager) DebugRouter() http.Handler {
	return clustertransport.NewDebugRouter(func() any { return m.GetStatus() })
}

// GetStatus returns a snapshot of the whole fleet for the debug HTTP
// surface and any operator tooling.
func (m *Manager) GetStatus() Status {
	fleet := m.snapshotFleet()
	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()

	nodes := make([]NodeStatus, 0, len(fleet.Nodes))
	healthy := 0
	for _, n := range fleet.Nodes {
		if n.Status.Routable() {
			healthy++
		}
		nodes = append(nodes, NodeStatus{
			ID:               n.ID,
			URL:              n.URL,
			Status:           n.Status.String(),
			RequestsInFlight: n.Metrics.RequestsInFlight,
			ErrorRate:        n.Health.ErrorRate,
			AvgLatencyMs:     n.Health.AvgResponseTimeMs,
		})
	}

	return Status{
		Initialized:  initialized,
		TotalNodes:   len(nodes),
		HealthyNodes: healthy,
		Nodes:        nodes,
	}
}
