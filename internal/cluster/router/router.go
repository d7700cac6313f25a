// Package router selects a worker node for a request given a fleet
// snapshot and a routing context, and owns the sticky-session table
// (spec.md section 4.5). The router holds no HTTP state; it never reads
// live Manager state, only the snapshot it is handed.
package router

import (
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusterconfig"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusternode"
)

// RoutingContext carries the cache-affinity hints a caller supplies for
// one request.
type RoutingContext struct {
	SystemPromptHash string
	ToolsHash        string
}

// Decision is the outcome of a selection: which node, why, and how
// confident the router is in that choice.
type Decision struct {
	NodeID     clusternode.ID
	Reason     string
	Confidence float64
}

// Strategy picks one node from an already-routability-filtered set. It
// must not mutate routable.
type Strategy interface {
	Select(routable []clusternode.Snapshot, ctx RoutingContext) (Decision, bool)
}

// FailedFunc fires when selectNode/selectNodeWithSticky find no routable
// node. Never thrown.
type FailedFunc func()

// ExpiredFunc fires when a sticky-session entry is swept for expiry, or
// displaced because its bound node is no longer routable.
type ExpiredFunc func(sessionID string, nodeID clusternode.ID, reason string)

// Router implements the selection contract of spec.md section 4.5.
type Router struct {
	strategy        Strategy
	sticky          *StickySession
	onRoutingFailed FailedFunc
}

// New builds a Router around one strategy, chosen once at construction
// per spec.md section 4.5 ("exactly one per Router").
func New(strategy Strategy, sessionTTL clusterconfig.RoutingConfig, onRoutingFailed FailedFunc, onSessionExpired ExpiredFunc) *Router {
	return &Router{
		strategy:        strategy,
		sticky:          NewStickySession(sessionTTL.SessionTTL, onSessionExpired),
		onRoutingFailed: onRoutingFailed,
	}
}

// Close stops the sticky-session sweep loop. After Close, no sticky
// callbacks fire.
func (r *Router) Close() {
	r.sticky.Close()
}

// routable filters out Unhealthy, Offline, and Initializing nodes,
// preserving snapshot order (spec.md section 4.5 "Routability filter").
func routable(fleet clusternode.Fleet) []clusternode.Snapshot {
	return fleet.Routable()
}

// SelectNode picks a node using the configured strategy over the
// routable subset of fleet. Returns nil if no node is routable, after
// firing onRoutingFailed.
func (r *Router) SelectNode(fleet clusternode.Fleet, ctx RoutingContext) *Decision {
	candidates := routable(fleet)
	if len(candidates) == 0 {
		r.fireFailed()
		return nil
	}
	decision, ok := r.strategy.Select(candidates, ctx)
	if !ok {
		r.fireFailed()
		return nil
	}
	return &decision
}

// SelectNodeWithSticky consults the sticky table first; a live entry
// bound to a still-routable node short-circuits the strategy. Otherwise
// it falls through to SelectNode and records the new binding.
func (r *Router) SelectNodeWithSticky(fleet clusternode.Fleet, ctx RoutingContext, sessionID string) *Decision {
	candidates := routable(fleet)

	if nodeID, ok := r.sticky.Lookup(sessionID); ok {
		if snap, present := fleet.ByID(nodeID); present && snap.Status.Routable() {
			return &Decision{NodeID: nodeID, Reason: "sticky", Confidence: 0.95}
		}
		// Bound node is gone or no longer routable; the old binding is
		// stale even though it hasn't timed out yet.
		r.sticky.expireNow(sessionID, nodeID, "node unavailable")
	}

	if len(candidates) == 0 {
		r.fireFailed()
		return nil
	}
	decision, ok := r.strategy.Select(candidates, ctx)
	if !ok {
		r.fireFailed()
		return nil
	}
	r.sticky.CreateSession(sessionID, decision.NodeID)
	return &decision
}

// GetRoutingPlan computes one decision per distinct
// context.SystemPromptHash in contexts, duplicates collapsing to the
// first occurrence (spec.md section 4.5, "batched variant ... for
// offline analysis").
func (r *Router) GetRoutingPlan(fleet clusternode.Fleet, contexts []RoutingContext) map[string]*Decision {
	plan := make(map[string]*Decision)
	for _, ctx := range contexts {
		if _, done := plan[ctx.SystemPromptHash]; done {
			continue
		}
		plan[ctx.SystemPromptHash] = r.SelectNode(fleet, ctx)
	}
	return plan
}

func (r *Router) fireFailed() {
	if r.onRoutingFailed == nil {
		return
	}
	safeCall(r.onRoutingFailed)
}

func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
