package router

import (
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusterconfig"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusternode"
)

const cacheFreshWindow = 60 * time.Second

// RoundRobin cycles through the routable set in snapshot order, keeping a
// monotonically increasing index across calls (spec.md section 4.5).
type RoundRobin struct {
	next uint64
}

// NewRoundRobin builds a round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Select(routable []clusternode.Snapshot, _ RoutingContext) (Decision, bool) {
	if len(routable) == 0 {
		return Decision{}, false
	}
	idx := atomic.AddUint64(&r.next, 1) - 1
	picked := routable[int(idx%uint64(len(routable)))]
	return Decision{NodeID: picked.ID, Reason: "round-robin", Confidence: 0.85}, true
}

// LeastLoaded picks the routable node with the fewest in-flight requests,
// ties broken by first position (spec.md section 4.5).
type LeastLoaded struct{}

// NewLeastLoaded builds a least-connections strategy.
func NewLeastLoaded() *LeastLoaded {
	return &LeastLoaded{}
}

func (LeastLoaded) Select(routable []clusternode.Snapshot, _ RoutingContext) (Decision, bool) {
	if len(routable) == 0 {
		return Decision{}, false
	}
	best := routable[0]
	for _, n := range routable[1:] {
		if n.Metrics.RequestsInFlight < best.Metrics.RequestsInFlight {
			best = n
		}
	}
	return Decision{NodeID: best.ID, Reason: "least-loaded", Confidence: 0.75}, true
}

// LatencyBased picks the routable node with the smallest average response
// time, ties broken by first position (spec.md section 4.5).
type LatencyBased struct{}

// NewLatencyBased builds a latency-based strategy.
func NewLatencyBased() *LatencyBased {
	return &LatencyBased{}
}

func (LatencyBased) Select(routable []clusternode.Snapshot, _ RoutingContext) (Decision, bool) {
	if len(routable) == 0 {
		return Decision{}, false
	}
	best := routable[0]
	for _, n := range routable[1:] {
		if n.Health.AvgResponseTimeMs < best.Health.AvgResponseTimeMs {
			best = n
		}
	}
	return Decision{NodeID: best.ID, Reason: "latency", Confidence: 0.75}, true
}

// CacheAware scores each routable node on cache-affinity and load, falling
// back to round-robin when nothing scores above zero (spec.md section
// 4.5's scoring table).
type CacheAware struct {
	preferHealthyOverCacheWarm bool
	fallback                   *RoundRobin
}

// NewCacheAware builds a cache-aware strategy, using cfg.PreferHealthyOverCacheWarm
// to decide whether Degraded nodes are penalised relative to Healthy ones
// (the [EXPANSION] decision on spec.md section 9's Open Question 1).
func NewCacheAware(cfg clusterconfig.RoutingConfig) *CacheAware {
	return &CacheAware{preferHealthyOverCacheWarm: cfg.PreferHealthyOverCacheWarm, fallback: NewRoundRobin()}
}

func (c *CacheAware) Select(routable []clusternode.Snapshot, ctx RoutingContext) (Decision, bool) {
	if len(routable) == 0 {
		return Decision{}, false
	}

	bestIdx := -1
	bestScore := 0.0
	for i, n := range routable {
		score := cacheScore(n, ctx)
		if c.preferHealthyOverCacheWarm && n.Status == clusternode.Degraded {
			score -= 10
		}
		if bestIdx == -1 || score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}

	if bestScore <= 0 {
		decision, ok := c.fallback.Select(routable, ctx)
		if !ok {
			return Decision{}, false
		}
		decision.Reason = "cache-fallback"
		decision.Confidence = 0.6
		return decision, true
	}

	picked := routable[bestIdx]
	return Decision{NodeID: picked.ID, Reason: "cache-hit", Confidence: confidenceFromScore(bestScore)}, true
}

// cacheScore implements spec.md section 4.5's [0,120] cache-affinity
// scoring formula.
func cacheScore(n clusternode.Snapshot, ctx RoutingContext) float64 {
	score := 0.0
	promptMatch := n.Cache.SystemPromptHash == ctx.SystemPromptHash && ctx.SystemPromptHash != ""
	if promptMatch {
		score += 50
		if n.Cache.ToolsHash == ctx.ToolsHash {
			score += 20
		}
	}
	errorRate := clampUnit(n.Health.ErrorRate)
	score += 25 * (1 - errorRate)
	if n.Metrics.RequestsInFlight < 5 {
		score += 15
	}
	if !n.Cache.LastUpdatedTime.IsZero() && time.Since(n.Cache.LastUpdatedTime) < cacheFreshWindow {
		score += 10
	}
	return score
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// confidenceFromScore maps the [0,120] score range onto a confidence in
// (0.7, 1.0], since any above-zero cache score is a genuine (non-fallback)
// decision per spec.md section 4.5.
func confidenceFromScore(score float64) float64 {
	c := 0.7 + 0.3*(score/120)
	if c > 1 {
		return 1
	}
	return c
}
