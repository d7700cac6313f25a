// Package health implements the per-node circuit breaker (NodeHealthTracker)
// and the cluster-wide probe orchestrator (ClusterHealth) from spec.md
// sections 4.2 and 4.3.
package health

import (
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusterconfig"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustermetrics"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusternode"
)

// Tracker owns one node's status, rolling metrics, consecutive counters, and
// recovery backoff schedule. It is the single source of truth for that
// node's status; the Manager only ever reads it through Snapshot.
//
// Tracker generalizes the same idea as
// internal/adapter/observability.CircuitBreaker (closed/open/half-open)
// into the five-state NodeStatus machine spec.md defines, and reuses the
// teacher's atomic-counter-plus-backoff idiom from
// internal/adapter/queue/redpanda/adaptive_poller.go instead of a global
// singleton circuit breaker manager.
type Tracker struct {
	id  clusternode.ID
	url string

	healthCfg  clusterconfig.HealthConfig
	backoffCfg clusterconfig.BackoffConfig

	mu                   sync.Mutex
	status               clusternode.Status
	metrics              *clustermetrics.RollingWindow
	consecutiveFailures  int
	consecutiveSuccesses int
	lastError            string
	lastCheckTime        time.Time
	lastFailureTime      time.Time
	currentBackoff       time.Duration
	bo                   *backoff.ExponentialBackOff

	totalRequests    int64
	requestsInFlight int64

	onTransition func(id clusternode.ID, from, to clusternode.Status)
}

// NewTracker constructs a tracker in Initializing status for one node.
func NewTracker(id clusternode.ID, url string, healthCfg clusterconfig.HealthConfig, backoffCfg clusterconfig.BackoffConfig, onTransition func(clusternode.ID, clusternode.Status, clusternode.Status)) *Tracker {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffCfg.InitialDelay
	bo.MaxInterval = backoffCfg.MaxDelay
	bo.Multiplier = backoffCfg.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // no give-up horizon; only a per-step cap
	bo.Reset()            // start the schedule at InitialDelay, not the library default

	return &Tracker{
		id:             id,
		url:            url,
		healthCfg:      healthCfg,
		backoffCfg:     backoffCfg,
		status:         clusternode.Initializing,
		metrics:        clustermetrics.New(healthCfg.MetricsWindow),
		bo:             bo,
		currentBackoff: backoffCfg.InitialDelay,
		onTransition:   onTransition,
	}
}

// ID returns the node id this tracker owns.
func (t *Tracker) ID() clusternode.ID { return t.id }

// RecordSuccess appends a success sample, resets the failure counter and
// backoff schedule, and recomputes status.
func (t *Tracker) RecordSuccess(latency time.Duration) {
	t.mu.Lock()
	_ = t.metrics.RecordSuccess(latency)
	t.consecutiveFailures = 0
	t.consecutiveSuccesses++
	t.lastCheckTime = time.Now()
	t.totalRequests++
	t.bo.Reset()
	t.currentBackoff = t.backoffCfg.InitialDelay

	from := t.status
	to := t.nextStatusOnSuccess()
	t.status = to
	t.mu.Unlock()

	clustermetrics.ProbeOutcomesTotal.WithLabelValues(string(t.id), "success").Inc()
	clustermetrics.ProbeLatency.WithLabelValues(string(t.id)).Observe(latency.Seconds())
	clustermetrics.ObserveStatus(string(t.id), to.String())

	t.fireTransition(from, to)
}

func (t *Tracker) nextStatusOnSuccess() clusternode.Status {
	switch t.status {
	case clusternode.Offline:
		return clusternode.Offline
	case clusternode.Unhealthy, clusternode.Initializing:
		return clusternode.Healthy
	case clusternode.Degraded:
		snap := t.metrics.Snapshot()
		// MinSamplesForDemotion gates demotions only (DESIGN.md Open Question
		// 3); recovery back to Healthy is not held to the same sample floor.
		if snap.SuccessRate >= t.healthCfg.DegradedThreshold {
			return clusternode.Healthy
		}
		return clusternode.Degraded
	default:
		return t.status
	}
}

// RecordFailure appends a failure sample, advances the backoff schedule, and
// recomputes status in priority order (trip the breaker before downgrading
// to Degraded).
func (t *Tracker) RecordFailure(cause error) {
	t.mu.Lock()
	t.metrics.RecordFailure()
	t.consecutiveSuccesses = 0
	t.consecutiveFailures++
	if cause != nil {
		t.lastError = cause.Error()
	}
	t.lastCheckTime = time.Now()
	t.lastFailureTime = t.lastCheckTime
	t.totalRequests++
	t.currentBackoff = t.bo.NextBackOff()

	from := t.status
	to := t.nextStatusOnFailure()
	t.status = to
	t.mu.Unlock()

	clustermetrics.ProbeOutcomesTotal.WithLabelValues(string(t.id), "failure").Inc()
	clustermetrics.ObserveStatus(string(t.id), to.String())

	t.fireTransition(from, to)
}

func (t *Tracker) nextStatusOnFailure() clusternode.Status {
	if t.status == clusternode.Offline {
		return clusternode.Offline
	}

	snap := t.metrics.Snapshot()
	tripByConsecutive := t.consecutiveFailures >= t.healthCfg.MaxConsecutiveFailures
	tripByRate := snap.TotalSamples >= t.healthCfg.MinSamplesForDemotion && snap.SuccessRate < t.healthCfg.UnhealthyThreshold
	if tripByConsecutive || tripByRate {
		return clusternode.Unhealthy
	}

	degradeByRate := snap.TotalSamples >= t.healthCfg.MinSamplesForDemotion && snap.SuccessRate < t.healthCfg.DegradedThreshold
	if degradeByRate {
		return clusternode.Degraded
	}
	return t.status
}

// ShouldAttemptRecovery reports whether a recovery probe should be issued
// now: only when Unhealthy and the backoff window has elapsed.
func (t *Tracker) ShouldAttemptRecovery() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != clusternode.Unhealthy {
		return false
	}
	return !time.Now().Before(t.lastFailureTime.Add(t.currentBackoff))
}

// NextProbeAt returns when the next probe should be scheduled: the regular
// interval for Healthy/Degraded, or lastFailureTime+currentBackoff for
// Unhealthy (spec.md section 4.3's probe algorithm).
func (t *Tracker) NextProbeAt(checkInterval time.Duration) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == clusternode.Unhealthy {
		return t.lastFailureTime.Add(t.currentBackoff)
	}
	return t.lastCheckTime.Add(checkInterval)
}

// MarkOffline forces Offline from any state; the tracker stops emitting
// recovery signals. Terminal from the routing point of view.
func (t *Tracker) MarkOffline() {
	t.mu.Lock()
	from := t.status
	t.status = clusternode.Offline
	t.mu.Unlock()
	clustermetrics.ObserveStatus(string(t.id), clusternode.Offline.String())
	t.fireTransition(from, clusternode.Offline)
}

// IncrementInFlight is called exactly once when a request is handed out.
func (t *Tracker) IncrementInFlight() {
	t.mu.Lock()
	t.requestsInFlight++
	inFlight := t.requestsInFlight
	t.mu.Unlock()
	clustermetrics.RequestsInFlightGauge.WithLabelValues(string(t.id)).Set(float64(inFlight))
}

// DecrementInFlight is called exactly once when that request completes,
// whether by success, failure, or client cancellation.
func (t *Tracker) DecrementInFlight() {
	t.mu.Lock()
	if t.requestsInFlight > 0 {
		t.requestsInFlight--
	}
	inFlight := t.requestsInFlight
	t.mu.Unlock()
	clustermetrics.RequestsInFlightGauge.WithLabelValues(string(t.id)).Set(float64(inFlight))
}

func (t *Tracker) fireTransition(from, to clusternode.Status) {
	if from == to || t.onTransition == nil {
		return
	}
	safeCall(func() { t.onTransition(t.id, from, to) })
}

// safeCall invokes fn and swallows any panic, matching spec.md section 4.3's
// "a throwing callback must not abort the health loop" requirement in a
// language where callback failure takes the shape of a panic rather than a
// thrown exception.
func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// Status returns the current status.
func (t *Tracker) Status() clusternode.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Snapshot returns an immutable facade of this node's current state for the
// Manager to fold into a Fleet.
func (t *Tracker) Snapshot(cache clusternode.Cache) clusternode.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.metrics.Snapshot()
	errorRate := 0.0
	if snap.TotalSamples > 0 {
		errorRate = clampUnit(1 - snap.SuccessRate)
	}
	return clusternode.Snapshot{
		ID:     t.id,
		URL:    t.url,
		Status: t.status,
		Health: clusternode.Health{
			LastCheckTime:        t.lastCheckTime,
			ConsecutiveFailures:  t.consecutiveFailures,
			ConsecutiveSuccesses: t.consecutiveSuccesses,
			AvgResponseTimeMs:    snap.AvgLatencyMs,
			ErrorRate:            errorRate,
			LastError:            t.lastError,
		},
		Cache: cache,
		Metrics: clusternode.Metrics{
			RequestsInFlight: t.requestsInFlight,
			TotalRequests:    t.totalRequests,
			AvgLatencyMs:     snap.AvgLatencyMs,
		},
	}
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
