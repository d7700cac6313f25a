package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusterconfig"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustererrors"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusternode"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustertransport"
)

// StatusChangeFunc is the advisory callback fired after a tracker mutates
// and any internal lock is released. Panics are caught and swallowed; a
// misbehaving observer must never abort the health loop.
type StatusChangeFunc func(id clusternode.ID, from, to clusternode.Status)

// nodeEntry bundles a tracker with the transport used to probe it.
type nodeEntry struct {
	tracker   *Tracker
	transport *clustertransport.Transport
	cancel    context.CancelFunc
}

// ClusterHealth orchestrates periodic liveness probing across all known
// nodes (spec.md section 4.3). Each node gets its own goroutine running a
// one-shot timer plus select on context cancellation, adapted from the
// ticker-plus-select idiom of the teacher's
// internal/adapter/queue/redpanda/consumer.go, with the per-node next-probe
// interval driven by AdaptivePoller-style backoff bookkeeping living in the
// Tracker itself instead of a second, separate poller.
type ClusterHealth struct {
	cfg clusterconfig.HealthConfig
	bo  clusterconfig.BackoffConfig

	mu      sync.Mutex
	running bool
	nodes   map[clusternode.ID]*nodeEntry
	wg      sync.WaitGroup

	onStatusChange StatusChangeFunc
}

// New constructs a ClusterHealth orchestrator. onStatusChange may be nil, in
// which case transitions are only observable via logs.
func New(cfg clusterconfig.HealthConfig, bo clusterconfig.BackoffConfig, onStatusChange StatusChangeFunc) *ClusterHealth {
	notify := loggingFallback
	if onStatusChange != nil {
		notify = func(id clusternode.ID, from, to clusternode.Status) {
			loggingFallback(id, from, to)
			onStatusChange(id, from, to)
		}
	}
	return &ClusterHealth{
		cfg:            cfg,
		bo:             bo,
		nodes:          make(map[clusternode.ID]*nodeEntry),
		onStatusChange: notify,
	}
}

// Start registers all initial nodes, probes each immediately, then schedules
// periodic probes. Calling Start twice without an intervening Stop returns
// ErrAlreadyRunning rather than panicking.
func (ch *ClusterHealth) Start(ctx context.Context, initial map[clusternode.ID]string) error {
	ch.mu.Lock()
	if ch.running {
		ch.mu.Unlock()
		return clustererrors.ErrAlreadyRunning
	}
	ch.running = true
	ch.mu.Unlock()

	for id, url := range initial {
		ch.AddNode(ctx, id, url)
	}
	return nil
}

// AddNode registers a node while running; it takes effect on the next
// scheduling tick (it starts its own probe loop immediately, which performs
// an immediate probe, matching Start's "immediate probe for each" contract
// for nodes discovered after Start).
func (ch *ClusterHealth) AddNode(ctx context.Context, id clusternode.ID, url string) *Tracker {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if e, exists := ch.nodes[id]; exists {
		return e.tracker
	}

	tracker := NewTracker(id, url, ch.cfg, ch.bo, ch.onStatusChange)
	transport := clustertransport.New(url, ch.cfg.Timeout)
	nodeCtx, cancel := context.WithCancel(ctx)
	entry := &nodeEntry{tracker: tracker, transport: transport, cancel: cancel}
	ch.nodes[id] = entry

	ch.wg.Add(1)
	go ch.probeLoop(nodeCtx, entry)

	return tracker
}

// RemoveNode stops probing id and forgets it. The tracker is driven to
// Offline first (spec.md section 4.2's "any state -> Offline" terminal
// transition before a node is destroyed), so subscribers and the Prometheus
// status gauge observe the node leaving rather than freezing at its last
// live status. Takes effect immediately; the in-flight probe (if any)
// observes ctx cancellation on its next check.
func (ch *ClusterHealth) RemoveNode(id clusternode.ID) {
	ch.mu.Lock()
	e, ok := ch.nodes[id]
	if ok {
		delete(ch.nodes, id)
	}
	ch.mu.Unlock()
	if ok {
		e.tracker.MarkOffline()
		e.cancel()
	}
}

// probeLoop runs one node's immediate-probe-then-scheduled-probe cycle until
// its context is cancelled.
func (ch *ClusterHealth) probeLoop(ctx context.Context, e *nodeEntry) {
	defer ch.wg.Done()

	ch.probeOnce(ctx, e)
	for {
		wait := e.tracker.NextProbeAt(ch.cfg.CheckInterval).Sub(time.Now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			ch.probeOnce(ctx, e)
		}
	}
}

// probeOnce issues GET {url}/health with a per-request deadline and reports
// the outcome to the tracker the same way data-path outcomes are reported.
func (ch *ClusterHealth) probeOnce(ctx context.Context, e *nodeEntry) {
	probeCtx, cancel := context.WithTimeout(ctx, ch.cfg.Timeout)
	defer cancel()

	status, elapsed, _, err := e.transport.Get(probeCtx, "/health")
	switch {
	case err != nil:
		e.tracker.RecordFailure(fmt.Errorf("probe %s: %w", e.transport.BaseURL(), err))
	case status < 200 || status >= 300:
		e.tracker.RecordFailure(fmt.Errorf("probe %s: status %d", e.transport.BaseURL(), status))
	case elapsed > ch.cfg.Timeout:
		e.tracker.RecordFailure(fmt.Errorf("probe %s: exceeded timeout", e.transport.BaseURL()))
	default:
		e.tracker.RecordSuccess(elapsed)
	}
}

// RecordSuccess/RecordFailure are the data-path hooks: they forward to the
// tracker and rely on the tracker to fire the status-change callback.
// Unknown ids are ignored silently.
func (ch *ClusterHealth) RecordSuccess(id clusternode.ID, latency time.Duration) {
	if e := ch.lookup(id); e != nil {
		e.tracker.RecordSuccess(latency)
	}
}

// RecordFailure forwards a data-path failure report to id's tracker.
func (ch *ClusterHealth) RecordFailure(id clusternode.ID, cause error) {
	if e := ch.lookup(id); e != nil {
		e.tracker.RecordFailure(cause)
	}
}

// IsHealthy returns true only when the node's status is Healthy or Degraded.
func (ch *ClusterHealth) IsHealthy(id clusternode.ID) bool {
	e := ch.lookup(id)
	if e == nil {
		return false
	}
	return e.tracker.Status().Routable()
}

// Tracker returns the tracker for id, if known.
func (ch *ClusterHealth) Tracker(id clusternode.ID) (*Tracker, bool) {
	e := ch.lookup(id)
	if e == nil {
		return nil, false
	}
	return e.tracker, true
}

// Transport returns the probe transport bound to id's url, if known. The
// Manager hands this same handle out to the request path rather than
// building a second client per node.
func (ch *ClusterHealth) Transport(id clusternode.ID) (*clustertransport.Transport, bool) {
	e := ch.lookup(id)
	if e == nil {
		return nil, false
	}
	return e.transport, true
}

// IncrementInFlight forwards to id's tracker; called exactly once when the
// Manager hands a request out to that node.
func (ch *ClusterHealth) IncrementInFlight(id clusternode.ID) {
	if e := ch.lookup(id); e != nil {
		e.tracker.IncrementInFlight()
	}
}

// DecrementInFlight forwards to id's tracker; called exactly once when that
// request completes, by success, failure, or cancellation.
func (ch *ClusterHealth) DecrementInFlight(id clusternode.ID) {
	if e := ch.lookup(id); e != nil {
		e.tracker.DecrementInFlight()
	}
}

func (ch *ClusterHealth) lookup(id clusternode.ID) *nodeEntry {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.nodes[id]
}

// Stop cancels all scheduled probes and in-flight probe requests, then
// waits for them to release their cancellation. Idempotent.
func (ch *ClusterHealth) Stop() {
	ch.mu.Lock()
	if !ch.running {
		ch.mu.Unlock()
		return
	}
	ch.running = false
	ids := make([]clusternode.ID, 0, len(ch.nodes))
	for id := range ch.nodes {
		ids = append(ids, id)
	}
	ch.mu.Unlock()

	for _, id := range ids {
		ch.RemoveNode(id)
	}
	ch.wg.Wait()
}

// loggingFallback is used when no onStatusChange callback is configured, so
// transitions are still observable via logs (out-of-band sink, matching
// spec.md section 4.3's allowance for "logging to an out-of-band sink").
func loggingFallback(id clusternode.ID, from, to clusternode.Status) {
	slog.Info("node status transition", slog.String("node_id", string(id)), slog.String("from", from.String()), slog.String("to", to.String()))
}
