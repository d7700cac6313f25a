// Package discovery enumerates cluster workers from a configured source
// (static list, DNS, or orchestrator label selector) and emits membership
// events, per spec.md section 4.4.
package discovery

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustererrors"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusternode"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustertransport"
)

// Candidate is one enumerated worker, before validation.
type Candidate struct {
	ID  clusternode.ID
	URL string
}

// DiscoveredFunc fires when a node transitions from unknown/dead to alive.
type DiscoveredFunc func(Candidate)

// LostFunc fires when a previously alive node is no longer enumerated or
// fails validation.
type LostFunc func(clusternode.ID)

// ErrorFunc fires for validation/network/timeout failures. Never thrown.
type ErrorFunc func(*clustererrors.DiscoveryError)

// Source is the shared contract for all discovery modes (spec.md section
// 4.4's "all modes share the same output contract").
type Source interface {
	Start(ctx context.Context) error
	Stop()
	GetDiscoveredNodes() []Candidate
}

// Callbacks bundles the three advisory callbacks every Source fires. Any of
// them may be nil.
type Callbacks struct {
	OnNodeDiscovered DiscoveredFunc
	OnNodeLost       LostFunc
	OnDiscoveryError ErrorFunc
}

func (c Callbacks) discovered(cand Candidate) {
	if c.OnNodeDiscovered != nil {
		safeCall(func() { c.OnNodeDiscovered(cand) })
	}
}

func (c Callbacks) lost(id clusternode.ID) {
	if c.OnNodeLost != nil {
		safeCall(func() { c.OnNodeLost(id) })
	}
}

func (c Callbacks) errored(err *clustererrors.DiscoveryError) {
	if c.OnDiscoveryError != nil {
		safeCall(func() { c.OnDiscoveryError(err) })
	}
}

func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// canonicalizeURL trims a trailing slash and lowercases the host, so
// "HOST:8000/" and "host:8000" compare equal during deduplication.
func canonicalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	u = strings.TrimRight(u, "/")
	scheme := ""
	if idx := strings.Index(u, "://"); idx >= 0 {
		scheme = u[:idx+3]
		rest := u[idx+3:]
		slashIdx := strings.Index(rest, "/")
		host := rest
		path := ""
		if slashIdx >= 0 {
			host = rest[:slashIdx]
			path = rest[slashIdx:]
		}
		return scheme + strings.ToLower(host) + path
	}
	return strings.ToLower(u)
}

// dedupe collapses duplicate id or duplicate (canonicalised) url entries to
// their first occurrence within one refresh result.
func dedupe(candidates []Candidate) []Candidate {
	seenID := make(map[clusternode.ID]bool, len(candidates))
	seenURL := make(map[string]bool, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		key := canonicalizeURL(c.URL)
		if seenID[c.ID] || seenURL[key] {
			continue
		}
		seenID[c.ID] = true
		seenURL[key] = true
		out = append(out, c)
	}
	return out
}

// modelsEnvelope is the expected shape of GET /v1/models.
type modelsEnvelope struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// validate issues the validation probe and reports whether the candidate is
// alive, using the shared Code taxonomy for the failure reason.
func validate(ctx context.Context, cand Candidate, timeoutTransport *clustertransport.Transport) (bool, *clustererrors.DiscoveryError) {
	status, _, body, err := timeoutTransport.Get(ctx, "/v1/models")
	if err != nil {
		code := clustererrors.CodeNetworkError
		if ctx.Err() != nil {
			code = clustererrors.CodeNodeTimeout
		}
		return false, &clustererrors.DiscoveryError{Code: code, Message: err.Error(), NodeID: string(cand.ID), URL: cand.URL}
	}
	if status < 200 || status >= 300 {
		return false, &clustererrors.DiscoveryError{Code: clustererrors.CodeHTTPError, Message: "unexpected status", NodeID: string(cand.ID), URL: cand.URL}
	}
	var env modelsEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Data == nil {
		return false, &clustererrors.DiscoveryError{Code: clustererrors.CodeValidationFailed, Message: "response does not match /v1/models envelope", NodeID: string(cand.ID), URL: cand.URL}
	}
	return true, nil
}

// singleFlight prevents a new refresh from starting while a previous one is
// still running; the flag is cleared even when the refresh panics.
type singleFlight struct {
	inFlight atomic.Bool
}

func (s *singleFlight) tryRun(fn func()) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.inFlight.Store(false)
	fn()
}

// aliveSet tracks which candidate ids were alive as of the last refresh, so
// the Source can diff successive refreshes into discovered/lost events.
type aliveSet struct {
	mu   sync.Mutex
	byID map[clusternode.ID]Candidate
}

func newAliveSet() *aliveSet {
	return &aliveSet{byID: make(map[clusternode.ID]Candidate)}
}

// reconcile replaces the alive set with `now` and returns the
// newly-discovered and newly-lost candidates relative to the previous set.
func (a *aliveSet) reconcile(now []Candidate) (discovered []Candidate, lost []clusternode.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	nowByID := make(map[clusternode.ID]Candidate, len(now))
	for _, c := range now {
		nowByID[c.ID] = c
		if _, existed := a.byID[c.ID]; !existed {
			discovered = append(discovered, c)
		}
	}
	for id := range a.byID {
		if _, stillAlive := nowByID[id]; !stillAlive {
			lost = append(lost, id)
		}
	}
	a.byID = nowByID
	return discovered, lost
}

// snapshot returns the current alive candidates, order unspecified.
func (a *aliveSet) snapshot() []Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Candidate, 0, len(a.byID))
	for _, c := range a.byID {
		out = append(out, c)
	}
	return out
}
