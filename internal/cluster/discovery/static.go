package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusterconfig"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustererrors"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusternode"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustertransport"
)

// Static enumerates a fixed list of URLs from configuration, re-validating
// each on refreshInterval. A node's validation probe succeeding/failing is
// what drives its alive/dead transitions (spec.md section 4.4).
type Static struct {
	cfg       clusterconfig.DiscoveryConfig
	callbacks Callbacks

	alive *aliveSet
	sf    singleFlight

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatic builds a Static discovery source from the configured node URLs.
func NewStatic(cfg clusterconfig.DiscoveryConfig, callbacks Callbacks) *Static {
	return &Static{cfg: cfg, callbacks: callbacks, alive: newAliveSet()}
}

// Start performs one initial enumeration, then refreshes every
// refreshInterval until Stop is called.
func (s *Static) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return clustererrors.ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.refresh(runCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.refresh(runCtx)
			}
		}
	}()
	return nil
}

// Stop cancels the refresh loop and waits for it to exit.
func (s *Static) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// GetDiscoveredNodes returns the current alive candidates.
func (s *Static) GetDiscoveredNodes() []Candidate {
	return s.alive.snapshot()
}

// refresh validates every configured URL and fires discovered/lost events.
// Re-entrant refreshes are forbidden by the single-flight guard.
func (s *Static) refresh(ctx context.Context) {
	s.sf.tryRun(func() {
		candidates := make([]Candidate, 0, len(s.cfg.StaticNodes))
		for i, raw := range s.cfg.StaticNodes {
			cand := Candidate{ID: clusternode.ID(fmt.Sprintf("static-%d", i)), URL: raw}
			transport := clustertransport.New(cand.URL, s.cfg.ValidationTimeout)
			probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ValidationTimeout)
			ok, derr := validate(probeCtx, cand, transport)
			cancel()
			if !ok {
				if derr != nil {
					s.callbacks.errored(derr)
				}
				continue
			}
			candidates = append(candidates, cand)
		}

		deduped := dedupe(candidates)
		discovered, lost := s.alive.reconcile(deduped)
		for _, c := range discovered {
			s.callbacks.discovered(c)
		}
		for _, id := range lost {
			s.callbacks.lost(id)
		}
	})
}
