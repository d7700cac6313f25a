package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusterconfig"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusternode"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustererrors"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustertransport"
)

// DNS resolves an A/AAAA record and treats every returned address as a
// candidate worker (spec.md section 4.4). Ids are synthesised and kept
// stable across refreshes by keying on the resolved IP, not by position,
// since DNS answer order is not guaranteed.
type DNS struct {
	cfg       clusterconfig.DiscoveryConfig
	callbacks Callbacks
	resolver  *net.Resolver

	alive *aliveSet
	sf    singleFlight

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	idByAddr  map[string]clusternode.ID
	idByAddrM sync.Mutex
}

// NewDNS builds a DNS discovery source for cfg.DNSName:cfg.DNSPort.
func NewDNS(cfg clusterconfig.DiscoveryConfig, callbacks Callbacks) *DNS {
	return &DNS{
		cfg:       cfg,
		callbacks: callbacks,
		resolver:  net.DefaultResolver,
		alive:     newAliveSet(),
		idByAddr:  make(map[string]clusternode.ID),
	}
}

// Start resolves cfg.DNSName immediately, then on every refreshInterval.
func (d *DNS) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return clustererrors.ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	d.refresh(runCtx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.refresh(runCtx)
			}
		}
	}()
	return nil
}

// Stop cancels the refresh loop and waits for it to exit.
func (d *DNS) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// GetDiscoveredNodes returns the current alive candidates.
func (d *DNS) GetDiscoveredNodes() []Candidate {
	return d.alive.snapshot()
}

func (d *DNS) idFor(addr string) clusternode.ID {
	d.idByAddrM.Lock()
	defer d.idByAddrM.Unlock()
	if id, ok := d.idByAddr[addr]; ok {
		return id
	}
	id := clusternode.ID(fmt.Sprintf("dns-%s-%s", uuid.NewString()[:8], addr))
	d.idByAddr[addr] = id
	return id
}

func (d *DNS) refresh(ctx context.Context) {
	d.sf.tryRun(func() {
		lookupCtx, cancel := context.WithTimeout(ctx, d.cfg.ValidationTimeout)
		defer cancel()

		addrs, err := d.resolver.LookupIPAddr(lookupCtx, d.cfg.DNSName)
		if err != nil {
			code := clustererrors.CodeNetworkError
			if lookupCtx.Err() != nil {
				code = clustererrors.CodeNodeTimeout
			}
			d.callbacks.errored(&clustererrors.DiscoveryError{Code: code, Message: err.Error(), URL: d.cfg.DNSName})
			return
		}

		candidates := make([]Candidate, 0, len(addrs))
		for _, a := range addrs {
			url := fmt.Sprintf("http://%s:%d", a.IP.String(), d.cfg.DNSPort)
			candidates = append(candidates, Candidate{ID: d.idFor(a.IP.String()), URL: url})
		}

		valid := make([]Candidate, 0, len(candidates))
		for _, cand := range candidates {
			transport := clustertransport.New(cand.URL, d.cfg.ValidationTimeout)
			probeCtx, cancel := context.WithTimeout(ctx, d.cfg.ValidationTimeout)
			ok, derr := validate(probeCtx, cand, transport)
			cancel()
			if !ok {
				if derr != nil {
					d.callbacks.errored(derr)
				}
				continue
			}
			valid = append(valid, cand)
		}

		deduped := dedupe(valid)
		discovered, lost := d.alive.reconcile(deduped)
		for _, c := range discovered {
			d.callbacks.discovered(c)
		}
		for _, id := range lost {
			d.callbacks.lost(id)
		}
	})
}
