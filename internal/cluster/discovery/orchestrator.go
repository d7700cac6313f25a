package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusterconfig"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustererrors"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusternode"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustertransport"
)

// endpointsLister is the slice of the client-go API this package needs,
// narrowed so tests can substitute a fake without standing up a real
// apiserver. Grounded on GoogleCloudPlatform-prometheus-engine's use of
// k8s.io/client-go/kubernetes + corev1 for endpoint/pod enumeration
// (cmd/hinter/routers.go).
type endpointsLister interface {
	ListEndpoints(ctx context.Context, namespace string, opts metav1.ListOptions) (*corev1.EndpointsList, error)
}

type clientsetLister struct{ cs *kubernetes.Clientset }

func (l clientsetLister) ListEndpoints(ctx context.Context, namespace string, opts metav1.ListOptions) (*corev1.EndpointsList, error) {
	return l.cs.CoreV1().Endpoints(namespace).List(ctx, opts)
}

// Orchestrator enumerates workers by listing Kubernetes Endpoints in a
// namespace matching a label selector (spec.md section 4.4).
type Orchestrator struct {
	cfg       clusterconfig.DiscoveryConfig
	callbacks Callbacks
	lister    endpointsLister

	alive *aliveSet
	sf    singleFlight

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator builds an Orchestrator discovery source against an
// in-cluster Kubernetes API server.
func NewOrchestrator(cfg clusterconfig.DiscoveryConfig, callbacks Callbacks) (*Orchestrator, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("orchestrator discovery: load in-cluster config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator discovery: build clientset: %w", err)
	}
	return NewOrchestratorWithLister(cfg, callbacks, clientsetLister{cs: cs}), nil
}

// NewOrchestratorWithLister builds an Orchestrator against an injected
// lister, used directly in tests with a fake.
func NewOrchestratorWithLister(cfg clusterconfig.DiscoveryConfig, callbacks Callbacks, lister endpointsLister) *Orchestrator {
	return &Orchestrator{cfg: cfg, callbacks: callbacks, lister: lister, alive: newAliveSet()}
}

// Start lists matching Endpoints immediately, then on every refreshInterval.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return clustererrors.ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	o.refresh(runCtx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				o.refresh(runCtx)
			}
		}
	}()
	return nil
}

// Stop cancels the refresh loop and waits for it to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// GetDiscoveredNodes returns the current alive candidates.
func (o *Orchestrator) GetDiscoveredNodes() []Candidate {
	return o.alive.snapshot()
}

func (o *Orchestrator) refresh(ctx context.Context) {
	o.sf.tryRun(func() {
		listCtx, cancel := context.WithTimeout(ctx, o.cfg.ValidationTimeout)
		defer cancel()

		list, err := o.lister.ListEndpoints(listCtx, o.cfg.Namespace, metav1.ListOptions{LabelSelector: o.cfg.ServiceLabel})
		if err != nil {
			code := clustererrors.CodeNetworkError
			if listCtx.Err() != nil {
				code = clustererrors.CodeNodeTimeout
			}
			o.callbacks.errored(&clustererrors.DiscoveryError{Code: code, Message: err.Error()})
			return
		}

		candidates := candidatesFromEndpoints(list)

		valid := make([]Candidate, 0, len(candidates))
		for _, cand := range candidates {
			transport := clustertransport.New(cand.URL, o.cfg.ValidationTimeout)
			probeCtx, cancel := context.WithTimeout(ctx, o.cfg.ValidationTimeout)
			ok, derr := validate(probeCtx, cand, transport)
			cancel()
			if !ok {
				if derr != nil {
					o.callbacks.errored(derr)
				}
				continue
			}
			valid = append(valid, cand)
		}

		deduped := dedupe(valid)
		discovered, lost := o.alive.reconcile(deduped)
		for _, c := range discovered {
			o.callbacks.discovered(c)
		}
		for _, id := range lost {
			o.callbacks.lost(id)
		}
	})
}

// candidatesFromEndpoints flattens Endpoints subsets/addresses/ports into
// candidate workers, one per (address, port) pair.
func candidatesFromEndpoints(list *corev1.EndpointsList) []Candidate {
	var out []Candidate
	for _, ep := range list.Items {
		for _, subset := range ep.Subsets {
			port := choosePort(subset.Ports)
			for _, addr := range subset.Addresses {
				id := clusternode.ID(fmt.Sprintf("%s/%s/%s", ep.Namespace, ep.Name, addr.IP))
				out = append(out, Candidate{ID: id, URL: fmt.Sprintf("http://%s:%d", addr.IP, port)})
			}
		}
	}
	return out
}

// choosePort prefers a port explicitly named "http", falling back to the
// first listed port.
func choosePort(ports []corev1.EndpointPort) int32 {
	for _, p := range ports {
		if p.Name == "http" {
			return p.Port
		}
	}
	if len(ports) > 0 {
		return ports[0].Port
	}
	return 0
}
