package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusterconfig"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusternode"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustererrors"
)

func modelsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"data":[{"id":"llama"}]}`))
}

type eventRecorder struct {
	mu         sync.Mutex
	discovered []Candidate
	lost       []clusternode.ID
	errors     []*clustererrors.DiscoveryError
}

func (r *eventRecorder) callbacks() Callbacks {
	return Callbacks{
		OnNodeDiscovered: func(c Candidate) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.discovered = append(r.discovered, c)
		},
		OnNodeLost: func(id clusternode.ID) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.lost = append(r.lost, id)
		},
		OnDiscoveryError: func(e *clustererrors.DiscoveryError) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, e)
		},
	}
}

func (r *eventRecorder) discoveredCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.discovered)
}

func (r *eventRecorder) lostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lost)
}

func TestStatic_ValidNodesAreDiscovered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(modelsHandler))
	defer srv.Close()

	rec := &eventRecorder{}
	cfg := clusterconfig.DiscoveryConfig{
		Mode:              clusterconfig.DiscoveryStatic,
		StaticNodes:       []string{srv.URL},
		RefreshInterval:   time.Hour,
		ValidationTimeout: time.Second,
	}
	s := NewStatic(cfg, rec.callbacks())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool { return rec.discoveredCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, s.GetDiscoveredNodes(), 1)
}

func TestStatic_InvalidNodeNeverDiscoveredAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	cfg := clusterconfig.DiscoveryConfig{
		Mode:              clusterconfig.DiscoveryStatic,
		StaticNodes:       []string{srv.URL},
		RefreshInterval:   time.Hour,
		ValidationTimeout: time.Second,
	}
	s := NewStatic(cfg, rec.callbacks())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.errors) >= 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, s.GetDiscoveredNodes())
}

func TestStatic_NodeLossFiresOnNodeLost(t *testing.T) {
	up := true
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if up {
			modelsHandler(w, r)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	cfg := clusterconfig.DiscoveryConfig{
		Mode:              clusterconfig.DiscoveryStatic,
		StaticNodes:       []string{srv.URL},
		RefreshInterval:   20 * time.Millisecond,
		ValidationTimeout: time.Second,
	}
	s := NewStatic(cfg, rec.callbacks())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool { return rec.discoveredCount() == 1 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	up = false
	mu.Unlock()

	require.Eventually(t, func() bool { return rec.lostCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStatic_StartTwiceErrors(t *testing.T) {
	cfg := clusterconfig.DiscoveryConfig{
		Mode:              clusterconfig.DiscoveryStatic,
		StaticNodes:       []string{"http://127.0.0.1:1"},
		RefreshInterval:   time.Hour,
		ValidationTimeout: 10 * time.Millisecond,
	}
	s := NewStatic(cfg, Callbacks{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	require.ErrorIs(t, s.Start(ctx), clustererrors.ErrAlreadyRunning)
}
