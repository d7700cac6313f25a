package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusternode"
)

func TestStickySession_CreateAndLookup(t *testing.T) {
	s := NewStickySession(time.Minute, nil)
	defer s.Close()

	s.CreateSession("s1", "node-a")
	id, ok := s.Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, clusternode.ID("node-a"), id)
}

func TestStickySession_SecondCreateIsLastWriteWins(t *testing.T) {
	s := NewStickySession(time.Minute, nil)
	defer s.Close()

	s.CreateSession("s1", "node-a")
	s.CreateSession("s1", "node-b")
	id, ok := s.Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, clusternode.ID("node-b"), id)
}

func TestStickySession_LookupTreatsExpiredAsAbsent(t *testing.T) {
	s := NewStickySession(10*time.Millisecond, nil)
	defer s.Close()

	s.CreateSession("s1", "node-a")
	time.Sleep(30 * time.Millisecond)
	_, ok := s.Lookup("s1")
	assert.False(t, ok)
}

func TestStickySession_CallbackPanicIsSwallowed(t *testing.T) {
	s := NewStickySession(time.Millisecond, func(sessionID string, nodeID clusternode.ID, reason string) {
		panic("boom")
	})
	defer s.Close()

	s.CreateSession("s1", "node-a")
	time.Sleep(5 * time.Millisecond) // let the 1ms TTL lapse so the sweep fires the callback
	assert.NotPanics(t, func() { s.sweepOnce() })
}

func TestStickySession_CloseIsIdempotentAndStopsCallbacks(t *testing.T) {
	var mu sync.Mutex
	var fired int
	s := NewStickySession(time.Millisecond, func(sessionID string, nodeID clusternode.ID, reason string) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	s.CreateSession("s1", "node-a")
	time.Sleep(20 * time.Millisecond)

	s.Close()
	s.Close() // idempotent, must not panic

	mu.Lock()
	after := fired
	mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, after, fired)
	mu.Unlock()
}
