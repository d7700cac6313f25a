package router

import (
	"sync"
	"time"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusternode"
)

// sweepInterval is how often the sticky table is scanned for expired
// entries. A short, fixed slice of the TTL keeps staleness bounded without
// a timer per session.
const sweepInterval = 5 * time.Second

type stickyEntry struct {
	nodeID    clusternode.ID
	expiresAt time.Time
}

// StickySession is the sessionId -> (nodeId, expiresAt) table from spec.md
// section 4.5, with a background sweep that expires stale entries. It is
// grounded on the teacher's mutex-guarded in-memory map idiom
// (internal/service/ratelimiter/redis_lua_limiter.go's local fallback path),
// generalised to an in-process TTL table instead of a Redis-backed one.
type StickySession struct {
	ttl       time.Duration
	onExpired ExpiredFunc

	mu      sync.Mutex
	entries map[string]stickyEntry

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewStickySession builds a sticky-session table and starts its sweep loop.
func NewStickySession(ttl time.Duration, onExpired ExpiredFunc) *StickySession {
	s := &StickySession{
		ttl:       ttl,
		onExpired: onExpired,
		entries:   make(map[string]stickyEntry),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

// CreateSession inserts or replaces a binding and resets its TTL
// (spec.md section 4.5, "last-write-wins").
func (s *StickySession) CreateSession(sessionID string, nodeID clusternode.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = stickyEntry{nodeID: nodeID, expiresAt: time.Now().Add(s.ttl)}
}

// Lookup returns the live binding for sessionID, treating an expired entry
// as absent and removing it.
func (s *StickySession) Lookup(sessionID string) (clusternode.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, sessionID)
		return "", false
	}
	return entry.nodeID, true
}

// expireNow removes a binding outside the sweep cycle (e.g. because its
// node just stopped being routable) and fires onSessionExpired with the
// given reason.
func (s *StickySession) expireNow(sessionID string, nodeID clusternode.ID, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.entries, sessionID)
	s.mu.Unlock()
	s.fireExpired(sessionID, nodeID, reason)
}

// Close stops the sweep loop. After Close, no callbacks fire. Idempotent.
func (s *StickySession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
}

func (s *StickySession) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *StickySession) sweepOnce() {
	now := time.Now()
	var expired []stickyEntry
	var expiredIDs []string

	s.mu.Lock()
	for sessionID, entry := range s.entries {
		if now.After(entry.expiresAt) {
			expired = append(expired, entry)
			expiredIDs = append(expiredIDs, sessionID)
		}
	}
	for _, sessionID := range expiredIDs {
		delete(s.entries, sessionID)
	}
	s.mu.Unlock()

	for i, sessionID := range expiredIDs {
		s.fireExpired(sessionID, expired[i].nodeID, "ttl expired")
	}
}

func (s *StickySession) fireExpired(sessionID string, nodeID clusternode.ID, reason string) {
	if s.onExpired == nil {
		return
	}
	safeCall(func() { s.onExpired(sessionID, nodeID, reason) })
}
