package reconcile

import "sync"

// Guard admits at most one reconciliation attempt per localId. Callers that
// lose the race are told so immediately and must drop their attempt; nothing
// is queued.
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewGuard returns an empty guard.
func NewGuard() *Guard {
	return &Guard{active: make(map[string]struct{})}
}

// TryEnter claims localID. It returns false if an attempt is already running.
func (g *Guard) TryEnter(localID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.active[localID]; busy {
		return false
	}
	g.active[localID] = struct{}{}
	return true
}

// Exit releases localID.
func (g *Guard) Exit(localID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, localID)
}

// InFlight reports whether an attempt for localID is running.
func (g *Guard) InFlight(localID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[localID]
	return busy
}
