package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dentiq/payrecon/internal/payment"
)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithRetention sets how long finalized sessions are kept before cleanup.
// Zero keeps the default.
func WithRetention(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if d > 0 {
			m.retention = d
		}
	}
}

// MemoryStore is an in-memory Store implementation suitable for tests and single-instance deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]payment.Session // localID -> session
	byRef       map[string]string          // externalRef -> localID
	retention   time.Duration
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

// NewMemoryStore constructs a MemoryStore and starts background cleanup.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		sessions:    make(map[string]payment.Session),
		byRef:       make(map[string]string),
		retention:   DefaultRetention,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.cleanupFinalized()
	return m
}

// cleanupFinalized periodically drops sessions finalized longer than the retention period.
func (m *MemoryStore) cleanupFinalized() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	defer close(m.cleanupDone)

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.purgeFinalized(time.Now())
		}
	}
}

// purgeFinalized removes terminal sessions finalized before now-retention and reports how many were removed.
func (m *MemoryStore) purgeFinalized(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.retention)
	removed := 0
	for id, s := range m.sessions {
		if s.FinalizedAt != nil && s.FinalizedAt.Before(cutoff) {
			delete(m.sessions, id)
			if s.ExternalRef != "" {
				delete(m.byRef, s.ExternalRef)
			}
			removed++
		}
	}
	return removed
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (m *MemoryStore) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
		<-m.cleanupDone
	})
}

// Close implements the Store interface by calling Stop.
func (m *MemoryStore) Close() error {
	m.Stop()
	return nil
}

// CreateSession stores a new pending session.
func (m *MemoryStore) CreateSession(_ context.Context, session payment.Session) error {
	if err := validateAndPrepareSession(&session); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.LocalID]; exists {
		return ErrAlreadyExists
	}
	m.sessions[session.LocalID] = session
	if session.ExternalRef != "" {
		m.byRef[session.ExternalRef] = session.LocalID
	}
	return nil
}

// GetSession retrieves a session by localId.
func (m *MemoryStore) GetSession(_ context.Context, localID string) (payment.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[localID]
	if !ok {
		return payment.Session{}, ErrNotFound
	}
	return s, nil
}

// FindByExternalRef retrieves the session bound to ref.
func (m *MemoryStore) FindByExternalRef(_ context.Context, ref string) (payment.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	localID, ok := m.byRef[ref]
	if !ok {
		return payment.Session{}, ErrNotFound
	}
	s, ok := m.sessions[localID]
	if !ok {
		return payment.Session{}, ErrNotFound
	}
	return s, nil
}

// ListActiveSessions returns non-terminal sessions ordered by creation time.
func (m *MemoryStore) ListActiveSessions(_ context.Context) ([]payment.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []payment.Session
	for _, s := range m.sessions {
		if !s.IsTerminal() {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].LocalID < active[j].LocalID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

// BindExternalRef sets the session's external reference once.
func (m *MemoryStore) BindExternalRef(_ context.Context, localID, ref string) (payment.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[localID]
	if !ok {
		return payment.Session{}, ErrNotFound
	}
	write, err := checkBinding(s, ref)
	if err != nil {
		return s, err
	}
	if !write {
		return s, nil
	}
	s.ExternalRef = ref
	s.UpdatedAt = time.Now().UTC()
	m.sessions[localID] = s
	m.byRef[ref] = localID
	return s, nil
}

// CommitStatus applies c unless the session is already terminal.
func (m *MemoryStore) CommitStatus(_ context.Context, c Commit) (payment.Session, bool, error) {
	if err := validateCommit(c); err != nil {
		return payment.Session{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[c.LocalID]
	if !ok {
		return payment.Session{}, false, ErrNotFound
	}
	if s.IsTerminal() {
		return s, false, nil
	}
	applyCommit(&s, c)
	m.sessions[c.LocalID] = s
	return s, true, nil
}

// DeleteSession removes a session by localId.
func (m *MemoryStore) DeleteSession(_ context.Context, localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[localID]
	if !ok {
		return ErrNotFound
	}
	delete(m.sessions, localID)
	if s.ExternalRef != "" {
		delete(m.byRef, s.ExternalRef)
	}
	return nil
}

// snapshot copies all sessions. Used by FileStore to persist.
func (m *MemoryStore) snapshot() map[string]payment.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]payment.Session, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = v
	}
	return out
}

// restore replaces the contents with sessions loaded from disk.
func (m *MemoryStore) restore(sessions map[string]payment.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions = make(map[string]payment.Session, len(sessions))
	m.byRef = make(map[string]string, len(sessions))
	for id, s := range sessions {
		m.sessions[id] = s
		if s.ExternalRef != "" {
			m.byRef[s.ExternalRef] = id
		}
	}
}
