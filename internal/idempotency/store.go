package idempotency

import (
	"container/list"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrInProgress means another request holding the same key has not finished.
	ErrInProgress = errors.New("idempotency: request in progress")
	// ErrKeyReused means the key was first used with a different request.
	ErrKeyReused = errors.New("idempotency: key reused with different request")
)

// Response is a completed payment creation response kept for replay.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Store tracks idempotency keys through reserve, complete or release.
type Store interface {
	// Reserve claims key for a request identified by fingerprint. A completed
	// response for the same fingerprint is returned for replay.
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*Response, error)
	// Complete stores the response for key and ends the reservation.
	Complete(ctx context.Context, key string, resp *Response, ttl time.Duration) error
	// Release drops a reservation without storing anything.
	Release(ctx context.Context, key string) error
}

type entry struct {
	key         string
	fingerprint string
	response    *Response // nil while reserved
	expires     time.Time
	element     *list.Element
}

// MemoryStore keeps keys in memory with LRU eviction of completed entries.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List
	maxSize int
	now     func() time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewMemoryStore holds up to 10,000 keys.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(10000)
}

// NewMemoryStoreWithSize creates a store bounded to maxSize keys.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	s := &MemoryStore{
		entries:     make(map[string]*entry),
		lru:         list.New(),
		maxSize:     maxSize,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (*Response, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		if e.fingerprint != fingerprint {
			return nil, ErrKeyReused
		}
		if e.response == nil {
			return nil, ErrInProgress
		}
		s.lru.MoveToFront(e.element)
		return e.response, nil
	} else if ok {
		s.remove(e)
	}

	if len(s.entries) >= s.maxSize {
		s.evict()
	}
	e := &entry{key: key, fingerprint: fingerprint, expires: now.Add(ttl)}
	e.element = s.lru.PushFront(e)
	s.entries[key] = e
	return nil, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, resp *Response, ttl time.Duration) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	e.response = resp
	e.expires = now.Add(ttl)
	s.lru.MoveToFront(e.element)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.response == nil {
		s.remove(e)
	}
	return nil
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evict drops the least recently used completed entry. Reservations are kept:
// dropping one would let a concurrent duplicate through. Caller holds s.mu.
func (s *MemoryStore) evict() {
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.response != nil {
			s.remove(e)
			return
		}
	}
}

func (s *MemoryStore) remove(e *entry) {
	s.lru.Remove(e.element)
	delete(s.entries, e.key)
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

func (s *MemoryStore) purgeExpired() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*entry
	for _, e := range s.entries {
		if !now.Before(e.expires) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		s.remove(e)
	}
}

// Stop ends the cleanup goroutine.
func (s *MemoryStore) Stop() {
	close(s.stopCleanup)
	<-s.cleanupDone
}

// Close implements io.Closer for lifecycle registration.
func (s *MemoryStore) Close() error {
	s.Stop()
	return nil
}
