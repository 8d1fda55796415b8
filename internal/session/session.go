package session

import (
	"context"
	"sync"
	"time"
)

// Entry is the relay's bookkeeping for one conversation.
type Entry struct {
	ID             string    `json:"id"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	SystemSent     bool      `json:"system_sent"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Expired reports whether e has been idle longer than idle. A non-positive
// idle never expires.
func (e Entry) Expired(now time.Time, idle time.Duration) bool {
	return idle > 0 && now.Sub(e.UpdatedAt) > idle
}

// Store persists session entries by session key.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps entries in process memory and forgets entries idle
// longer than the configured window.
type MemoryStore struct {
	idle time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil) //nolint:gochecknoglobals // compile-time check

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a store whose entries expire after idle.
func NewMemoryStore(idle time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		idle:    idle,
		now:     time.Now,
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if e.Expired(s.now(), s.idle) {
		delete(s.entries, key)
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = s.now()
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
