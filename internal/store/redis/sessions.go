package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gosuda/warelay/internal/session"
)

// SessionStore implements session.Store with one JSON value per session key.
// The idle window is applied as the key TTL and refreshed on every Put.
type SessionStore struct {
	client redis.Cmdable
	idle   time.Duration
}

var _ session.Store = (*SessionStore)(nil) //nolint:gochecknoglobals // compile-time check

// NewSessionStore creates a store on client. A non-positive idle stores
// entries without expiry.
func NewSessionStore(client redis.Cmdable, idle time.Duration) *SessionStore {
	return &SessionStore{client: client, idle: idle}
}

func (s *SessionStore) Get(ctx context.Context, key string) (session.Entry, bool, error) {
	data, err := s.client.Get(ctx, SessionKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Entry{}, false, nil
	}
	if err != nil {
		return session.Entry{}, false, fmt.Errorf("redis.SessionStore.Get: %w", err)
	}

	e, err := decodeEntry(data)
	if err != nil {
		return session.Entry{}, false, fmt.Errorf("redis.SessionStore.Get: %w", err)
	}
	return e, true, nil
}

func (s *SessionStore) Put(ctx context.Context, key string, e session.Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis.SessionStore.Put: marshal: %w", err)
	}

	ttl := s.idle
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, SessionKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis.SessionStore.Put: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, SessionKey(key)).Err(); err != nil {
		return fmt.Errorf("redis.SessionStore.Delete: %w", err)
	}
	return nil
}

func decodeEntry(data []byte) (session.Entry, error) {
	var e session.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return session.Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}
