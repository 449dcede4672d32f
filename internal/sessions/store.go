package sessions

import (
	"context"
	"sync"
	"time"
)

// Store is the ephemeral session backend. Every key carries a TTL so a
// crashed or forgotten conversation never leaks state; values are strings
// (callers JSON-encode structured values).
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Append pushes value to the list at key and refreshes its TTL.
	// Returns the new list length.
	Append(ctx context.Context, key, value string, ttl time.Duration) (int, error)
	// List returns the list at key in insertion order.
	List(ctx context.Context, key string) ([]string, error)
	// Drain atomically returns and deletes the list at key.
	Drain(ctx context.Context, key string) ([]string, error)

	// Keys returns live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// PurgeCitizen deletes every session field of a citizen plus its pending marker.
func PurgeCitizen(ctx context.Context, s Store, citizenKey string) error {
	keys, err := s.Keys(ctx, citizenKey+":")
	if err != nil {
		return err
	}
	keys = append(keys, PendingKey(citizenKey))
	return s.Delete(ctx, keys...)
}

// KeyLock serializes work per key while letting different keys run in
// parallel. Entries are reference counted and dropped when unused.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLock creates an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyLockEntry)}
}

// Lock acquires the lock for key and returns its release func.
func (k *KeyLock) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyLockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
