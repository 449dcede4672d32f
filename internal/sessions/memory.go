package sessions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	list      []string
	isList    bool
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a process-local Store. State is lost on restart, which
// the routing engine tolerates (citizens re-answer the current prompt).
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its expiry janitor.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		entries: make(map[string]*memEntry),
		stop:    make(chan struct{}),
	}
	go m.janitor(time.Minute)
	return m
}

func (m *MemoryStore) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-t.C:
			m.mu.Lock()
			for k, e := range m.entries {
				if e.expired(now) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// live returns the entry for key if present and unexpired. Caller holds mu.
func (m *MemoryStore) live(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.expired(time.Now()) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.isList {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memEntry{value: value, expiresAt: deadline(ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.live(key); e != nil {
		e.expiresAt = deadline(ttl)
	}
	return nil
}

func (m *MemoryStore) Append(_ context.Context, key, value string, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || !e.isList {
		e = &memEntry{isList: true}
		m.entries[key] = e
	}
	e.list = append(e.list, value)
	e.expiresAt = deadline(ttl)
	return len(e.list), nil
}

func (m *MemoryStore) List(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || !e.isList {
		return nil, nil
	}
	return append([]string(nil), e.list...), nil
}

func (m *MemoryStore) Drain(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || !e.isList {
		return nil, nil
	}
	delete(m.entries, key)
	return e.list, nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []string
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the janitor.
func (m *MemoryStore) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}
