package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys so connector retries and
// double deliveries are dropped before they reach the store.
// Safe for concurrent use.
type DedupeCache struct {
	ttl     time.Duration
	maxSize int

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedupeCache creates a cache holding at most maxSize keys for ttl each.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		ttl:     ttl,
		maxSize: maxSize,
		seen:    make(map[string]time.Time),
	}
}

// IsDuplicate records key and reports whether it was already present.
// Empty keys are never duplicates. Callers that fail to process the
// message must Forget the key so the sender's retry gets through.
func (d *DedupeCache) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}

	if len(d.seen) >= d.maxSize {
		d.prune(now)
	}
	d.seen[key] = now
	return false
}

// Forget drops key.
func (d *DedupeCache) Forget(key string) {
	if key == "" {
		return
	}
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}

// prune drops expired keys, then the oldest ones until under the cap.
func (d *DedupeCache) prune(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
	for len(d.seen) >= d.maxSize {
		var oldestKey string
		var oldest time.Time
		for k, at := range d.seen {
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		delete(d.seen, oldestKey)
	}
}

// Len returns the number of tracked keys.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// InboundKey builds the dedupe key for an inbound message.
// Messages without a channel message id are not deduplicated.
func InboundKey(msg InboundMessage) string {
	if msg.MessageID == "" {
		return ""
	}
	return msg.Channel + "|" + msg.SenderID + "|" + msg.MessageID
}
