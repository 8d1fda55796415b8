package messenger

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	at      time.Time
	element *list.Element
}

// Dedupe remembers recently seen message keys for a TTL, bounded in size.
// The oldest key is evicted first when the cache is full.
type Dedupe struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewDedupe creates a cache holding at most maxSize keys for ttl each.
func NewDedupe(ttl time.Duration, maxSize int) *Dedupe {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Dedupe{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndMark reports whether key was already seen within the TTL and marks
// it as seen otherwise.
func (d *Dedupe) CheckAndMark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expireLocked(now)

	if _, ok := d.seen[key]; ok {
		return true
	}

	if len(d.seen) >= d.maxSize {
		front := d.order.Front()
		oldest, _ := front.Value.(string)
		d.order.Remove(front)
		delete(d.seen, oldest)
	}

	d.seen[key] = &seenEntry{at: now, element: d.order.PushBack(key)}
	return false
}

// Len returns the number of remembered keys.
func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// expireLocked drops expired keys from the front. Insertion order equals
// timestamp order, so it stops at the first live key.
func (d *Dedupe) expireLocked(now time.Time) {
	for front := d.order.Front(); front != nil; front = d.order.Front() {
		key, _ := front.Value.(string)
		entry := d.seen[key]
		if now.Sub(entry.at) < d.ttl {
			return
		}
		d.order.Remove(front)
		delete(d.seen, key)
	}
}
