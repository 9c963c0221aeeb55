package node

import (
	"container/list"
	"os"
	"strconv"
	"sync"
	"time"
)

type verdictEntry struct {
	key [32]byte
	ts  time.Time
}

// verdictCache remembers events that none of our connections could open,
// so Inbox does not retry every wrapped key on each poll. Keys include a
// fingerprint of the connection set, so a new connection invalidates them.
type verdictCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	items   map[[32]byte]*list.Element
	order   *list.List
}

func newVerdictCache() *verdictCache {
	ttl := 10 * time.Minute
	if raw := os.Getenv("NEARLINK_INBOX_CACHE_TTL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			ttl = time.Duration(v) * time.Second
		}
	}
	maxSize := 4096
	if raw := os.Getenv("NEARLINK_INBOX_CACHE_MAX"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			maxSize = v
		}
	}
	return &verdictCache{
		ttl:     ttl,
		maxSize: maxSize,
		items:   make(map[[32]byte]*list.Element),
		order:   list.New(),
	}
}

func (c *verdictCache) has(key [32]byte) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(time.Now())
	_, ok := c.items[key]
	return ok
}

func (c *verdictCache) put(key [32]byte) {
	if c == nil {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	if el, ok := c.items[key]; ok {
		el.Value.(*verdictEntry).ts = now
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&verdictEntry{key: key, ts: now})
	for c.maxSize > 0 && c.order.Len() > c.maxSize {
		back := c.order.Back()
		delete(c.items, back.Value.(*verdictEntry).key)
		c.order.Remove(back)
	}
}

func (c *verdictCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *verdictCache) pruneExpiredLocked(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	cutoff := now.Add(-c.ttl)
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		ent := back.Value.(*verdictEntry)
		if ent.ts.After(cutoff) {
			return
		}
		delete(c.items, ent.key)
		c.order.Remove(back)
	}
}
