package handshake

import (
	"context"
	"sync"
	"time"
)

// DefaultAcceptTTL bounds how long an unconsumed accept waits for a sync.
const DefaultAcceptTTL = time.Hour

type AcceptanceLogOptions struct {
	TTL time.Duration
	Now func() time.Time
}

// AcceptanceLog is an in-memory Reciprocity. An accept lives until a sync
// consumes it, the connection is dropped, or TTL passes.
type AcceptanceLog struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]acceptEntry
}

type acceptEntry struct {
	at       time.Time // signed timestamp of the accept
	received time.Time
}

func NewAcceptanceLog(opts AcceptanceLogOptions) *AcceptanceLog {
	if opts.TTL <= 0 {
		opts.TTL = DefaultAcceptTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &AcceptanceLog{ttl: opts.TTL, now: opts.Now, seen: make(map[string]acceptEntry)}
}

func (l *AcceptanceLog) Record(_ context.Context, fromUserID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	if prev, ok := l.seen[fromUserID]; !ok || at.After(prev.at) {
		l.seen[fromUserID] = acceptEntry{at: at, received: now}
	}
	return nil
}

// Reciprocated reports whether userID accepted at or after since. Timestamps
// on the wire carry whole seconds, so since is truncated to match.
func (l *AcceptanceLog) Reciprocated(_ context.Context, userID string, since time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	e, ok := l.seen[userID]
	if !ok {
		return false, nil
	}
	return !e.at.Before(since.Truncate(time.Second)), nil
}

func (l *AcceptanceLog) Forget(_ context.Context, userID string) error {
	l.mu.Lock()
	delete(l.seen, userID)
	l.mu.Unlock()
	return nil
}

func (l *AcceptanceLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

func (l *AcceptanceLog) pruneLocked(now time.Time) {
	for id, e := range l.seen {
		if now.Sub(e.received) > l.ttl {
			delete(l.seen, id)
		}
	}
}
