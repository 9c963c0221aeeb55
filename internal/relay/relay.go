// Package relay holds encrypted events for peers that are not in radio
// range. A relay only ever sees ciphertext, the author id and HMAC lookup
// ids; recipients are never named.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"nearlink/internal/errs"
	"nearlink/internal/hybrid"
)

const (
	DefaultTTL       = 7 * 24 * time.Hour
	DefaultMaxRecent = 500
)

// Relay stores events by id. Get returns errs.ErrNotFound for unknown or
// expired ids. List returns the newest events first.
type Relay interface {
	Publish(ctx context.Context, ev *hybrid.EncryptedEvent) error
	Get(ctx context.Context, id string) (*hybrid.EncryptedEvent, error)
	List(ctx context.Context, limit int) ([]*hybrid.EncryptedEvent, error)
}

// Encode is the relay representation of an event.
func Encode(ev *hybrid.EncryptedEvent) ([]byte, error) {
	if ev == nil || ev.ID == "" {
		return nil, fmt.Errorf("relay event: %w", errs.ErrInvalidRequest)
	}
	return json.Marshal(ev)
}

func Decode(data []byte) (*hybrid.EncryptedEvent, error) {
	var ev hybrid.EncryptedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errs.Format("relay event")
	}
	if ev.ID == "" {
		return nil, errs.Format("relay event id")
	}
	raw, err := json.Marshal(ev.WrappedKeys)
	if err != nil {
		return nil, err
	}
	if ev.WrappedKeys, err = hybrid.UnmarshalWrappedKeys(raw); err != nil {
		return nil, err
	}
	return &ev, nil
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// Memory is an in-process Relay with the same TTL and recent-list rules as
// Redis.
type Memory struct {
	ttl       time.Duration
	maxRecent int
	now       func() time.Time

	mu     sync.Mutex
	events map[string]memoryEntry
	recent []string
}

type MemoryOptions struct {
	TTL       time.Duration
	MaxRecent int
	Now       func() time.Time
}

func NewMemory(opts MemoryOptions) *Memory {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxRecent <= 0 {
		opts.MaxRecent = DefaultMaxRecent
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Memory{ttl: opts.TTL, maxRecent: opts.MaxRecent, now: opts.Now, events: make(map[string]memoryEntry)}
}

func (m *Memory) Publish(_ context.Context, ev *hybrid.EncryptedEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = memoryEntry{data: data, expires: m.now().Add(m.ttl)}
	m.recent = append([]string{ev.ID}, m.recent...)
	if len(m.recent) > m.maxRecent {
		m.recent = m.recent[:m.maxRecent]
	}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*hybrid.EncryptedEvent, error) {
	m.mu.Lock()
	e, ok := m.events[id]
	if ok && !m.now().Before(e.expires) {
		delete(m.events, id)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("relay event %s: %w", id, errs.ErrNotFound)
	}
	return Decode(e.data)
}

func (m *Memory) List(ctx context.Context, limit int) ([]*hybrid.EncryptedEvent, error) {
	m.mu.Lock()
	ids := append([]string(nil), m.recent...)
	m.mu.Unlock()
	return collect(ctx, m, ids, limit)
}

// collect resolves ids in order, skipping expired and repeated entries.
func collect(ctx context.Context, r Relay, ids []string, limit int) ([]*hybrid.EncryptedEvent, error) {
	seen := make(map[string]bool, len(ids))
	var out []*hybrid.EncryptedEvent
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ev, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
