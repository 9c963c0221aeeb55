package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type HandshakeRecord struct {
	UserHash string    `json:"user_hash"`
	Outcome  string    `json:"outcome"`
	At       time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Discovery   DiscoveryMetrics  `json:"discovery"`
	Broadcast   BroadcastMetrics  `json:"broadcast"`
	Crypto      CryptoMetrics     `json:"crypto"`
	Handshake   HandshakeMetrics  `json:"handshake"`
	Recent      []HandshakeRecord `json:"recent"`
}

type DiscoveryMetrics struct {
	Sightings   uint64 `json:"sightings"`
	DropWeak    uint64 `json:"drop_weak"`
	DropSelf    uint64 `json:"drop_self"`
	Undecodable uint64 `json:"undecodable"`
	Expired     uint64 `json:"expired"`
}

type BroadcastMetrics struct {
	Rotations        uint64 `json:"rotations"`
	RotationFailures uint64 `json:"rotation_failures"`
}

type CryptoMetrics struct {
	EventsEncrypted   uint64 `json:"events_encrypted"`
	KeysWrapped       uint64 `json:"keys_wrapped"`
	RecipientsSkipped uint64 `json:"recipients_skipped"`
	EventsDecrypted   uint64 `json:"events_decrypted"`
	NotAuthorized     uint64 `json:"not_authorized"`
	MessagesSealed    uint64 `json:"messages_sealed"`
}

type HandshakeMetrics struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Mutual   uint64 `json:"mutual"`
	Rejected uint64 `json:"rejected"`
	Timeouts uint64 `json:"timeouts"`
}

type Metrics struct {
	sightings         atomic.Uint64
	dropWeak          atomic.Uint64
	dropSelf          atomic.Uint64
	undecodable       atomic.Uint64
	expired           atomic.Uint64
	rotations         atomic.Uint64
	rotationFailures  atomic.Uint64
	eventsEncrypted   atomic.Uint64
	keysWrapped       atomic.Uint64
	recipientsSkipped atomic.Uint64
	eventsDecrypted   atomic.Uint64
	notAuthorized     atomic.Uint64
	messagesSealed    atomic.Uint64
	hsSent            atomic.Uint64
	hsReceived        atomic.Uint64
	hsMutual          atomic.Uint64
	hsRejected        atomic.Uint64
	hsTimeouts        atomic.Uint64
	recent            *HandshakeRecent
}

func New() *Metrics {
	return &Metrics{recent: NewHandshakeRecent(64)}
}

// All Inc methods are nil-safe so components can run without metrics.

func (m *Metrics) Recent() *HandshakeRecent {
	if m == nil {
		return nil
	}
	return m.recent
}

func (m *Metrics) IncSighting() {
	if m != nil {
		m.sightings.Add(1)
	}
}

func (m *Metrics) IncDropWeak() {
	if m != nil {
		m.dropWeak.Add(1)
	}
}

func (m *Metrics) IncDropSelf() {
	if m != nil {
		m.dropSelf.Add(1)
	}
}

func (m *Metrics) IncUndecodable() {
	if m != nil {
		m.undecodable.Add(1)
	}
}

func (m *Metrics) AddExpired(n int) {
	if m != nil && n > 0 {
		m.expired.Add(uint64(n))
	}
}

func (m *Metrics) IncRotation() {
	if m != nil {
		m.rotations.Add(1)
	}
}

func (m *Metrics) IncRotationFailure() {
	if m != nil {
		m.rotationFailures.Add(1)
	}
}

func (m *Metrics) IncEventEncrypted(wrapped, skipped int) {
	if m == nil {
		return
	}
	m.eventsEncrypted.Add(1)
	m.keysWrapped.Add(uint64(wrapped))
	m.recipientsSkipped.Add(uint64(skipped))
}

func (m *Metrics) IncEventDecrypted() {
	if m != nil {
		m.eventsDecrypted.Add(1)
	}
}

func (m *Metrics) IncNotAuthorized() {
	if m != nil {
		m.notAuthorized.Add(1)
	}
}

func (m *Metrics) IncMessageSealed() {
	if m != nil {
		m.messagesSealed.Add(1)
	}
}

func (m *Metrics) IncHandshakeSent() {
	if m != nil {
		m.hsSent.Add(1)
	}
}

func (m *Metrics) IncHandshakeReceived() {
	if m != nil {
		m.hsReceived.Add(1)
	}
}

func (m *Metrics) IncHandshakeMutual() {
	if m != nil {
		m.hsMutual.Add(1)
	}
}

func (m *Metrics) IncHandshakeRejected() {
	if m != nil {
		m.hsRejected.Add(1)
	}
}

func (m *Metrics) IncHandshakeTimeout() {
	if m != nil {
		m.hsTimeouts.Add(1)
	}
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []HandshakeRecord{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Discovery: DiscoveryMetrics{
			Sightings:   m.sightings.Load(),
			DropWeak:    m.dropWeak.Load(),
			DropSelf:    m.dropSelf.Load(),
			Undecodable: m.undecodable.Load(),
			Expired:     m.expired.Load(),
		},
		Broadcast: BroadcastMetrics{
			Rotations:        m.rotations.Load(),
			RotationFailures: m.rotationFailures.Load(),
		},
		Crypto: CryptoMetrics{
			EventsEncrypted:   m.eventsEncrypted.Load(),
			KeysWrapped:       m.keysWrapped.Load(),
			RecipientsSkipped: m.recipientsSkipped.Load(),
			EventsDecrypted:   m.eventsDecrypted.Load(),
			NotAuthorized:     m.notAuthorized.Load(),
			MessagesSealed:    m.messagesSealed.Load(),
		},
		Handshake: HandshakeMetrics{
			Sent:     m.hsSent.Load(),
			Received: m.hsReceived.Load(),
			Mutual:   m.hsMutual.Load(),
			Rejected: m.hsRejected.Load(),
			Timeouts: m.hsTimeouts.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" || m == nil {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type HandshakeRecent struct {
	mu   sync.Mutex
	cap  int
	list []HandshakeRecord
}

func NewHandshakeRecent(capacity int) *HandshakeRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &HandshakeRecent{cap: capacity}
}

func (r *HandshakeRecent) Add(h HandshakeRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *HandshakeRecent) List() []HandshakeRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HandshakeRecord, len(r.list))
	copy(out, r.list)
	return out
}
