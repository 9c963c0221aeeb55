package radio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// OutOfRange as a pair RSSI makes the two radios invisible to each other.
	OutOfRange = -127

	DefaultSimRSSI = -60
	simEventBuffer = 256
)

var (
	ErrNotConnected      = errors.New("radio: not connected")
	ErrAlreadyAdvertised = errors.New("radio: already advertising")
	errSimClosed         = errors.New("radio: closed")
)

type pairKey struct{ a, b string }

func newPairKey(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

// Medium is an in-process radio environment. Radios joined to the same
// medium see each other's advertisements on Tick.
type Medium struct {
	mu    sync.Mutex
	nodes map[string]*Sim
	rssi  map[pairKey]int
}

func NewMedium() *Medium {
	return &Medium{nodes: make(map[string]*Sim), rssi: make(map[pairKey]int)}
}

// Join adds a radio with the given id. Joining an existing id returns the
// existing radio.
func (m *Medium) Join(radioID string) *Sim {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.nodes[radioID]; ok {
		return s
	}
	s := &Sim{
		id:        radioID,
		medium:    m,
		events:    make(chan Event, simEventBuffer),
		connected: make(map[string]bool),
	}
	m.nodes[radioID] = s
	return s
}

func (m *Medium) SetRSSI(a, b string, rssi int) {
	m.mu.Lock()
	m.rssi[newPairKey(a, b)] = rssi
	m.mu.Unlock()
}

func (m *Medium) pairRSSI(a, b string) int {
	if v, ok := m.rssi[newPairKey(a, b)]; ok {
		return v
	}
	return DefaultSimRSSI
}

func (m *Medium) lookup(from, to string) (*Sim, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.nodes[to]
	if !ok || to == from {
		return nil, 0, false
	}
	rssi := m.pairRSSI(from, to)
	if rssi <= OutOfRange {
		return nil, 0, false
	}
	return s, rssi, true
}

// Tick delivers one round of sightings: every scanning radio sees every
// advertising radio in range.
func (m *Medium) Tick() int {
	type sighting struct {
		to *Sim
		ev Event
	}
	m.mu.Lock()
	nodes := make([]*Sim, 0, len(m.nodes))
	for _, s := range m.nodes {
		nodes = append(nodes, s)
	}
	rssi := make(map[pairKey]int, len(m.rssi))
	for k, v := range m.rssi {
		rssi[k] = v
	}
	m.mu.Unlock()

	adverts := make(map[string][]byte, len(nodes))
	scanners := make([]*Sim, 0, len(nodes))
	for _, s := range nodes {
		s.mu.Lock()
		if s.advert != nil {
			adverts[s.id] = bytes.Clone(s.advert)
		}
		if s.scanning && !s.closed {
			scanners = append(scanners, s)
		}
		s.mu.Unlock()
	}
	var out []sighting
	for _, sc := range scanners {
		for id, payload := range adverts {
			if id == sc.id {
				continue
			}
			v, ok := rssi[newPairKey(sc.id, id)]
			if !ok {
				v = DefaultSimRSSI
			}
			if v <= OutOfRange {
				continue
			}
			out = append(out, sighting{to: sc, ev: Event{Kind: DeviceDiscovered, Sighting: Sighting{RadioID: id, RSSI: v, Payload: payload}}})
		}
	}
	delivered := 0
	for _, s := range out {
		if s.to.emit(s.ev) {
			delivered++
		}
	}
	return delivered
}

// Sim is one simulated radio. It implements Transport.
type Sim struct {
	id     string
	medium *Medium

	mu         sync.Mutex
	scanning   bool
	advert     []byte
	broadcasts int
	failStart  int
	failStop   int
	handler    HandshakeHandler
	profile    Profile
	connected  map[string]bool
	closed     bool
	events     chan Event
}

var _ Transport = (*Sim)(nil)

func (s *Sim) ID() string { return s.id }

func (s *Sim) SetProfile(p Profile) {
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
}

func (s *Sim) SetHandshakeHandler(h HandshakeHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// FailNextBroadcasts makes the next n Broadcast calls fail.
func (s *Sim) FailNextBroadcasts(n int) {
	s.mu.Lock()
	s.failStart = n
	s.mu.Unlock()
}

// FailNextStops makes the next n StopBroadcast calls fail. A failed stop
// leaves the advertisement running.
func (s *Sim) FailNextStops(n int) {
	s.mu.Lock()
	s.failStop = n
	s.mu.Unlock()
}

// Advertisement returns the payload currently on air, nil when silent.
func (s *Sim) Advertisement() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.advert)
}

func (s *Sim) BroadcastCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcasts
}

func (s *Sim) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Emit injects an event as if the radio stack had produced it.
func (s *Sim) Emit(ev Event) bool {
	return s.emit(ev)
}

func (s *Sim) emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *Sim) StartScanning(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSimClosed
	}
	s.scanning = true
	return nil
}

func (s *Sim) StopScanning(ctx context.Context) error {
	s.mu.Lock()
	was := s.scanning
	s.scanning = false
	s.mu.Unlock()
	if was {
		s.emit(Event{Kind: ScanStopped})
	}
	return nil
}

func (s *Sim) Events() <-chan Event { return s.events }

func (s *Sim) Broadcast(ctx context.Context, serviceID string, payload []byte, _ BroadcastOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if serviceID == "" || len(payload) == 0 {
		return errors.New("radio: empty broadcast")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSimClosed
	}
	if s.failStart > 0 {
		s.failStart--
		return errors.New("radio: advertise failed")
	}
	if s.advert != nil {
		return ErrAlreadyAdvertised
	}
	s.advert = bytes.Clone(payload)
	s.broadcasts++
	return nil
}

func (s *Sim) StopBroadcast(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStop > 0 {
		s.failStop--
		return errors.New("radio: stop advertise failed")
	}
	s.advert = nil
	return nil
}

// Connect succeeds at once when the peer is in range. Otherwise it waits
// out the timeout and returns ErrTimeout.
func (s *Sim) Connect(ctx context.Context, radioID string, timeout time.Duration) error {
	if _, _, ok := s.medium.lookup(s.id, radioID); ok {
		s.mu.Lock()
		s.connected[radioID] = true
		s.mu.Unlock()
		s.emit(Event{Kind: ConnectionStateChanged, RadioID: radioID, Connected: true})
		return nil
	}
	if timeout <= 0 {
		return ErrTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sim) Disconnect(ctx context.Context, radioID string) error {
	s.mu.Lock()
	was := s.connected[radioID]
	delete(s.connected, radioID)
	s.mu.Unlock()
	if was {
		s.emit(Event{Kind: ConnectionStateChanged, RadioID: radioID, Connected: false})
	}
	return nil
}

func (s *Sim) peer(radioID string) (*Sim, error) {
	s.mu.Lock()
	ok := s.connected[radioID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", radioID, ErrNotConnected)
	}
	target, _, inRange := s.medium.lookup(s.id, radioID)
	if !inRange {
		return nil, fmt.Errorf("%s: %w", radioID, ErrNotConnected)
	}
	return target, nil
}

func (s *Sim) ReadProfile(ctx context.Context, radioID string) (Profile, error) {
	target, err := s.peer(radioID)
	if err != nil {
		return Profile{}, err
	}
	target.mu.Lock()
	p := target.profile
	target.mu.Unlock()
	p.SigningKey = bytes.Clone(p.SigningKey)
	p.AgreementKey = bytes.Clone(p.AgreementKey)
	return p, nil
}

func (s *Sim) WriteHandshake(ctx context.Context, radioID string, payload []byte) ([]byte, error) {
	target, err := s.peer(radioID)
	if err != nil {
		return nil, err
	}
	target.mu.Lock()
	h := target.handler
	target.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("%s: no handshake handler", radioID)
	}
	return h(ctx, bytes.Clone(payload))
}

// Close stops the radio and closes its event channel.
func (s *Sim) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.scanning = false
	s.advert = nil
	close(s.events)
}
