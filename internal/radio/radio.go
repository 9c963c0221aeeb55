// Package radio is the proximity transport seen by discovery, advertising
// and the handshake. Real adapters (BLE, QUIC) and the in-process Sim
// implement it.
package radio

import (
	"context"
	"fmt"
	"time"

	"nearlink/internal/errs"
)

// ServiceID is the advertised service for nearlink payloads.
const ServiceID = "nearlink"

// ErrTimeout is returned by Link.Connect when the peer does not answer in
// time. It matches errs.ErrTimeout.
var ErrTimeout = fmt.Errorf("radio connect: %w", errs.ErrTimeout)

type EventKind int

const (
	DeviceDiscovered EventKind = iota + 1
	ScanStopped
	ConnectionStateChanged
	Error
)

func (k EventKind) String() string {
	switch k {
	case DeviceDiscovered:
		return "device_discovered"
	case ScanStopped:
		return "scan_stopped"
	case ConnectionStateChanged:
		return "connection_state_changed"
	case Error:
		return "error"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Sighting is one scan result: raw manufacturer data and signal strength
// in dBm.
type Sighting struct {
	RadioID string
	RSSI    int
	Payload []byte
}

type Event struct {
	Kind      EventKind
	Sighting  Sighting
	RadioID   string
	Connected bool
	Err       error
}

type BroadcastOptions struct {
	// Interval between advertising packets; 0 lets the adapter choose.
	Interval time.Duration
	TxPower  int
}

// Profile is what a connected peer exposes before the handshake.
type Profile struct {
	UserID       string
	DisplayName  string
	SigningKey   []byte
	AgreementKey []byte
}

type Scanner interface {
	StartScanning(ctx context.Context) error
	StopScanning(ctx context.Context) error
	// Events is closed when the scanner is closed, not when a scan stops.
	Events() <-chan Event
}

type Advertiser interface {
	Broadcast(ctx context.Context, serviceID string, payload []byte, opts BroadcastOptions) error
	StopBroadcast(ctx context.Context) error
}

type Link interface {
	Connect(ctx context.Context, radioID string, timeout time.Duration) error
	Disconnect(ctx context.Context, radioID string) error
	ReadProfile(ctx context.Context, radioID string) (Profile, error)
	WriteHandshake(ctx context.Context, radioID string, payload []byte) ([]byte, error)
}

type Transport interface {
	Scanner
	Advertiser
	Link
}

// HandshakeHandler answers a handshake write on the receiving side.
type HandshakeHandler func(ctx context.Context, payload []byte) ([]byte, error)
