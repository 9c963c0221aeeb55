// Package discovery turns raw scan results into the set of nearby peers.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nearlink/internal/debuglog"
	"nearlink/internal/metrics"
	"nearlink/internal/proto"
	"nearlink/internal/radio"
	"nearlink/internal/sched"
)

const (
	DefaultMinRSSI       = -90
	DefaultLiveness      = 10 * time.Second
	DefaultSweepInterval = 2 * time.Second
	DefaultMaxSession    = 60 * time.Second

	undecodableLogEvery = 30 * time.Second
)

// Device is one visible peer. Key is the identity hash when the payload
// decoded, otherwise the radio id.
type Device struct {
	Key            string
	RadioID        string
	Name           string
	SignalStrength int
	LastSeen       time.Time
	Payload        *proto.BroadcastPayload
}

type UpdateKind int

const (
	Added UpdateKind = iota + 1
	Updated
	Removed
	Error
)

func (k UpdateKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Error:
		return "error"
	}
	return fmt.Sprintf("update(%d)", int(k))
}

type Update struct {
	Kind    UpdateKind
	Devices []Device
	Err     error
}

// Listener is called synchronously. A panicking listener is recovered
// and does not stop delivery to the rest.
type Listener func(Update)

type Options struct {
	Codec proto.BroadcastCodec
	// SelfHash reports the local advertisement's identity hash.
	SelfHash      func() string
	MinRSSI       int
	Liveness      time.Duration
	SweepInterval time.Duration
	MaxSession    time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

type Engine struct {
	scanner       radio.Scanner
	codec         proto.BroadcastCodec
	selfHash      func() string
	minRSSI       int
	liveness      time.Duration
	sweepInterval time.Duration
	maxSession    time.Duration
	now           func() time.Time
	log           *slog.Logger
	metrics       *metrics.Metrics

	mu       sync.Mutex
	devices  map[string]*Device
	active   bool
	paused   bool
	scanning bool
	// ScanStopped events from our own pauses still in flight. Reset by Start.
	ownStops  int
	sweep     *sched.Task
	autoStop  *sched.Task
	pump      context.CancelFunc
	listeners map[int]Listener
	nextSub   int
}

func New(scanner radio.Scanner, opts Options) *Engine {
	if opts.Codec == (proto.BroadcastCodec{}) {
		opts.Codec = proto.DefaultBroadcastCodec()
	}
	if opts.MinRSSI == 0 {
		opts.MinRSSI = DefaultMinRSSI
	}
	if opts.Liveness <= 0 {
		opts.Liveness = DefaultLiveness
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.MaxSession <= 0 {
		opts.MaxSession = DefaultMaxSession
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = debuglog.Logger()
	}
	return &Engine{
		scanner:       scanner,
		codec:         opts.Codec,
		selfHash:      opts.SelfHash,
		minRSSI:       opts.MinRSSI,
		liveness:      opts.Liveness,
		sweepInterval: opts.SweepInterval,
		maxSession:    opts.MaxSession,
		now:           opts.Now,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		devices:       make(map[string]*Device),
		listeners:     make(map[int]Listener),
	}
}

// Subscribe registers l and returns a func that removes it.
func (e *Engine) Subscribe(l Listener) (cancel func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.listeners[id] = l
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

func (e *Engine) notify(u Update) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, e.listeners[id])
	}
	e.mu.Unlock()
	for _, l := range ls {
		e.deliver(l, u)
	}
}

func (e *Engine) deliver(l Listener, u Update) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("discovery listener panicked", "kind", u.Kind.String(), "panic", r)
		}
	}()
	l(u)
}

// Start begins a new session: previous devices are cleared, the radio scan
// starts, and the event pump, sweep and auto-stop tasks are scheduled.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Stop(ctx); err != nil {
		e.log.Debug("stop before start", "err", err)
	}
	e.mu.Lock()
	e.devices = make(map[string]*Device)
	e.ownStops = 0
	e.mu.Unlock()
	drain(e.scanner.Events())

	if err := e.scanner.StartScanning(ctx); err != nil {
		return fmt.Errorf("start scanning: %w", err)
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.active = true
	e.paused = false
	e.scanning = true
	e.pump = cancel
	e.sweep = sched.Every(e.sweepInterval, e.sweepTick)
	e.autoStop = sched.After(e.maxSession, e.autoStopTick)
	e.mu.Unlock()
	go e.runPump(pumpCtx, e.scanner.Events())
	e.log.Debug("discovery session started", "max_session", e.maxSession)
	return nil
}

func (e *Engine) runPump(ctx context.Context, events <-chan radio.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			e.HandleEvent(ev)
		}
	}
}

// drain drops events queued before this session, including the ScanStopped
// of the previous Stop.
func drain(events <-chan radio.Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (e *Engine) sweepTick(context.Context) {
	e.Sweep(e.now())
}

func (e *Engine) autoStopTick(ctx context.Context) {
	e.log.Debug("discovery session reached max duration")
	if err := e.Stop(ctx); err != nil {
		e.log.Warn("auto-stop", "err", err)
	}
}

// Pause stops the radio scan and the sweep but keeps the device set.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	if !e.active || e.paused {
		e.mu.Unlock()
		return nil
	}
	e.paused = true
	wasScanning := e.scanning
	if wasScanning {
		e.ownStops++
	}
	e.scanning = false
	sweep := e.sweep
	e.sweep = nil
	e.mu.Unlock()
	sweep.Stop()
	if err := e.scanner.StopScanning(ctx); err != nil {
		// no stop happened, so no event is coming for it
		e.mu.Lock()
		if wasScanning && e.ownStops > 0 {
			e.ownStops--
		}
		e.mu.Unlock()
		return fmt.Errorf("pause scanning: %w", err)
	}
	return nil
}

// Resume restarts the radio scan and the sweep after Pause.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if !e.active || !e.paused {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	if err := e.scanner.StartScanning(ctx); err != nil {
		return fmt.Errorf("resume scanning: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return nil
	}
	e.paused = false
	e.scanning = true
	if e.sweep == nil {
		e.sweep = sched.Every(e.sweepInterval, e.sweepTick)
	}
	return nil
}

// Stop ends the session. It is idempotent, cancels the pump, sweep and
// auto-stop tasks, and keeps the device set until the next Start.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return nil
	}
	// the pump is cancelled below, so our own ScanStopped is never read here
	wasScanning := e.scanning
	e.active = false
	e.paused = false
	e.scanning = false
	sweep, autoStop, pump := e.sweep, e.autoStop, e.pump
	e.sweep, e.autoStop, e.pump = nil, nil, nil
	e.mu.Unlock()

	sweep.Stop()
	autoStop.Stop()
	if pump != nil {
		pump()
	}
	if !wasScanning {
		return nil
	}
	if err := e.scanner.StopScanning(ctx); err != nil {
		return fmt.Errorf("stop scanning: %w", err)
	}
	e.log.Debug("discovery session stopped")
	return nil
}

func (e *Engine) HandleEvent(ev radio.Event) {
	switch ev.Kind {
	case radio.DeviceDiscovered:
		e.HandleSighting(ev.Sighting)
	case radio.ScanStopped:
		e.mu.Lock()
		if e.ownStops > 0 {
			e.ownStops--
			e.mu.Unlock()
			return
		}
		e.scanning = false
		e.mu.Unlock()
		e.log.Debug("radio scan stopped")
	case radio.ConnectionStateChanged:
		e.log.Debug("radio connection state", "radio", ev.RadioID, "connected", ev.Connected)
	case radio.Error:
		e.log.Warn("radio error", "err", ev.Err)
		e.notify(Update{Kind: Error, Err: ev.Err})
	}
}

// HandleSighting applies the signal filter, decodes the payload, drops
// self-sightings and upserts the device. It reports whether the set
// changed.
func (e *Engine) HandleSighting(s radio.Sighting) bool {
	e.metrics.IncSighting()
	if s.RSSI < e.minRSSI {
		e.metrics.IncDropWeak()
		return false
	}
	var payload *proto.BroadcastPayload
	if p, ok := e.codec.Decode(s.Payload); ok {
		payload = &p
	} else {
		e.metrics.IncUndecodable()
		debuglog.RateLimited(context.Background(), e.log, "undecodable:"+s.RadioID, undecodableLogEvery, "undecodable advertisement", "radio", s.RadioID, "len", len(s.Payload))
	}
	if payload != nil && e.selfHash != nil && payload.UserHash == e.selfHash() {
		e.metrics.IncDropSelf()
		return false
	}
	key := s.RadioID
	if payload != nil {
		key = payload.UserHash
	}
	if key == "" {
		return false
	}

	now := e.now()
	e.mu.Lock()
	if payload != nil && s.RadioID != "" && s.RadioID != key {
		// the same radio was seen undecoded before
		delete(e.devices, s.RadioID)
	}
	dev, exists := e.devices[key]
	if !exists {
		dev = &Device{Key: key}
		e.devices[key] = dev
	}
	dev.RadioID = s.RadioID
	dev.SignalStrength = s.RSSI
	dev.LastSeen = now
	if payload != nil {
		dev.Payload = payload
		if payload.DisplayName != "" {
			dev.Name = payload.DisplayName
		}
	}
	snap := *dev
	e.mu.Unlock()

	kind := Updated
	if !exists {
		kind = Added
	}
	e.notify(Update{Kind: kind, Devices: []Device{snap}})
	return true
}

// Sweep removes devices not seen within the liveness window and notifies
// one Removed batch.
func (e *Engine) Sweep(now time.Time) []Device {
	e.mu.Lock()
	var removed []Device
	for key, dev := range e.devices {
		if now.Sub(dev.LastSeen) > e.liveness {
			removed = append(removed, *dev)
			delete(e.devices, key)
		}
	}
	e.mu.Unlock()
	if len(removed) == 0 {
		return nil
	}
	sortDevices(removed)
	e.metrics.AddExpired(len(removed))
	e.notify(Update{Kind: Removed, Devices: removed})
	return removed
}

// Devices returns the visible set, strongest signal first.
func (e *Engine) Devices() []Device {
	e.mu.Lock()
	out := make([]Device, 0, len(e.devices))
	for _, d := range e.devices {
		out = append(out, *d)
	}
	e.mu.Unlock()
	sortDevices(out)
	return out
}

func (e *Engine) Device(key string) (Device, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.devices[key]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Scanning reports whether the radio scan is running in an active,
// unpaused session.
func (e *Engine) Scanning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active && e.scanning
}

func sortDevices(ds []Device) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].SignalStrength != ds[j].SignalStrength {
			return ds[i].SignalStrength > ds[j].SignalStrength
		}
		return ds[i].Key < ds[j].Key
	})
}
