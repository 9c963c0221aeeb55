// Package broadcast keeps the local advertisement on air and rotates its
// follow token on a fixed interval.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"nearlink/internal/debuglog"
	"nearlink/internal/metrics"
	"nearlink/internal/proto"
	"nearlink/internal/radio"
	"nearlink/internal/sched"
)

const DefaultRotateInterval = 15 * time.Minute

var (
	ErrNotAdvertising = errors.New("broadcast: not advertising")
	ErrNoIdentity     = errors.New("broadcast: identity not set")
)

type Options struct {
	Codec     proto.BroadcastCodec
	Interval  time.Duration
	ServiceID string
	Radio     radio.BroadcastOptions
	Rand      io.Reader
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Advertiser owns the advertisement state. mu guards fields; opMu orders
// radio operations so a rotation never overlaps a start or stop. mu is
// never held across a radio call.
type Advertiser struct {
	radio     radio.Advertiser
	codec     proto.BroadcastCodec
	interval  time.Duration
	serviceID string
	radioOpts radio.BroadcastOptions
	rand      io.Reader
	log       *slog.Logger
	metrics   *metrics.Metrics

	opMu sync.Mutex

	mu          sync.Mutex
	identityID  string
	hash        string
	name        string
	current     proto.BroadcastPayload
	currentRaw  []byte
	advertising bool
	task        *sched.Task
}

func New(adv radio.Advertiser, opts Options) *Advertiser {
	if opts.Interval <= 0 {
		opts.Interval = DefaultRotateInterval
	}
	if opts.ServiceID == "" {
		opts.ServiceID = radio.ServiceID
	}
	if opts.Codec == (proto.BroadcastCodec{}) {
		opts.Codec = proto.DefaultBroadcastCodec()
	}
	if opts.Logger == nil {
		opts.Logger = debuglog.Logger()
	}
	return &Advertiser{
		radio:     adv,
		codec:     opts.Codec,
		interval:  opts.Interval,
		serviceID: opts.ServiceID,
		radioOpts: opts.Radio,
		rand:      opts.Rand,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
}

// SetIdentity sets the identity the hash is derived from. The hash is only
// recomputed when the id actually changes.
func (a *Advertiser) SetIdentity(identityID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if identityID == a.identityID {
		return
	}
	a.identityID = identityID
	a.hash = ""
	if identityID != "" {
		a.hash = proto.IdentityHash(identityID, a.codec.HashLen)
	}
}

// SetDisplayName takes effect on the next Start or Rotate.
func (a *Advertiser) SetDisplayName(name string) {
	a.mu.Lock()
	a.name = name
	a.mu.Unlock()
}

func (a *Advertiser) CurrentHash() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hash
}

// Current returns the payload on air; ok is false when not advertising.
func (a *Advertiser) Current() (proto.BroadcastPayload, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.advertising
}

func (a *Advertiser) Advertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advertising
}

func (a *Advertiser) build() (proto.BroadcastPayload, []byte, error) {
	a.mu.Lock()
	hash, name := a.hash, a.name
	a.mu.Unlock()
	if hash == "" {
		return proto.BroadcastPayload{}, nil, ErrNoIdentity
	}
	token, err := proto.NewFollowToken(a.rand, a.codec.TokenLen)
	if err != nil {
		return proto.BroadcastPayload{}, nil, err
	}
	p := proto.BroadcastPayload{
		Version:     proto.BroadcastVersion,
		DisplayName: proto.NormalizeName(name, a.codec.MaxNameLen),
		UserHash:    hash,
		FollowToken: token,
	}
	raw, err := a.codec.Encode(p)
	if err != nil {
		return proto.BroadcastPayload{}, nil, err
	}
	return p, raw, nil
}

// Start puts a fresh payload on air and schedules rotation. Starting while
// already advertising is a no-op.
func (a *Advertiser) Start(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if a.Advertising() {
		return nil
	}
	p, raw, err := a.build()
	if err != nil {
		return err
	}
	if err := a.radio.Broadcast(ctx, a.serviceID, raw, a.radioOpts); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	task := sched.Every(a.interval, a.rotateTick)
	a.mu.Lock()
	a.current, a.currentRaw = p, raw
	a.advertising = true
	a.task = task
	a.mu.Unlock()
	a.log.Debug("advertising started", "hash", p.UserHash)
	return nil
}

func (a *Advertiser) rotateTick(ctx context.Context) {
	if err := a.Rotate(ctx); err != nil && !errors.Is(err, ErrNotAdvertising) && ctx.Err() == nil {
		a.log.Warn("advertising rotation failed", "err", err)
	}
}

// Rotate swaps in a payload with a new token and the same identity hash.
// The new payload is built before anything is stopped. The old
// advertisement is fully stopped before the new one starts; if the new
// one cannot start, the old one is restored.
func (a *Advertiser) Rotate(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	a.mu.Lock()
	if !a.advertising {
		a.mu.Unlock()
		return ErrNotAdvertising
	}
	prevRaw := a.currentRaw
	a.mu.Unlock()

	p, raw, err := a.build()
	if err != nil {
		a.metrics.IncRotationFailure()
		return fmt.Errorf("rotate: %w", err)
	}
	if err := a.radio.StopBroadcast(ctx); err != nil {
		// the old advertisement is still on air
		a.metrics.IncRotationFailure()
		return fmt.Errorf("rotate: stop previous: %w", err)
	}
	if err := a.radio.Broadcast(ctx, a.serviceID, raw, a.radioOpts); err != nil {
		a.metrics.IncRotationFailure()
		restoreCtx := context.WithoutCancel(ctx)
		if rerr := a.radio.Broadcast(restoreCtx, a.serviceID, prevRaw, a.radioOpts); rerr != nil {
			a.mu.Lock()
			a.advertising = false
			a.current, a.currentRaw = proto.BroadcastPayload{}, nil
			task := a.task
			a.task = nil
			a.mu.Unlock()
			task.Stop()
			return fmt.Errorf("rotate: start new: %w; restore previous: %v", err, rerr)
		}
		return fmt.Errorf("rotate: start new: %w", err)
	}
	a.mu.Lock()
	a.current, a.currentRaw = p, raw
	a.mu.Unlock()
	a.metrics.IncRotation()
	a.log.Debug("advertising rotated", "hash", p.UserHash)
	return nil
}

// Stop cancels rotation and stops the advertisement. It is idempotent and
// the advertising flag is cleared even when the radio stop fails.
func (a *Advertiser) Stop(ctx context.Context) error {
	a.mu.Lock()
	task := a.task
	a.task = nil
	a.mu.Unlock()
	task.Stop()

	a.opMu.Lock()
	defer a.opMu.Unlock()
	a.mu.Lock()
	// a Start that held opMu before us may have scheduled a new task
	late := a.task
	a.task = nil
	if !a.advertising {
		a.mu.Unlock()
		late.Stop()
		return nil
	}
	a.advertising = false
	a.current, a.currentRaw = proto.BroadcastPayload{}, nil
	a.mu.Unlock()
	late.Stop()
	if err := a.radio.StopBroadcast(ctx); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	a.log.Debug("advertising stopped")
	return nil
}
