// Package handshake runs the connection state machine:
//
//	none -> pending-sent | pending-received -> mutual
//
// A reject deletes the record. A connection only becomes mutual once both
// sides have asked or one side explicitly accepted the other's request.
package handshake

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"nearlink/internal/crypto"
	"nearlink/internal/debuglog"
	"nearlink/internal/errs"
	"nearlink/internal/identity"
	"nearlink/internal/metrics"
	"nearlink/internal/peer"
	"nearlink/internal/proto"
	"nearlink/internal/radio"
)

const (
	DefaultTimeout = 10 * time.Second
	MaxClockSkew   = 10 * time.Minute
	nonceSize      = 16
)

type Policy int

const (
	// ManualAccept leaves inbound requests pending until the user accepts.
	ManualAccept Policy = iota
	AutoAccept
)

// Store is the part of persistence the handshake needs. Lookups return
// errs.ErrNotFound when nothing matches.
type Store interface {
	SaveConnection(ctx context.Context, c peer.Connection) error
	GetConnection(ctx context.Context, id uuid.UUID) (peer.Connection, error)
	GetConnectionByUser(ctx context.Context, userID string) (peer.Connection, error)
	GetConnections(ctx context.Context) ([]peer.Connection, error)
	DeleteConnection(ctx context.Context, id uuid.UUID) error
}

// Reciprocity answers whether a peer has confirmed our request since it
// was made. Forget drops whatever is held for a user.
type Reciprocity interface {
	Record(ctx context.Context, fromUserID string, at time.Time) error
	Reciprocated(ctx context.Context, userID string, since time.Time) (bool, error)
	Forget(ctx context.Context, userID string) error
}

type Options struct {
	Identity    identity.Identity
	DisplayName string
	Signing     identity.KeyPair
	Agreement   identity.KeyPair
	Store       Store
	Link        radio.Link
	Reciprocity Reciprocity
	Policy      Policy
	Timeout     time.Duration
	Now         func() time.Time
	Rand        io.Reader
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type Handshaker struct {
	ident     identity.Identity
	signing   identity.KeyPair
	agreement identity.KeyPair
	store     Store
	link      radio.Link
	recip     Reciprocity
	policy    Policy
	timeout   time.Duration
	now       func() time.Time
	rand      io.Reader
	log       *slog.Logger
	metrics   *metrics.Metrics

	// transitions serializes read-modify-write of connection records. It is
	// never held across a radio call.
	transitions sync.Mutex

	mu          sync.Mutex
	displayName string
}

func New(opts Options) (*Handshaker, error) {
	if opts.Store == nil {
		return nil, errors.New("handshake: missing store")
	}
	if opts.Identity.ID == "" || len(opts.Signing.PrivateKey) != identity.PrivateKeySize || len(opts.Agreement.PrivateKey) != identity.AgreementKeySize {
		return nil, errors.New("handshake: missing identity keys")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = debuglog.Logger()
	}
	if opts.Reciprocity == nil {
		opts.Reciprocity = NewAcceptanceLog(AcceptanceLogOptions{Now: opts.Now})
	}
	return &Handshaker{
		ident:       opts.Identity,
		displayName: opts.DisplayName,
		signing:     opts.Signing,
		agreement:   opts.Agreement,
		store:       opts.Store,
		link:        opts.Link,
		recip:       opts.Reciprocity,
		policy:      opts.Policy,
		timeout:     opts.Timeout,
		now:         opts.Now,
		rand:        opts.Rand,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}, nil
}

func (h *Handshaker) SetDisplayName(name string) {
	h.mu.Lock()
	h.displayName = name
	h.mu.Unlock()
}

func (h *Handshaker) DisplayName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.displayName
}

// Profile is what this node shows a connected peer.
func (h *Handshaker) Profile() proto.ProfileMsg {
	return proto.ProfileMsg{
		Type:         proto.MsgTypeProfile,
		UserID:       h.ident.ID,
		DisplayName:  h.DisplayName(),
		SigningPub:   hex.EncodeToString(h.ident.PublicKey),
		AgreementPub: hex.EncodeToString(h.ident.AgreementKey),
	}
}

// RadioProfile is Profile in the form radio adapters serve.
func (h *Handshaker) RadioProfile() radio.Profile {
	return radio.Profile{
		UserID:       h.ident.ID,
		DisplayName:  h.DisplayName(),
		SigningKey:   bytes.Clone(h.ident.PublicKey),
		AgreementKey: bytes.Clone(h.ident.AgreementKey),
	}
}

func (h *Handshaker) record(userID, outcome string) {
	h.metrics.Recent().Add(metrics.HandshakeRecord{
		UserHash: proto.IdentityHash(userID, proto.DefaultHashLen),
		Outcome:  outcome,
		At:       h.now(),
	})
}

func (h *Handshaker) lookupUser(ctx context.Context, userID string) (peer.Connection, bool, error) {
	c, err := h.store.GetConnectionByUser(ctx, userID)
	if err == nil {
		return c, true, nil
	}
	if errors.Is(err, errs.ErrNotFound) {
		return peer.Connection{}, false, nil
	}
	return peer.Connection{}, false, err
}

func (h *Handshaker) save(ctx context.Context, c peer.Connection) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return h.store.SaveConnection(ctx, c)
}

func validProfile(p radio.Profile) error {
	if p.UserID == "" {
		return errors.New("missing user id")
	}
	if len(p.SigningKey) != identity.PublicKeySize || len(p.AgreementKey) != identity.AgreementKeySize {
		return errors.New("bad profile keys")
	}
	if identity.IDFromPublicKey(p.SigningKey) != p.UserID {
		return errors.New("user id does not match signing key")
	}
	return nil
}

// RequestConnection connects to radioID, reads its profile, records a
// pending-sent connection and sends a signed request. The radio link is
// always disconnected before returning.
func (h *Handshaker) RequestConnection(ctx context.Context, radioID string) (peer.Connection, error) {
	if h.link == nil {
		return peer.Connection{}, errors.New("handshake: no radio link")
	}
	if err := h.dial(ctx, radioID); err != nil {
		return peer.Connection{}, err
	}
	defer h.hangUp(ctx, radioID)

	prof, err := h.link.ReadProfile(ctx, radioID)
	if err != nil {
		return peer.Connection{}, fmt.Errorf("read profile: %w", err)
	}
	if err := validProfile(prof); err != nil {
		return peer.Connection{}, fmt.Errorf("profile from %s: %v: %w", radioID, err, errs.ErrInvalidRequest)
	}
	if prof.UserID == h.ident.ID {
		return peer.Connection{}, fmt.Errorf("profile from %s is our own: %w", radioID, errs.ErrInvalidRequest)
	}
	secret, err := crypto.DeriveSharedSecret(h.agreement.PrivateKey, prof.AgreementKey)
	if err != nil {
		return peer.Connection{}, err
	}

	conn, err := h.prepareOutbound(ctx, prof, secret)
	if err != nil {
		return peer.Connection{}, err
	}
	if conn.IsMutual() {
		return conn, nil
	}

	req, err := h.signedRequest()
	if err != nil {
		return peer.Connection{}, err
	}
	h.metrics.IncHandshakeSent()
	raw, err := h.link.WriteHandshake(ctx, radioID, req)
	if err != nil {
		return conn, fmt.Errorf("write handshake: %w", err)
	}
	resp, err := proto.DecodeConnResponseMsg(raw)
	if err != nil {
		return conn, fmt.Errorf("handshake response: %v: %w", err, errs.ErrFormat)
	}
	return h.applyResponse(ctx, conn.UserID, resp)
}

func (h *Handshaker) dial(ctx context.Context, radioID string) error {
	if err := h.link.Connect(ctx, radioID, h.timeout); err != nil {
		if errors.Is(err, errs.ErrTimeout) {
			h.metrics.IncHandshakeTimeout()
		}
		return fmt.Errorf("connect %s: %w", radioID, err)
	}
	return nil
}

func (h *Handshaker) hangUp(ctx context.Context, radioID string) {
	if err := h.link.Disconnect(context.WithoutCancel(ctx), radioID); err != nil {
		h.log.Debug("disconnect", "radio", radioID, "err", err)
	}
}

// DeliverAccept writes an accept produced by AcceptConnectionRequest to the
// peer at radioID.
func (h *Handshaker) DeliverAccept(ctx context.Context, radioID string, msg proto.ConnAcceptMsg) error {
	if h.link == nil {
		return errors.New("handshake: no radio link")
	}
	raw, err := proto.EncodeConnAcceptMsg(msg)
	if err != nil {
		return err
	}
	if err := h.dial(ctx, radioID); err != nil {
		return err
	}
	defer h.hangUp(ctx, radioID)
	out, err := h.link.WriteHandshake(ctx, radioID, raw)
	if err != nil {
		return fmt.Errorf("write accept: %w", err)
	}
	resp, err := proto.DecodeConnResponseMsg(out)
	if err != nil {
		return fmt.Errorf("accept response: %v: %w", err, errs.ErrFormat)
	}
	if resp.Status != proto.ConnStatusAccepted {
		return fmt.Errorf("accept refused by %s: %w", radioID, errs.ErrRejected)
	}
	return nil
}

func (h *Handshaker) prepareOutbound(ctx context.Context, prof radio.Profile, secret []byte) (peer.Connection, error) {
	h.transitions.Lock()
	defer h.transitions.Unlock()
	conn, found, err := h.lookupUser(ctx, prof.UserID)
	if err != nil {
		return peer.Connection{}, err
	}
	if found && conn.IsMutual() {
		return conn, nil
	}
	if !found {
		conn = peer.New(prof.UserID, prof.DisplayName, peer.StatusPendingSent)
		conn.ConnectedAt = h.now()
	}
	// a pending-received record stays as is until the peer answers
	if prof.DisplayName != "" {
		conn.DisplayName = prof.DisplayName
	}
	conn.PublicKey = bytes.Clone(prof.AgreementKey)
	conn.SigningKey = bytes.Clone(prof.SigningKey)
	conn.SharedSecret = secret
	if err := h.save(ctx, conn); err != nil {
		return peer.Connection{}, err
	}
	return conn, nil
}

func (h *Handshaker) signedRequest() ([]byte, error) {
	nonce, err := crypto.RandomBytes(h.rand, nonceSize)
	if err != nil {
		return nil, err
	}
	ts := h.now().Unix()
	name := h.DisplayName()
	sig, err := identity.Sign(proto.ConnRequestBytes(h.ident.ID, name, h.ident.PublicKey, h.ident.AgreementKey, ts, nonce), h.signing.PrivateKey)
	if err != nil {
		return nil, err
	}
	return proto.EncodeConnRequestMsg(proto.ConnRequestMsg{
		UserID:       h.ident.ID,
		DisplayName:  name,
		SigningPub:   hex.EncodeToString(h.ident.PublicKey),
		AgreementPub: hex.EncodeToString(h.ident.AgreementKey),
		Timestamp:    ts,
		Nonce:        hex.EncodeToString(nonce),
		Sig:          hex.EncodeToString(sig),
	})
}

func (h *Handshaker) applyResponse(ctx context.Context, userID string, resp proto.ConnResponseMsg) (peer.Connection, error) {
	h.transitions.Lock()
	defer h.transitions.Unlock()
	conn, found, err := h.lookupUser(ctx, userID)
	if err != nil {
		return peer.Connection{}, err
	}
	if !found {
		return peer.Connection{}, fmt.Errorf("connection to %s vanished: %w", userID, errs.ErrNotFound)
	}
	switch resp.Status {
	case proto.ConnStatusAccepted:
		if !conn.IsMutual() {
			if err := conn.Promote(); err != nil {
				return conn, err
			}
			if err := h.save(ctx, conn); err != nil {
				return conn, err
			}
			h.metrics.IncHandshakeMutual()
		}
		h.record(userID, "mutual")
		h.log.Info("connection mutual", "user", userID)
		return conn, nil
	case proto.ConnStatusRejected:
		if err := h.store.DeleteConnection(ctx, conn.ID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return peer.Connection{}, err
		}
		if err := h.recip.Forget(ctx, userID); err != nil {
			return peer.Connection{}, err
		}
		h.metrics.IncHandshakeRejected()
		h.record(userID, "rejected")
		if resp.Reason != "" {
			return peer.Connection{}, fmt.Errorf("peer %s: %s: %w", userID, resp.Reason, errs.ErrRejected)
		}
		return peer.Connection{}, fmt.Errorf("peer %s: %w", userID, errs.ErrRejected)
	default:
		h.record(userID, "pending")
		return conn, nil
	}
}

func (h *Handshaker) reject(reason string, cause error) (proto.ConnResponseMsg, error) {
	h.metrics.IncHandshakeRejected()
	return proto.ConnResponseMsg{Type: proto.MsgTypeConnResponse, Status: proto.ConnStatusRejected, Reason: reason},
		fmt.Errorf("connection request: %s: %w", reason, cause)
}

func (h *Handshaker) fresh(unix int64) bool {
	skew := h.now().Sub(time.Unix(unix, 0))
	return skew <= MaxClockSkew && skew >= -MaxClockSkew
}

func (h *Handshaker) checkRequest(req proto.ConnRequestMsg) (signingPub, agreementPub []byte, reason string) {
	if req.UserID == "" || req.DisplayName == "" {
		return nil, nil, "missing user id or display name"
	}
	signingPub, agreementPub, nonce, sig, err := proto.DecodeConnRequestFields(req)
	if err != nil {
		return nil, nil, err.Error()
	}
	if identity.IDFromPublicKey(signingPub) != req.UserID {
		return nil, nil, "user id does not match signing key"
	}
	if req.UserID == h.ident.ID {
		return nil, nil, "request from self"
	}
	if !h.fresh(req.Timestamp) {
		return nil, nil, "stale request"
	}
	msg := proto.ConnRequestBytes(req.UserID, req.DisplayName, signingPub, agreementPub, req.Timestamp, nonce)
	if !identity.Verify(msg, sig, signingPub) {
		return nil, nil, "bad signature"
	}
	return signingPub, agreementPub, ""
}

// HandleConnectionRequest validates an inbound request and records it.
// The response is accepted when the connection is (or becomes) mutual,
// pending while it awaits a local decision, and rejected for invalid
// requests, in which case the error wraps errs.ErrInvalidRequest.
func (h *Handshaker) HandleConnectionRequest(ctx context.Context, req proto.ConnRequestMsg) (proto.ConnResponseMsg, error) {
	h.metrics.IncHandshakeReceived()
	signingPub, agreementPub, reason := h.checkRequest(req)
	if reason != "" {
		return h.reject(reason, errs.ErrInvalidRequest)
	}
	secret, err := crypto.DeriveSharedSecret(h.agreement.PrivateKey, agreementPub)
	if err != nil {
		return h.reject("bad agreement key", errors.Join(errs.ErrInvalidRequest, err))
	}

	h.transitions.Lock()
	defer h.transitions.Unlock()
	conn, found, err := h.lookupUser(ctx, req.UserID)
	if err != nil {
		return proto.ConnResponseMsg{}, err
	}
	if found && len(conn.PublicKey) > 0 && !bytes.Equal(conn.PublicKey, agreementPub) {
		return h.reject("agreement key changed", errs.ErrInvalidRequest)
	}

	status := proto.ConnStatusPending
	switch {
	case !found:
		conn = peer.New(req.UserID, req.DisplayName, peer.StatusPendingReceived)
		conn.ConnectedAt = h.now()
	case conn.Status == peer.StatusPendingSent:
		// crossed requests: both sides asked
		status = proto.ConnStatusAccepted
	case conn.IsMutual():
		status = proto.ConnStatusAccepted
	}
	if h.policy == AutoAccept {
		status = proto.ConnStatusAccepted
	}
	conn.DisplayName = req.DisplayName
	conn.PublicKey = agreementPub
	conn.SigningKey = signingPub
	conn.SharedSecret = secret
	wasMutual := conn.IsMutual()
	if status == proto.ConnStatusAccepted {
		if err := conn.Promote(); err != nil {
			return proto.ConnResponseMsg{}, err
		}
	}
	if err := h.save(ctx, conn); err != nil {
		return proto.ConnResponseMsg{}, err
	}
	if status == proto.ConnStatusAccepted && !wasMutual {
		h.metrics.IncHandshakeMutual()
	}
	h.record(req.UserID, status)
	h.log.Info("connection request", "user", req.UserID, "status", status)

	p := h.Profile()
	return proto.ConnResponseMsg{
		Type:         proto.MsgTypeConnResponse,
		Status:       status,
		UserID:       p.UserID,
		DisplayName:  p.DisplayName,
		SigningPub:   p.SigningPub,
		AgreementPub: p.AgreementPub,
	}, nil
}

// AcceptConnectionRequest promotes a pending-received connection to mutual
// and returns the signed confirmation for the peer.
func (h *Handshaker) AcceptConnectionRequest(ctx context.Context, id uuid.UUID) (proto.ConnAcceptMsg, error) {
	h.transitions.Lock()
	defer h.transitions.Unlock()
	conn, err := h.store.GetConnection(ctx, id)
	if err != nil {
		return proto.ConnAcceptMsg{}, err
	}
	if conn.Status != peer.StatusPendingReceived {
		return proto.ConnAcceptMsg{}, fmt.Errorf("accept from %s: %w", conn.Status, errs.ErrInvalidTransition)
	}
	if err := conn.Promote(); err != nil {
		return proto.ConnAcceptMsg{}, err
	}
	ts := h.now().Unix()
	sig, err := identity.Sign(proto.ConnAcceptBytes(h.ident.ID, conn.UserID, ts), h.signing.PrivateKey)
	if err != nil {
		return proto.ConnAcceptMsg{}, err
	}
	if err := h.save(ctx, conn); err != nil {
		return proto.ConnAcceptMsg{}, err
	}
	h.metrics.IncHandshakeMutual()
	h.record(conn.UserID, "accepted")
	return proto.ConnAcceptMsg{
		Type:       proto.MsgTypeConnAccept,
		FromUserID: h.ident.ID,
		ToUserID:   conn.UserID,
		SigningPub: hex.EncodeToString(h.ident.PublicKey),
		Timestamp:  ts,
		Sig:        hex.EncodeToString(sig),
	}, nil
}

// RejectConnectionRequest deletes a pending-received connection.
func (h *Handshaker) RejectConnectionRequest(ctx context.Context, id uuid.UUID) error {
	h.transitions.Lock()
	defer h.transitions.Unlock()
	conn, err := h.store.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if conn.Status != peer.StatusPendingReceived {
		return fmt.Errorf("reject from %s: %w", conn.Status, errs.ErrInvalidTransition)
	}
	if err := h.store.DeleteConnection(ctx, id); err != nil {
		return err
	}
	if err := h.recip.Forget(ctx, conn.UserID); err != nil {
		return err
	}
	h.metrics.IncHandshakeRejected()
	h.record(conn.UserID, "rejected")
	return nil
}

// HandleConnectionAccept verifies a peer's confirmation of our request and
// records it for SyncPendingConnections.
func (h *Handshaker) HandleConnectionAccept(ctx context.Context, msg proto.ConnAcceptMsg) error {
	if msg.ToUserID != h.ident.ID {
		return fmt.Errorf("accept addressed to %q: %w", msg.ToUserID, errs.ErrInvalidRequest)
	}
	signingPub, err := hex.DecodeString(msg.SigningPub)
	if err != nil || identity.IDFromPublicKey(signingPub) != msg.FromUserID {
		return fmt.Errorf("accept signer mismatch: %w", errs.ErrInvalidRequest)
	}
	sig, err := hex.DecodeString(msg.Sig)
	if err != nil || !identity.Verify(proto.ConnAcceptBytes(msg.FromUserID, msg.ToUserID, msg.Timestamp), sig, signingPub) {
		return fmt.Errorf("accept signature: %w", errs.ErrInvalidRequest)
	}
	if !h.fresh(msg.Timestamp) {
		return fmt.Errorf("stale accept: %w", errs.ErrInvalidRequest)
	}
	return h.recip.Record(ctx, msg.FromUserID, time.Unix(msg.Timestamp, 0).UTC())
}

// SyncPendingConnections upgrades pending-sent connections whose peer has
// accepted since the request was made. Each accept is consumed once. It returns how many were upgraded; a second call with
// nothing new returns 0.
func (h *Handshaker) SyncPendingConnections(ctx context.Context) (int, error) {
	h.transitions.Lock()
	defer h.transitions.Unlock()
	conns, err := h.store.GetConnections(ctx)
	if err != nil {
		return 0, err
	}
	upgraded := 0
	for _, c := range conns {
		if c.Status != peer.StatusPendingSent || !c.HasSecret() {
			continue
		}
		ok, err := h.recip.Reciprocated(ctx, c.UserID, c.ConnectedAt)
		if err != nil {
			return upgraded, err
		}
		if !ok {
			continue
		}
		if err := c.Promote(); err != nil {
			return upgraded, err
		}
		if err := h.save(ctx, c); err != nil {
			return upgraded, err
		}
		if err := h.recip.Forget(ctx, c.UserID); err != nil {
			return upgraded, err
		}
		h.metrics.IncHandshakeMutual()
		h.record(c.UserID, "mutual")
		upgraded++
	}
	return upgraded, nil
}

// Disconnect deletes the connection along with any accept held for the
// peer, so a later request needs a fresh confirmation.
func (h *Handshaker) Disconnect(ctx context.Context, id uuid.UUID) error {
	h.transitions.Lock()
	defer h.transitions.Unlock()
	conn, err := h.store.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if err := h.store.DeleteConnection(ctx, id); err != nil {
		return err
	}
	return h.recip.Forget(ctx, conn.UserID)
}

// Serve answers one handshake write from a peer. Refusals go back to the
// peer as messages and are only logged here; the error reports local
// failures such as storage errors.
func (h *Handshaker) Serve(ctx context.Context, payload []byte) ([]byte, error) {
	typ, ok := proto.MessageType(payload)
	if !ok {
		return proto.EncodeErrorMsg("missing type"), nil
	}
	switch typ {
	case proto.MsgTypeConnRequest:
		req, err := proto.DecodeConnRequestMsg(payload)
		if err != nil {
			h.metrics.IncHandshakeReceived()
			resp, _ := h.reject("undecodable request", errs.ErrFormat)
			return proto.EncodeConnResponseMsg(resp)
		}
		resp, err := h.HandleConnectionRequest(ctx, req)
		if err != nil {
			if !errors.Is(err, errs.ErrInvalidRequest) {
				return proto.EncodeErrorMsg("internal error"), err
			}
			h.log.Debug("refused connection request", "err", err)
		}
		return proto.EncodeConnResponseMsg(resp)
	case proto.MsgTypeConnAccept:
		msg, err := proto.DecodeConnAcceptMsg(payload)
		if err == nil {
			err = h.HandleConnectionAccept(ctx, msg)
			if err != nil && !errors.Is(err, errs.ErrInvalidRequest) {
				return proto.EncodeErrorMsg("internal error"), err
			}
		}
		if err != nil {
			h.log.Debug("refused connection accept", "err", err)
			return proto.EncodeConnResponseMsg(proto.ConnResponseMsg{Status: proto.ConnStatusRejected, Reason: "accept not verified"})
		}
		return proto.EncodeConnResponseMsg(proto.ConnResponseMsg{Status: proto.ConnStatusAccepted, UserID: h.ident.ID})
	case proto.MsgTypeProfileReq:
		return proto.EncodeProfileMsg(h.Profile())
	default:
		h.log.Debug("unknown handshake message", "type", typ)
		return proto.EncodeErrorMsg("unknown type"), nil
	}
}
