package handshake

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearlink/internal/debuglog"
	"nearlink/internal/errs"
	"nearlink/internal/identity"
	"nearlink/internal/metrics"
	"nearlink/internal/peer"
	"nearlink/internal/proto"
	"nearlink/internal/radio"
)

type memStore struct {
	mu    sync.Mutex
	conns map[uuid.UUID]peer.Connection
}

func newMemStore() *memStore { return &memStore{conns: make(map[uuid.UUID]peer.Connection)} }

func (s *memStore) SaveConnection(_ context.Context, c peer.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID] = c.Clone()
	return nil
}

func (s *memStore) GetConnection(_ context.Context, id uuid.UUID) (peer.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return peer.Connection{}, errs.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *memStore) GetConnectionByUser(_ context.Context, userID string) (peer.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if c.UserID == userID {
			return c.Clone(), nil
		}
	}
	return peer.Connection{}, errs.ErrNotFound
}

func (s *memStore) GetConnections(_ context.Context) ([]peer.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]peer.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (s *memStore) DeleteConnection(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return errs.ErrNotFound
	}
	delete(s.conns, id)
	return nil
}

type node struct {
	h       *Handshaker
	sim     *radio.Sim
	store   *memStore
	ident   identity.Identity
	signing identity.KeyPair
	metrics *metrics.Metrics
}

func newNode(t *testing.T, medium *radio.Medium, radioID, name string, policy Policy) *node {
	t.Helper()
	signing, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	agreement, err := identity.GenerateAgreementKeyPair()
	require.NoError(t, err)
	ident, err := identity.CreateIdentity(signing, agreement)
	require.NoError(t, err)
	sim := medium.Join(radioID)
	st := newMemStore()
	m := metrics.New()
	h, err := New(Options{
		Identity:    ident,
		DisplayName: name,
		Signing:     signing,
		Agreement:   agreement,
		Store:       st,
		Link:        sim,
		Policy:      policy,
		Timeout:     50 * time.Millisecond,
		Logger:      debuglog.Discard(),
		Metrics:     m,
	})
	require.NoError(t, err)
	sim.SetProfile(h.RadioProfile())
	sim.SetHandshakeHandler(h.Serve)
	return &node{h: h, sim: sim, store: st, ident: ident, signing: signing, metrics: m}
}

func (n *node) conn(t *testing.T, userID string) peer.Connection {
	t.Helper()
	c, err := n.store.GetConnectionByUser(context.Background(), userID)
	require.NoError(t, err)
	return c
}

func TestManualAcceptFlow(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	alice := newNode(t, medium, "ra", "Alice", ManualAccept)
	bob := newNode(t, medium, "rb", "Bob", ManualAccept)

	c, err := alice.h.RequestConnection(ctx, "rb")
	require.NoError(t, err)
	assert.Equal(t, peer.StatusPendingSent, c.Status)
	assert.Equal(t, bob.ident.ID, c.UserID)
	assert.True(t, c.HasSecret())

	inbound := bob.conn(t, alice.ident.ID)
	assert.Equal(t, peer.StatusPendingReceived, inbound.Status)
	assert.Equal(t, "Alice", inbound.DisplayName)
	assert.Equal(t, c.SharedSecret, inbound.SharedSecret, "both sides derive the same secret")

	accept, err := bob.h.AcceptConnectionRequest(ctx, inbound.ID)
	require.NoError(t, err)
	assert.Equal(t, peer.StatusMutual, bob.conn(t, alice.ident.ID).Status)
	assert.Equal(t, peer.TrustVerified, bob.conn(t, alice.ident.ID).Trust)

	n, err := alice.h.SyncPendingConnections(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing reciprocated yet")

	require.NoError(t, bob.h.DeliverAccept(ctx, "ra", accept))
	n, err = alice.h.SyncPendingConnections(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, peer.StatusMutual, alice.conn(t, bob.ident.ID).Status)

	n, err = alice.h.SyncPendingConnections(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "sync is idempotent")

	snap := alice.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.Handshake.Sent)
	assert.Equal(t, uint64(1), snap.Handshake.Mutual)
	assert.Equal(t, uint64(1), bob.metrics.Snapshot().Handshake.Received)
}

func TestAutoAcceptIsImmediatelyMutual(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	alice := newNode(t, medium, "ra", "Alice", ManualAccept)
	bob := newNode(t, medium, "rb", "Bob", AutoAccept)

	c, err := alice.h.RequestConnection(ctx, "rb")
	require.NoError(t, err)
	assert.Equal(t, peer.StatusMutual, c.Status)
	assert.Equal(t, peer.StatusMutual, bob.conn(t, alice.ident.ID).Status)
}

func TestCrossedRequestsBecomeMutual(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	alice := newNode(t, medium, "ra", "Alice", ManualAccept)
	bob := newNode(t, medium, "rb", "Bob", ManualAccept)

	_, err := alice.h.RequestConnection(ctx, "rb")
	require.NoError(t, err)
	c, err := bob.h.RequestConnection(ctx, "ra")
	require.NoError(t, err)
	assert.Equal(t, peer.StatusMutual, c.Status)
	assert.Equal(t, peer.StatusMutual, alice.conn(t, bob.ident.ID).Status)
	assert.Equal(t, peer.StatusMutual, bob.conn(t, alice.ident.ID).Status)
}

func TestRejectDeletesOnBothSides(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	alice := newNode(t, medium, "ra", "Alice", ManualAccept)
	bob := newNode(t, medium, "rb", "Bob", ManualAccept)

	_, err := alice.h.RequestConnection(ctx, "rb")
	require.NoError(t, err)
	inbound := bob.conn(t, alice.ident.ID)
	require.NoError(t, bob.h.RejectConnectionRequest(ctx, inbound.ID))
	_, err = bob.store.GetConnection(ctx, inbound.ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	// a second reject has nothing left to act on
	assert.True(t, errors.Is(bob.h.RejectConnectionRequest(ctx, inbound.ID), errs.ErrNotFound))
}

func TestAcceptOnlyFromPendingReceived(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	alice := newNode(t, medium, "ra", "Alice", ManualAccept)
	newNode(t, medium, "rb", "Bob", ManualAccept)

	c, err := alice.h.RequestConnection(ctx, "rb")
	require.NoError(t, err)
	_, err = alice.h.AcceptConnectionRequest(ctx, c.ID)
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))
	assert.True(t, errors.Is(alice.h.RejectConnectionRequest(ctx, c.ID), errs.ErrInvalidTransition))
}

func TestRequestTimesOutOutOfRange(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	alice := newNode(t, medium, "ra", "Alice", ManualAccept)
	newNode(t, medium, "rb", "Bob", ManualAccept)
	medium.SetRSSI("ra", "rb", radio.OutOfRange)

	_, err := alice.h.RequestConnection(ctx, "rb")
	assert.True(t, errors.Is(err, errs.ErrTimeout))
	assert.Equal(t, uint64(1), alice.metrics.Snapshot().Handshake.Timeouts)
	conns, err := alice.store.GetConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestRequestRejectedByPeerDeletesPending(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	alice := newNode(t, medium, "ra", "Alice", ManualAccept)
	bob := newNode(t, medium, "rb", "Bob", ManualAccept)
	bob.sim.SetHandshakeHandler(func(context.Context, []byte) ([]byte, error) {
		return proto.EncodeConnResponseMsg(proto.ConnResponseMsg{Status: proto.ConnStatusRejected, Reason: "busy"})
	})

	_, err := alice.h.RequestConnection(ctx, "rb")
	assert.True(t, errors.Is(err, errs.ErrRejected))
	_, err = alice.store.GetConnectionByUser(ctx, bob.ident.ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func signedRequest(t *testing.T, n *node, ts int64) proto.ConnRequestMsg {
	t.Helper()
	nonce := bytes.Repeat([]byte{7}, nonceSize)
	sig, err := identity.Sign(proto.ConnRequestBytes(n.ident.ID, "Mallory", n.ident.PublicKey, n.ident.AgreementKey, ts, nonce), n.signing.PrivateKey)
	require.NoError(t, err)
	return proto.ConnRequestMsg{
		Type:         proto.MsgTypeConnRequest,
		UserID:       n.ident.ID,
		DisplayName:  "Mallory",
		SigningPub:   hex.EncodeToString(n.ident.PublicKey),
		AgreementPub: hex.EncodeToString(n.ident.AgreementKey),
		Timestamp:    ts,
		Nonce:        hex.EncodeToString(nonce),
		Sig:          hex.EncodeToString(sig),
	}
}

func TestHandleRequestRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	bob := newNode(t, medium, "rb", "Bob", ManualAccept)
	mallory := newNode(t, medium, "rm", "Mallory", ManualAccept)
	now := time.Now().Unix()

	cases := map[string]func(m *proto.ConnRequestMsg){
		"bad signature": func(m *proto.ConnRequestMsg) { m.DisplayName = "Someone else" },
		"id mismatch":   func(m *proto.ConnRequestMsg) { m.UserID = bob.ident.ID },
		"stale":         func(m *proto.ConnRequestMsg) { *m = signedRequest(t, mallory, now-int64(time.Hour/time.Second)) },
		"bad key hex":   func(m *proto.ConnRequestMsg) { m.AgreementPub = "zz" },
		"missing name":  func(m *proto.ConnRequestMsg) { m.DisplayName = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := signedRequest(t, mallory, now)
			mutate(&req)
			resp, err := bob.h.HandleConnectionRequest(ctx, req)
			assert.True(t, errors.Is(err, errs.ErrInvalidRequest), "err = %v", err)
			assert.Equal(t, proto.ConnStatusRejected, resp.Status)
		})
	}
	conns, err := bob.store.GetConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestHandleRequestRejectsChangedAgreementKey(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	bob := newNode(t, medium, "rb", "Bob", ManualAccept)
	mallory := newNode(t, medium, "rm", "Mallory", ManualAccept)

	resp, err := bob.h.HandleConnectionRequest(ctx, signedRequest(t, mallory, time.Now().Unix()))
	require.NoError(t, err)
	assert.Equal(t, proto.ConnStatusPending, resp.Status)
	assert.Equal(t, bob.ident.ID, resp.UserID)

	fresh, err := identity.GenerateAgreementKeyPair()
	require.NoError(t, err)
	mallory.ident.AgreementKey = fresh.PublicKey
	_, err = bob.h.HandleConnectionRequest(ctx, signedRequest(t, mallory, time.Now().Unix()))
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
}

func TestHandleAcceptVerifiesSignature(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	alice := newNode(t, medium, "ra", "Alice", ManualAccept)
	bob := newNode(t, medium, "rb", "Bob", ManualAccept)

	ts := time.Now().Unix()
	sig, err := identity.Sign(proto.ConnAcceptBytes(bob.ident.ID, alice.ident.ID, ts), bob.signing.PrivateKey)
	require.NoError(t, err)
	msg := proto.ConnAcceptMsg{
		Type:       proto.MsgTypeConnAccept,
		FromUserID: bob.ident.ID,
		ToUserID:   alice.ident.ID,
		SigningPub: hex.EncodeToString(bob.ident.PublicKey),
		Timestamp:  ts,
		Sig:        hex.EncodeToString(sig),
	}

	forged := msg
	forged.Timestamp++
	assert.True(t, errors.Is(alice.h.HandleConnectionAccept(ctx, forged), errs.ErrInvalidRequest))
	misaddressed := msg
	misaddressed.ToUserID = bob.ident.ID
	assert.True(t, errors.Is(alice.h.HandleConnectionAccept(ctx, misaddressed), errs.ErrInvalidRequest))
	require.NoError(t, alice.h.HandleConnectionAccept(ctx, msg))
}

func TestServeAnswersProfileAndUnknown(t *testing.T) {
	ctx := context.Background()
	bob := newNode(t, radio.NewMedium(), "rb", "Bob", ManualAccept)

	out, err := bob.h.Serve(ctx, proto.EncodeProfileReqMsg())
	require.NoError(t, err)
	p, err := proto.DecodeProfileMsg(out)
	require.NoError(t, err)
	assert.Equal(t, bob.ident.ID, p.UserID)
	assert.Equal(t, "Bob", p.DisplayName)

	out, err = bob.h.Serve(ctx, []byte(`{"type":"gossip"}`))
	require.NoError(t, err)
	typ, ok := proto.MessageType(out)
	require.True(t, ok)
	assert.Equal(t, proto.MsgTypeError, typ)
}

func TestRecentOutcomesUseHashes(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	alice := newNode(t, medium, "ra", "Alice", ManualAccept)
	bob := newNode(t, medium, "rb", "Bob", AutoAccept)
	_, err := alice.h.RequestConnection(ctx, "rb")
	require.NoError(t, err)

	recent := alice.metrics.Recent().List()
	require.NotEmpty(t, recent)
	assert.Equal(t, proto.IdentityHash(bob.ident.ID, proto.DefaultHashLen), recent[len(recent)-1].UserHash)
	assert.Equal(t, "mutual", recent[len(recent)-1].Outcome)
}

func TestDisconnectDeletes(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	alice := newNode(t, medium, "ra", "Alice", ManualAccept)
	bob := newNode(t, medium, "rb", "Bob", AutoAccept)
	c, err := alice.h.RequestConnection(ctx, "rb")
	require.NoError(t, err)
	require.NoError(t, alice.h.Disconnect(ctx, c.ID))
	_, err = alice.store.GetConnectionByUser(ctx, bob.ident.ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestReconnectNeedsFreshAccept(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	alice := newNode(t, medium, "ra", "Alice", ManualAccept)
	bob := newNode(t, medium, "rb", "Bob", ManualAccept)

	_, err := alice.h.RequestConnection(ctx, "rb")
	require.NoError(t, err)
	accept, err := bob.h.AcceptConnectionRequest(ctx, bob.conn(t, alice.ident.ID).ID)
	require.NoError(t, err)
	require.NoError(t, bob.h.DeliverAccept(ctx, "ra", accept))
	n, err := alice.h.SyncPendingConnections(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, alice.h.Disconnect(ctx, alice.conn(t, bob.ident.ID).ID))
	require.NoError(t, bob.h.Disconnect(ctx, bob.conn(t, alice.ident.ID).ID))

	c, err := alice.h.RequestConnection(ctx, "rb")
	require.NoError(t, err)
	assert.Equal(t, peer.StatusPendingSent, c.Status)
	assert.Equal(t, peer.StatusPendingReceived, bob.conn(t, alice.ident.ID).Status)

	n, err = alice.h.SyncPendingConnections(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, peer.StatusPendingSent, alice.conn(t, bob.ident.ID).Status)
}

func TestSyncConsumesAccept(t *testing.T) {
	ctx := context.Background()
	log := NewAcceptanceLog(AcceptanceLogOptions{})
	medium := radio.NewMedium()
	alice := newNode(t, medium, "ra", "Alice", ManualAccept)
	alice.h.recip = log
	bob := newNode(t, medium, "rb", "Bob", ManualAccept)

	_, err := alice.h.RequestConnection(ctx, "rb")
	require.NoError(t, err)
	accept, err := bob.h.AcceptConnectionRequest(ctx, bob.conn(t, alice.ident.ID).ID)
	require.NoError(t, err)
	require.NoError(t, bob.h.DeliverAccept(ctx, "ra", accept))
	assert.Equal(t, 1, log.Len())

	n, err := alice.h.SyncPendingConnections(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, log.Len())
}

func TestHandleAcceptRejectsStale(t *testing.T) {
	ctx := context.Background()
	medium := radio.NewMedium()
	alice := newNode(t, medium, "ra", "Alice", ManualAccept)
	bob := newNode(t, medium, "rb", "Bob", ManualAccept)

	ts := time.Now().Add(-time.Hour).Unix()
	sig, err := identity.Sign(proto.ConnAcceptBytes(bob.ident.ID, alice.ident.ID, ts), bob.signing.PrivateKey)
	require.NoError(t, err)
	err = alice.h.HandleConnectionAccept(ctx, proto.ConnAcceptMsg{
		Type:       proto.MsgTypeConnAccept,
		FromUserID: bob.ident.ID,
		ToUserID:   alice.ident.ID,
		SigningPub: hex.EncodeToString(bob.ident.PublicKey),
		Timestamp:  ts,
		Sig:        hex.EncodeToString(sig),
	})
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
}

func TestAcceptanceLogWindowAndTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	log := NewAcceptanceLog(AcceptanceLogOptions{TTL: time.Minute, Now: func() time.Time { return now }})

	require.NoError(t, log.Record(ctx, "bob", now))
	ok, err := log.Reciprocated(ctx, "bob", now.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, ok, "same second counts")
	ok, err = log.Reciprocated(ctx, "bob", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "accept predates the request")

	require.NoError(t, log.Forget(ctx, "bob"))
	ok, err = log.Reciprocated(ctx, "bob", now)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, log.Record(ctx, "carol", now))
	now = now.Add(2 * time.Minute)
	require.NoError(t, log.Record(ctx, "dave", now))
	assert.Equal(t, 1, log.Len(), "expired entries are pruned")
}

func TestRejectForgetsAccept(t *testing.T) {
	ctx := context.Background()
	log := NewAcceptanceLog(AcceptanceLogOptions{})
	medium := radio.NewMedium()
	bob := newNode(t, medium, "rb", "Bob", ManualAccept)
	bob.h.recip = log
	carol := newNode(t, medium, "rc", "Carol", ManualAccept)

	_, err := carol.h.RequestConnection(ctx, "rb")
	require.NoError(t, err)
	require.NoError(t, log.Record(ctx, carol.ident.ID, time.Now()))
	require.NoError(t, bob.h.RejectConnectionRequest(ctx, bob.conn(t, carol.ident.ID).ID))
	assert.Zero(t, log.Len())
}
