// Package node assembles one nearlink participant: identity, storage,
// handshake, advertisement, discovery and the event relay.
package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"nearlink/internal/broadcast"
	"nearlink/internal/debuglog"
	"nearlink/internal/discovery"
	"nearlink/internal/errs"
	"nearlink/internal/handshake"
	"nearlink/internal/hybrid"
	"nearlink/internal/identity"
	"nearlink/internal/keystore"
	"nearlink/internal/metrics"
	"nearlink/internal/peer"
	"nearlink/internal/proto"
	"nearlink/internal/radio"
	"nearlink/internal/relay"
	"nearlink/internal/store"
)

type DiscoveryOptions struct {
	MinRSSI       int
	Liveness      time.Duration
	SweepInterval time.Duration
	MaxSession    time.Duration
}

type Options struct {
	DisplayName string
	// Transport drives advertising and scanning. Without one the node can
	// still handshake over Link and use the relay.
	Transport radio.Transport
	// Link defaults to Transport.
	Link             radio.Link
	Relay            relay.Relay
	Policy           handshake.Policy
	RotateInterval   time.Duration
	HandshakeTimeout time.Duration
	Discovery        DiscoveryOptions
	// DatabasePath defaults to <home>/nearlink.db; ":memory:" is accepted.
	DatabasePath string
	// KeyStore defaults to a file store under <home>/keys.
	KeyStore    identity.KeyStore
	MetricsPath string
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
	Rand        io.Reader
}

// profileHost is implemented by transports that answer profile reads and
// handshake writes on our behalf, like radio.Sim.
type profileHost interface {
	SetProfile(radio.Profile)
	SetHandshakeHandler(radio.HandshakeHandler)
}

type Node struct {
	home        string
	ident       identity.Identity
	ids         *identity.Manager
	store       *store.SQLite
	engine      *hybrid.Engine
	hs          *handshake.Handshaker
	adv         *broadcast.Advertiser
	disc        *discovery.Engine
	relay       relay.Relay
	host        profileHost
	verdicts    *verdictCache
	metrics     *metrics.Metrics
	metricsPath string
	log         *slog.Logger
	now         func() time.Time
}

// NewNode loads or creates the identity under home and opens its database.
func NewNode(ctx context.Context, home string, opts Options) (*Node, error) {
	if home == "" {
		return nil, errors.New("missing home")
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = debuglog.Logger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	ks := opts.KeyStore
	if ks == nil {
		fs, err := keystore.NewFileStore(filepath.Join(home, "keys"))
		if err != nil {
			return nil, err
		}
		ks = fs
	}
	ids, err := identity.NewManager(ks, identity.Options{Rand: opts.Rand})
	if err != nil {
		return nil, err
	}
	ident, err := ids.LoadOrCreate(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	dbPath := opts.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(home, "nearlink.db")
	}
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	link := opts.Link
	if link == nil && opts.Transport != nil {
		link = opts.Transport
	}
	hs, err := handshake.New(handshake.Options{
		Identity:    ident,
		DisplayName: opts.DisplayName,
		Signing:     ids.SigningKeys(),
		Agreement:   ids.AgreementKeys(),
		Store:       st,
		Link:        link,
		Policy:      opts.Policy,
		Timeout:     opts.HandshakeTimeout,
		Now:         now,
		Rand:        opts.Rand,
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	rl := opts.Relay
	if rl == nil {
		rl = relay.NewMemory(relay.MemoryOptions{Now: now})
	}

	n := &Node{
		home:        home,
		ident:       ident,
		ids:         ids,
		store:       st,
		engine:      hybrid.New(hybrid.Options{Rand: opts.Rand, Now: now, Metrics: m}),
		hs:          hs,
		relay:       rl,
		verdicts:    newVerdictCache(),
		metrics:     m,
		metricsPath: opts.MetricsPath,
		log:         log,
		now:         now,
	}

	if opts.Transport != nil {
		n.adv = broadcast.New(opts.Transport, broadcast.Options{
			Interval: opts.RotateInterval,
			Rand:     opts.Rand,
			Logger:   log,
			Metrics:  m,
		})
		n.adv.SetIdentity(ident.ID)
		n.adv.SetDisplayName(opts.DisplayName)
		n.disc = discovery.New(opts.Transport, discovery.Options{
			SelfHash:      n.adv.CurrentHash,
			MinRSSI:       opts.Discovery.MinRSSI,
			Liveness:      opts.Discovery.Liveness,
			SweepInterval: opts.Discovery.SweepInterval,
			MaxSession:    opts.Discovery.MaxSession,
			Now:           now,
			Logger:        log,
			Metrics:       m,
		})
		if host, ok := opts.Transport.(profileHost); ok {
			n.host = host
			host.SetProfile(hs.RadioProfile())
			host.SetHandshakeHandler(hs.Serve)
		}
	}
	log.Debug("node ready", "id", ident.ID, "home", home)
	return n, nil
}

func (n *Node) Identity() identity.Identity { return n.ident }

func (n *Node) DisplayName() string { return n.hs.DisplayName() }

func (n *Node) Handshaker() *handshake.Handshaker { return n.hs }

// Discovery is nil when the node was built without a transport.
func (n *Node) Discovery() *discovery.Engine { return n.disc }

func (n *Node) Advertiser() *broadcast.Advertiser { return n.adv }

func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

func (n *Node) Store() *store.SQLite { return n.store }

// SetDisplayName updates the handshake profile and the next advertisement.
func (n *Node) SetDisplayName(name string) {
	n.hs.SetDisplayName(name)
	if n.adv != nil {
		n.adv.SetDisplayName(name)
	}
	if n.host != nil {
		n.host.SetProfile(n.hs.RadioProfile())
	}
}

// Start begins advertising and then scanning. It is a no-op without a
// transport.
func (n *Node) Start(ctx context.Context) error {
	if n.adv == nil {
		return nil
	}
	if err := n.adv.Start(ctx); err != nil {
		return err
	}
	if err := n.disc.Start(ctx); err != nil {
		_ = n.adv.Stop(ctx)
		return err
	}
	return nil
}

func (n *Node) Stop(ctx context.Context) error {
	if n.adv == nil {
		return nil
	}
	return errors.Join(n.disc.Stop(ctx), n.adv.Stop(ctx))
}

// Close stops the radio, writes the metrics snapshot when configured and
// closes the database.
func (n *Node) Close(ctx context.Context) error {
	var errList []error
	errList = append(errList, n.Stop(ctx))
	if n.metricsPath != "" {
		errList = append(errList, n.metrics.WriteSnapshot(n.metricsPath))
	}
	errList = append(errList, n.store.Close())
	return errors.Join(errList...)
}

// Connect asks the peer behind radioID for a connection.
func (n *Node) Connect(ctx context.Context, radioID string) (peer.Connection, error) {
	return n.hs.RequestConnection(ctx, radioID)
}

// Accept confirms a pending inbound request. When radioID is set the signed
// accept is delivered to the requester right away; otherwise the caller
// gets it back to deliver later.
func (n *Node) Accept(ctx context.Context, id uuid.UUID, radioID string) (proto.ConnAcceptMsg, error) {
	msg, err := n.hs.AcceptConnectionRequest(ctx, id)
	if err != nil {
		return msg, err
	}
	if radioID == "" {
		return msg, nil
	}
	if err := n.hs.DeliverAccept(ctx, radioID, msg); err != nil {
		return msg, fmt.Errorf("deliver accept: %w", err)
	}
	return msg, nil
}

func (n *Node) Reject(ctx context.Context, id uuid.UUID) error {
	return n.hs.RejectConnectionRequest(ctx, id)
}

func (n *Node) Disconnect(ctx context.Context, id uuid.UUID) error {
	return n.hs.Disconnect(ctx, id)
}

// Sync promotes pending-sent connections the peer has since accepted.
func (n *Node) Sync(ctx context.Context) (int, error) {
	return n.hs.SyncPendingConnections(ctx)
}

func (n *Node) Connections(ctx context.Context) ([]peer.Connection, error) {
	return n.store.GetConnections(ctx)
}

func (n *Node) mutual(ctx context.Context) ([]peer.Connection, error) {
	all, err := n.store.GetConnections(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if c.IsMutual() && c.HasSecret() {
			out = append(out, c)
		}
	}
	return out, nil
}

// Publish encrypts ev to every mutual connection, keeps a copy locally and
// hands it to the relay.
func (n *Node) Publish(ctx context.Context, ev hybrid.Event) (*hybrid.EncryptedEvent, error) {
	conns, err := n.mutual(ctx)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, fmt.Errorf("no mutual connections to publish to: %w", errs.ErrNotAuthorized)
	}
	ev.AuthorID = n.ident.ID
	enc, err := n.engine.EncryptEvent(ev, conns)
	if err != nil {
		return nil, err
	}
	if err := n.store.SaveEncryptedEvent(ctx, enc); err != nil {
		return nil, err
	}
	if err := n.relay.Publish(ctx, enc); err != nil {
		return nil, fmt.Errorf("publish %s: %w", enc.ID, err)
	}
	n.log.Debug("event published", "id", enc.ID, "recipients", len(enc.WrappedKeys))
	return enc, nil
}

type InboxItem struct {
	Event hybrid.Event
	// From is the connection whose secret opened the event.
	From peer.Connection
}

// Inbox lists recent relay events and returns the ones addressed to us,
// newest first. Events we cannot open are remembered until the connection
// set changes. Corrupt events are logged and skipped.
func (n *Node) Inbox(ctx context.Context, limit int) ([]InboxItem, error) {
	conns, err := n.mutual(ctx)
	if err != nil {
		return nil, err
	}
	evs, err := n.relay.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	fp := connectionFingerprint(conns)
	var out []InboxItem
	for _, enc := range evs {
		if enc.AuthorID == n.ident.ID {
			continue
		}
		key := verdictKey(enc.ID, fp)
		if n.verdicts.has(key) {
			continue
		}
		ev, from, err := n.engine.OpenEvent(enc, conns)
		if err != nil {
			if errors.Is(err, errs.ErrNotAuthorized) {
				n.verdicts.put(key)
				continue
			}
			debuglog.RateLimited(ctx, n.log, "inbox-decrypt", time.Minute, "inbox event unreadable", "id", enc.ID, "err", err)
			continue
		}
		if err := n.store.SaveEncryptedEvent(ctx, enc); err != nil {
			return out, err
		}
		out = append(out, InboxItem{Event: ev, From: from})
	}
	return out, nil
}

// SendMessage seals text for a mutual connection and keeps it in the local
// conversation. The returned message is what travels to the peer.
func (n *Node) SendMessage(ctx context.Context, userID, text string) (*hybrid.EncryptedMessage, error) {
	c, err := n.mutualWith(ctx, userID)
	if err != nil {
		return nil, err
	}
	msg, err := n.engine.EncryptMessage(c, n.ident.ID, userID, text)
	if err != nil {
		return nil, err
	}
	if err := n.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ReceiveMessage checks that msg opens under the sender's connection before
// storing it.
func (n *Node) ReceiveMessage(ctx context.Context, msg *hybrid.EncryptedMessage) (string, error) {
	if msg == nil || msg.RecipientID != n.ident.ID {
		return "", fmt.Errorf("message not addressed to us: %w", errs.ErrNotAuthorized)
	}
	c, err := n.mutualWith(ctx, msg.SenderID)
	if err != nil {
		return "", err
	}
	text, err := n.engine.DecryptMessage(c, msg)
	if err != nil {
		return "", err
	}
	if err := n.store.SaveMessage(ctx, msg); err != nil {
		return "", err
	}
	return text, nil
}

type Message struct {
	ID        string
	SenderID  string
	Text      string
	Timestamp time.Time
}

// Messages returns the conversation with userID, oldest first.
func (n *Node) Messages(ctx context.Context, userID string, limit int) ([]Message, error) {
	c, err := n.mutualWith(ctx, userID)
	if err != nil {
		return nil, err
	}
	stored, err := n.store.GetMessages(ctx, hybrid.ConversationID(n.ident.ID, userID), limit)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(stored))
	for _, m := range stored {
		text, err := n.engine.DecryptMessage(c, m)
		if err != nil {
			return out, fmt.Errorf("message %s: %w", m.ID, err)
		}
		out = append(out, Message{ID: m.ID, SenderID: m.SenderID, Text: text, Timestamp: m.Timestamp})
	}
	return out, nil
}

func (n *Node) mutualWith(ctx context.Context, userID string) (peer.Connection, error) {
	c, err := n.store.GetConnectionByUser(ctx, userID)
	if err != nil {
		return peer.Connection{}, err
	}
	if !c.IsMutual() || !c.HasSecret() {
		return peer.Connection{}, fmt.Errorf("connection with %s is %s: %w", userID, c.Status, errs.ErrNotAuthorized)
	}
	return c, nil
}

// connectionFingerprint changes whenever a connection is added, removed or
// gets a new secret.
func connectionFingerprint(conns []peer.Connection) [32]byte {
	ids := make([]string, 0, len(conns))
	secrets := make(map[string][]byte, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ID.String())
		secrets[c.ID.String()] = c.SharedSecret
	}
	sort.Strings(ids)
	h := sha3.New256()
	for _, id := range ids {
		_, _ = h.Write([]byte(id))
		_, _ = h.Write(secrets[id])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func verdictKey(eventID string, fp [32]byte) [32]byte {
	h := sha3.New256()
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(eventID)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(eventID))
	_, _ = h.Write(fp[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
