// Package hybrid encrypts an object once and wraps its key for each
// connection under an opaque HMAC lookup id, so storage holding the
// ciphertext cannot tell who the recipients are.
package hybrid

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"nearlink/internal/crypto"
	"nearlink/internal/errs"
	"nearlink/internal/metrics"
	"nearlink/internal/peer"
)

// WrappedKeySize is a sealed 32-byte object key plus the 16-byte GCM tag.
const WrappedKeySize = crypto.KeySize + 16

const conversationIDLen = 32

type Location struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// Event is the plaintext. Description, Location and Photo are optional and
// stay nil through a round trip when unset.
type Event struct {
	ID          string
	AuthorID    string
	Title       string
	Description *string
	Datetime    time.Time
	Location    *Location
	Photo       *string
	CreatedAt   time.Time
}

// eventPayload is the sealed part of an Event. Field order is fixed, so
// encoding/json output is deterministic.
type eventPayload struct {
	Title       string    `json:"title"`
	Description *string   `json:"description,omitempty"`
	Datetime    time.Time `json:"datetime"`
	Location    *Location `json:"location,omitempty"`
	Photo       *string   `json:"photo,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type WrappedKey struct {
	WrappedKey []byte `json:"wrappedKey"`
	KeyWrapIV  []byte `json:"keyWrapIV"`
}

type EncryptedEvent struct {
	ID               string                `json:"id"`
	AuthorID         string                `json:"authorId"`
	Timestamp        time.Time             `json:"timestamp"`
	EncryptedContent []byte                `json:"encryptedContent"`
	ContentIV        []byte                `json:"contentIV"`
	WrappedKeys      map[string]WrappedKey `json:"wrappedKeys"`
}

type EncryptedMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	Ciphertext     []byte    `json:"ciphertext"`
	IV             []byte    `json:"iv"`
	Timestamp      time.Time `json:"timestamp"`
}

type Options struct {
	Rand    io.Reader
	Now     func() time.Time
	Metrics *metrics.Metrics
}

type Engine struct {
	rand    io.Reader
	now     func() time.Time
	metrics *metrics.Metrics
}

func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{rand: opts.Rand, now: now, metrics: opts.Metrics}
}

// EncryptEvent seals ev once and wraps the object key for every connection
// that has a shared secret. Connections without one are skipped.
func (e *Engine) EncryptEvent(ev Event, conns []peer.Connection) (*EncryptedEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.now()
	}
	payload, err := json.Marshal(eventPayload{
		Title:       ev.Title,
		Description: ev.Description,
		Datetime:    ev.Datetime,
		Location:    ev.Location,
		Photo:       ev.Photo,
		CreatedAt:   ev.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	objectKey, err := crypto.NewKey(e.rand)
	if err != nil {
		return nil, err
	}
	defer clear(objectKey)

	contentIV, content, err := crypto.Seal(e.rand, objectKey, payload, []byte(ev.ID))
	if err != nil {
		return nil, err
	}
	wrapped := make(map[string]WrappedKey, len(conns))
	skipped := 0
	for _, c := range conns {
		if !c.HasSecret() {
			skipped++
			continue
		}
		lookupID := crypto.RecipientLookupID(c.SharedSecret, ev.ID)
		connKey, err := crypto.DeriveConnectionKey(c.SharedSecret, nil, "")
		if err != nil {
			return nil, err
		}
		wrapIV, wrappedKey, err := crypto.Seal(e.rand, connKey, objectKey, []byte(lookupID))
		clear(connKey)
		if err != nil {
			return nil, err
		}
		wrapped[lookupID] = WrappedKey{WrappedKey: wrappedKey, KeyWrapIV: wrapIV}
	}
	e.metrics.IncEventEncrypted(len(wrapped), skipped)
	return &EncryptedEvent{
		ID:               ev.ID,
		AuthorID:         ev.AuthorID,
		Timestamp:        e.now(),
		EncryptedContent: content,
		ContentIV:        contentIV,
		WrappedKeys:      wrapped,
	}, nil
}

// DecryptEvent tries myConns in order and unwraps with the first one whose
// lookup id is present. No other connection is tried after that hit.
func (e *Engine) DecryptEvent(enc *EncryptedEvent, myConns []peer.Connection) (Event, error) {
	ev, _, err := e.OpenEvent(enc, myConns)
	return ev, err
}

// OpenEvent is DecryptEvent that also returns the connection that matched.
func (e *Engine) OpenEvent(enc *EncryptedEvent, myConns []peer.Connection) (Event, peer.Connection, error) {
	if enc == nil {
		return Event{}, peer.Connection{}, fmt.Errorf("nil event: %w", errs.ErrInvalidRequest)
	}
	var (
		wk     WrappedKey
		from   peer.Connection
		found  bool
		lookup string
	)
	for _, c := range myConns {
		if !c.HasSecret() {
			continue
		}
		id := crypto.RecipientLookupID(c.SharedSecret, enc.ID)
		if w, ok := enc.WrappedKeys[id]; ok {
			wk, from, found, lookup = w, c, true, id
			break
		}
	}
	if !found {
		e.metrics.IncNotAuthorized()
		return Event{}, peer.Connection{}, fmt.Errorf("event %s not encrypted for any of my connections: %w", enc.ID, errs.ErrNotAuthorized)
	}
	connKey, err := crypto.DeriveConnectionKey(from.SharedSecret, nil, "")
	if err != nil {
		return Event{}, from, err
	}
	defer clear(connKey)
	objectKey, err := crypto.Open(connKey, wk.KeyWrapIV, wk.WrappedKey, []byte(lookup))
	if err != nil {
		return Event{}, from, fmt.Errorf("unwrap key: %w", err)
	}
	defer clear(objectKey)
	plain, err := crypto.Open(objectKey, enc.ContentIV, enc.EncryptedContent, []byte(enc.ID))
	if err != nil {
		return Event{}, from, fmt.Errorf("open content: %w", err)
	}
	var p eventPayload
	if err := json.Unmarshal(plain, &p); err != nil {
		return Event{}, from, errs.Format("event payload")
	}
	e.metrics.IncEventDecrypted()
	return Event{
		ID:          enc.ID,
		AuthorID:    enc.AuthorID,
		Title:       p.Title,
		Description: p.Description,
		Datetime:    p.Datetime,
		Location:    p.Location,
		Photo:       p.Photo,
		CreatedAt:   p.CreatedAt,
	}, from, nil
}

// Recipients lists the connections in conns that can open enc.
func (e *Engine) Recipients(enc *EncryptedEvent, conns []peer.Connection) []peer.Connection {
	if enc == nil {
		return nil
	}
	var out []peer.Connection
	for _, c := range conns {
		if !c.HasSecret() {
			continue
		}
		if _, ok := enc.WrappedKeys[crypto.RecipientLookupID(c.SharedSecret, enc.ID)]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) EncryptMessage(conn peer.Connection, senderID, recipientID, text string) (*EncryptedMessage, error) {
	if !conn.HasSecret() {
		return nil, fmt.Errorf("connection %s: %w", conn.ID, errs.ErrNoSharedSecret)
	}
	convID := ConversationID(senderID, recipientID)
	key, err := crypto.DeriveConnectionKey(conn.SharedSecret, nil, "")
	if err != nil {
		return nil, err
	}
	defer clear(key)
	iv, ct, err := crypto.Seal(e.rand, key, []byte(text), []byte(convID))
	if err != nil {
		return nil, err
	}
	e.metrics.IncMessageSealed()
	return &EncryptedMessage{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Ciphertext:     ct,
		IV:             iv,
		Timestamp:      e.now(),
	}, nil
}

func (e *Engine) DecryptMessage(conn peer.Connection, msg *EncryptedMessage) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("nil message: %w", errs.ErrInvalidRequest)
	}
	if !conn.HasSecret() {
		return "", fmt.Errorf("connection %s: %w", conn.ID, errs.ErrNoSharedSecret)
	}
	key, err := crypto.DeriveConnectionKey(conn.SharedSecret, nil, "")
	if err != nil {
		return "", err
	}
	defer clear(key)
	plain, err := crypto.Open(key, msg.IV, msg.Ciphertext, []byte(msg.ConversationID))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// ConversationID is order independent: both participants compute the same
// value.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	sum := crypto.SHA3_256([]byte(strings.Join(ids, ":")))
	return hex.EncodeToString(sum)[:conversationIDLen]
}

// MarshalWrappedKeys writes {lookupId: {wrappedKey, keyWrapIV}} with
// base64 values.
func MarshalWrappedKeys(m map[string]WrappedKey) ([]byte, error) {
	if m == nil {
		m = map[string]WrappedKey{}
	}
	return json.Marshal(m)
}

func UnmarshalWrappedKeys(data []byte) (map[string]WrappedKey, error) {
	var m map[string]WrappedKey
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Format("wrapped keys")
	}
	for id, wk := range m {
		if err := checkWrapped(id, wk); err != nil {
			return nil, err
		}
	}
	if m == nil {
		m = map[string]WrappedKey{}
	}
	return m, nil
}

func checkWrapped(id string, wk WrappedKey) error {
	if id == "" {
		return errs.Format("lookup id")
	}
	if len(wk.KeyWrapIV) != crypto.IVSize || len(wk.WrappedKey) != WrappedKeySize {
		return errs.Format("wrapped key entry")
	}
	return nil
}
