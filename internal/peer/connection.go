// Package peer holds the connection record shared by the handshake, the
// hybrid engine and the store.
package peer

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nearlink/internal/errs"
)

type Status string

const (
	StatusMutual          Status = "mutual"
	StatusPendingSent     Status = "pending-sent"
	StatusPendingReceived Status = "pending-received"
)

func (s Status) Valid() bool {
	switch s {
	case StatusMutual, StatusPendingSent, StatusPendingReceived:
		return true
	}
	return false
}

type Trust string

const (
	TrustVerified Trust = "verified"
	TrustPending  Trust = "pending"
)

func (t Trust) Valid() bool {
	return t == TrustVerified || t == TrustPending
}

const SecretSize = 32

// Connection is one pairwise relationship. PublicKey is the peer's X25519
// agreement key; SigningKey is its Ed25519 key, from which UserID derives.
// SharedSecret is nil until ECDH completes.
type Connection struct {
	ID           uuid.UUID
	UserID       string
	DisplayName  string
	PublicKey    []byte
	SigningKey   []byte
	SharedSecret []byte
	ConnectedAt  time.Time
	Trust        Trust
	Status       Status
}

func New(userID, displayName string, status Status) Connection {
	return Connection{
		ID:          uuid.New(),
		UserID:      userID,
		DisplayName: displayName,
		ConnectedAt: time.Now().UTC(),
		Trust:       TrustPending,
		Status:      status,
	}
}

func (c Connection) HasSecret() bool {
	return len(c.SharedSecret) > 0
}

func (c Connection) IsMutual() bool {
	return c.Status == StatusMutual
}

// Validate checks the record can be persisted. A mutual connection must
// carry a secret.
func (c Connection) Validate() error {
	if c.ID == uuid.Nil {
		return fmt.Errorf("connection: missing id: %w", errs.ErrInvalidRequest)
	}
	if c.UserID == "" {
		return fmt.Errorf("connection %s: missing user id: %w", c.ID, errs.ErrInvalidRequest)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("connection %s: bad status %q: %w", c.ID, c.Status, errs.ErrInvalidRequest)
	}
	if !c.Trust.Valid() {
		return fmt.Errorf("connection %s: bad trust %q: %w", c.ID, c.Trust, errs.ErrInvalidRequest)
	}
	if c.SharedSecret != nil && len(c.SharedSecret) != SecretSize {
		return fmt.Errorf("connection %s: secret length %d: %w", c.ID, len(c.SharedSecret), errs.ErrInvalidRequest)
	}
	if c.Status == StatusMutual && !c.HasSecret() {
		return fmt.Errorf("connection %s: mutual without shared secret: %w", c.ID, errs.ErrNoSharedSecret)
	}
	return nil
}

// Promote marks the connection mutual and verified.
func (c *Connection) Promote() error {
	if !c.HasSecret() {
		return fmt.Errorf("connection %s: %w", c.ID, errs.ErrNoSharedSecret)
	}
	c.Status = StatusMutual
	c.Trust = TrustVerified
	return nil
}

// Clone returns a deep copy.
func (c Connection) Clone() Connection {
	c.PublicKey = cloneBytes(c.PublicKey)
	c.SigningKey = cloneBytes(c.SigningKey)
	c.SharedSecret = cloneBytes(c.SharedSecret)
	return c
}

// SecretHex is the persisted form of the secret; "" when absent.
func (c Connection) SecretHex() string {
	if len(c.SharedSecret) == 0 {
		return ""
	}
	return hex.EncodeToString(c.SharedSecret)
}

// ParseSecretHex is the inverse of SecretHex. "" yields nil, never a
// zero-filled secret.
func ParseSecretHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != SecretSize {
		return nil, errs.Format("shared secret")
	}
	return b, nil
}

func (c Connection) String() string {
	return fmt.Sprintf("Connection{id=%s user=%s status=%s trust=%s secret=%t}", c.ID, c.UserID, c.Status, c.Trust, c.HasSecret())
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
