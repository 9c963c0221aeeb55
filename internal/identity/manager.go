package identity

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"nearlink/internal/crypto"
	"nearlink/internal/errs"
)

const (
	SigningKeyName   = "signing"
	AgreementKeyName = "agreement"
)

// KeyStore is the secure key storage collaborator. GetKeyPair returns
// errs.ErrNotFound when no pair is stored under name.
type KeyStore interface {
	StoreKeyPair(name string, kp KeyPair) error
	GetKeyPair(name string) (KeyPair, error)
	HasKeys() bool
	DeleteKeys() error
}

type Options struct {
	Rand io.Reader
}

// Manager owns the local key material. One Manager is built at startup and
// handed to the components that need it.
type Manager struct {
	mu        sync.Mutex
	ks        KeyStore
	rand      io.Reader
	signing   KeyPair
	agreement KeyPair
	ident     *Identity
}

func NewManager(ks KeyStore, opts Options) (*Manager, error) {
	if ks == nil {
		return nil, errors.New("missing key store")
	}
	r := opts.Rand
	if r == nil {
		r = rand.Reader
	}
	return &Manager{ks: ks, rand: r}, nil
}

// LoadOrCreate loads both keypairs, generating and persisting any that are
// missing, and returns the identity.
func (m *Manager) LoadOrCreate(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ident != nil {
		return *m.ident, nil
	}
	signing, err := m.loadOrGenerate(SigningKeyName, GenerateKeyPairFrom)
	if err != nil {
		return Identity{}, err
	}
	agreement, err := m.loadOrGenerate(AgreementKeyName, GenerateAgreementKeyPairFrom)
	if err != nil {
		return Identity{}, err
	}
	if err := checkPairs(signing, agreement); err != nil {
		return Identity{}, err
	}
	ident, err := CreateIdentity(signing, agreement)
	if err != nil {
		return Identity{}, err
	}
	m.signing = signing
	m.agreement = agreement
	m.ident = &ident
	return ident, nil
}

func (m *Manager) loadOrGenerate(name string, gen func(io.Reader) (KeyPair, error)) (KeyPair, error) {
	kp, err := m.ks.GetKeyPair(name)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return KeyPair{}, fmt.Errorf("load %s key: %w", name, err)
	}
	kp, err = gen(m.rand)
	if err != nil {
		return KeyPair{}, err
	}
	if err := m.ks.StoreKeyPair(name, kp); err != nil {
		return KeyPair{}, fmt.Errorf("store %s key: %w", name, err)
	}
	stored, err := m.ks.GetKeyPair(name)
	if err != nil {
		return kp, nil
	}
	return stored, nil
}

func checkPairs(signing, agreement KeyPair) error {
	if len(signing.PrivateKey) != PrivateKeySize || len(signing.PublicKey) != PublicKeySize {
		return errs.Crypto("stored signing key has wrong size", nil)
	}
	// ed25519 private keys carry the public key in their second half
	if !bytes.Equal(signing.PrivateKey[32:], signing.PublicKey) {
		return errs.Crypto("stored signing keys do not match", nil)
	}
	pub, err := crypto.X25519Public(agreement.PrivateKey)
	if err != nil {
		return err
	}
	if !bytes.Equal(pub, agreement.PublicKey) {
		return errs.Crypto("stored agreement keys do not match", nil)
	}
	return nil
}

// Identity returns the loaded identity; ok is false before LoadOrCreate.
func (m *Manager) Identity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ident == nil {
		return Identity{}, false
	}
	return *m.ident, true
}

func (m *Manager) SigningKeys() KeyPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signing
}

func (m *Manager) AgreementKeys() KeyPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agreement
}

func (m *Manager) Sign(data []byte) ([]byte, error) {
	m.mu.Lock()
	priv := m.signing.PrivateKey
	m.mu.Unlock()
	if len(priv) == 0 {
		return nil, errors.New("identity not loaded")
	}
	return Sign(data, priv)
}

// Reset deletes all stored keys. The next LoadOrCreate makes a new identity.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ks.DeleteKeys(); err != nil {
		return err
	}
	m.signing = KeyPair{}
	m.agreement = KeyPair{}
	m.ident = nil
	return nil
}
