// internal/crypto/crypto.go
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/sha3"

	"nearlink/internal/errs"
)

// -----------------------------------------------------------------------------
// Suite:
// - X25519 key agreement, SHA3-256 labelled KDF over the raw DH output
// - HKDF-SHA256 for purpose keys, HMAC-SHA256 for recipient lookup ids
// - AES-256-GCM with 96-bit random IVs for content, key wrap and messages
// -----------------------------------------------------------------------------

const (
	KeySize = 32
	IVSize  = 12
)

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// -----------------------------------------------------------------------------
// Randomness
// -----------------------------------------------------------------------------

// RandomBytes reads n bytes from r, or crypto/rand when r is nil.
func RandomBytes(r io.Reader, n int) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errs.Crypto("rng unavailable", err)
	}
	return out, nil
}

func NewKey(r io.Reader) ([]byte, error) {
	return RandomBytes(r, KeySize)
}

// -----------------------------------------------------------------------------
// AES-256-GCM AEAD
// -----------------------------------------------------------------------------

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errs.Crypto(fmt.Sprintf("bad key size: need %d", KeySize), nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Crypto("aes", err)
	}
	return cipher.NewGCM(block)
}

// Seal draws a fresh IV from r (crypto/rand when nil) and seals plaintext.
func Seal(r io.Reader, key, plaintext, aad []byte) (iv []byte, ciphertext []byte, err error) {
	iv, err = RandomBytes(r, IVSize)
	if err != nil {
		return nil, nil, err
	}
	ct, err := SealWithIV(key, iv, plaintext, aad)
	if err != nil {
		return nil, nil, err
	}
	return iv, ct, nil
}

func SealWithIV(key, iv, plaintext, aad []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, errs.Crypto(fmt.Sprintf("bad iv size: need %d", IVSize), nil)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, plaintext, aad), nil
}

func Open(key, iv, ciphertext, aad []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, errs.Crypto(fmt.Sprintf("bad iv size: need %d", IVSize), nil)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, errs.Crypto("open", err)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// X25519 ephemeral helpers
// -----------------------------------------------------------------------------

type Ephemeral struct {
	priv      *ecdh.PrivateKey
	privBytes []byte
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string {
	return "Ephemeral{REDACTED}"
}

func (e *Ephemeral) GoString() string {
	return "crypto.Ephemeral{REDACTED}"
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

// Shared runs X25519 against peerPub and returns the same derived secret
// DeriveSharedSecret produces for a long-term key.
func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	if len(peerPub) == 0 {
		return nil, errs.Crypto("empty key material", nil)
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, errs.Crypto("peer public key", err)
	}
	raw, err := e.priv.ECDH(pub)
	if err != nil {
		return nil, errs.Crypto("x25519", err)
	}
	return KDF(labelSharedSecret, raw), nil
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.privBytes {
		e.privBytes[i] = 0
	}
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

// GenerateEphemeral returns a one-shot X25519 key for forward-secret
// extensions. Every call draws independent randomness.
func GenerateEphemeral() (*Ephemeral, error) {
	return GenerateEphemeralFrom(nil)
}

func GenerateEphemeralFrom(r io.Reader) (*Ephemeral, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := ecdh.X25519().GenerateKey(r)
	if err != nil {
		return nil, errs.Crypto("generate ephemeral", err)
	}
	privBytes := priv.Bytes()
	privCopy := make([]byte, len(privBytes))
	copy(privCopy, privBytes)
	pubBytes := priv.PublicKey().Bytes()
	pubCopy := make([]byte, len(pubBytes))
	copy(pubCopy, pubBytes)
	return &Ephemeral{priv: priv, privBytes: privCopy, pub: pubCopy}, nil
}

// GenerateX25519 returns a long-term (public, private) agreement pair.
func GenerateX25519(r io.Reader) ([]byte, []byte, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := ecdh.X25519().GenerateKey(r)
	if err != nil {
		return nil, nil, errs.Crypto("generate x25519", err)
	}
	return priv.PublicKey().Bytes(), priv.Bytes(), nil
}

// X25519Public recomputes the public half of an agreement private key.
func X25519Public(privKey []byte) ([]byte, error) {
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, errs.Crypto("private key", err)
	}
	return priv.PublicKey().Bytes(), nil
}

func x25519Raw(privKey, peerPub []byte) ([]byte, error) {
	if len(privKey) == 0 || len(peerPub) == 0 {
		return nil, errs.Crypto("empty key material", nil)
	}
	priv, err := ecdh.X25519().NewPrivateKey(privKey)
	if err != nil {
		return nil, errs.Crypto("private key", err)
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, errs.Crypto("peer public key", err)
	}
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, errs.Crypto("x25519", err)
	}
	return shared, nil
}
