package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/mr-tron/base58"

	"nearlink/internal/crypto"
	"nearlink/internal/errs"
)

const (
	PublicKeySize    = ed25519.PublicKeySize  // 32
	PrivateKeySize   = ed25519.PrivateKeySize // 64
	SignatureSize    = ed25519.SignatureSize  // 64
	AgreementKeySize = 32
)

type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
	// CreatedAt is filled by the key store on load.
	CreatedAt time.Time
}

func (k KeyPair) String() string {
	return fmt.Sprintf("KeyPair{pub=%x priv=REDACTED}", k.PublicKey)
}

func (k KeyPair) GoString() string {
	return k.String()
}

// Identity is the long-term, user-facing identity. ID is base58 of the
// signing public key; AgreementKey is the X25519 public half used for ECDH.
type Identity struct {
	ID           string
	PublicKey    []byte
	AgreementKey []byte
	CreatedAt    time.Time
}

// GenerateKeyPair returns a fresh Ed25519 signing pair from crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	return GenerateKeyPairFrom(rand.Reader)
}

func GenerateKeyPairFrom(r io.Reader) (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return KeyPair{}, errs.Crypto("generate signing key", err)
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// GenerateAgreementKeyPair returns the dedicated X25519 pair. It is never
// the signing pair.
func GenerateAgreementKeyPair() (KeyPair, error) {
	return GenerateAgreementKeyPairFrom(rand.Reader)
}

func GenerateAgreementKeyPairFrom(r io.Reader) (KeyPair, error) {
	pub, priv, err := crypto.GenerateX25519(r)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

func CreateIdentity(signing, agreement KeyPair) (Identity, error) {
	if len(signing.PublicKey) != PublicKeySize {
		return Identity{}, errs.Crypto(fmt.Sprintf("bad signing public key size %d", len(signing.PublicKey)), nil)
	}
	if len(agreement.PublicKey) != AgreementKeySize {
		return Identity{}, errs.Crypto(fmt.Sprintf("bad agreement public key size %d", len(agreement.PublicKey)), nil)
	}
	created := signing.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return Identity{
		ID:           EncodeBase58(signing.PublicKey),
		PublicKey:    cloneBytes(signing.PublicKey),
		AgreementKey: cloneBytes(agreement.PublicKey),
		CreatedAt:    created,
	}, nil
}

// IDFromPublicKey is the identity id a signing public key maps to.
func IDFromPublicKey(pub []byte) string {
	return EncodeBase58(pub)
}

func Sign(data, privateKey []byte) ([]byte, error) {
	if len(privateKey) != PrivateKeySize {
		return nil, errs.Crypto("bad signing private key size", nil)
	}
	return ed25519.Sign(ed25519.PrivateKey(privateKey), data), nil
}

// Verify reports whether sig is valid. Malformed keys or signatures yield
// false.
func Verify(data, sig, publicKey []byte) bool {
	if len(publicKey) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, sig)
}

func EncodeKey(b []byte) string {
	return hex.EncodeToString(b)
}

func DecodeKey(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, errs.Format("hex: odd length")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errs.Format("hex")
	}
	return b, nil
}

// DecodeKeyLen decodes s and requires exactly n bytes.
func DecodeKeyLen(s string, n int) ([]byte, error) {
	b, err := DecodeKey(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, errs.Format(fmt.Sprintf("key length %d, want %d", len(b), n))
	}
	return b, nil
}

func EncodeBase58(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base58.Encode(b)
}

func DecodeBase58(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	b, err := base58.Decode(s)
	if err != nil {
		return nil, errs.Format("base58")
	}
	return b, nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
