package identity_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearlink/internal/errs"
	"nearlink/internal/identity"
	"nearlink/internal/keystore"
)

func TestGenerateKeyPairSizes(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	assert.Len(t, kp.PublicKey, 32)
	assert.Len(t, kp.PrivateKey, 64)

	ag, err := identity.GenerateAgreementKeyPair()
	require.NoError(t, err)
	assert.Len(t, ag.PublicKey, 32)
	assert.Len(t, ag.PrivateKey, 32)
	assert.NotEqual(t, kp.PublicKey, ag.PublicKey)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestGenerateKeyPairRNGFailure(t *testing.T) {
	_, err := identity.GenerateKeyPairFrom(failingReader{})
	assert.True(t, errors.Is(err, errs.ErrCryptoFailure))
	_, err = identity.GenerateAgreementKeyPairFrom(failingReader{})
	assert.True(t, errors.Is(err, errs.ErrCryptoFailure))
}

func TestCreateIdentityUsesBase58(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	ag, err := identity.GenerateAgreementKeyPair()
	require.NoError(t, err)
	id, err := identity.CreateIdentity(kp, ag)
	require.NoError(t, err)
	assert.NotEmpty(t, id.ID)
	assert.False(t, strings.ContainsAny(id.ID, "0OIl"), "id uses base58 alphabet: %s", id.ID)
	decoded, err := identity.DecodeBase58(id.ID)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, decoded)
	assert.Equal(t, id.ID, identity.IDFromPublicKey(kp.PublicKey))
	assert.False(t, id.CreatedAt.IsZero())
}

func TestSignVerify(t *testing.T) {
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	msg := []byte("hello nearby")
	sig, err := identity.Sign(msg, kp.PrivateKey)
	require.NoError(t, err)
	assert.Len(t, sig, 64)
	assert.True(t, identity.Verify(msg, sig, kp.PublicKey))
	assert.False(t, identity.Verify([]byte("tampered"), sig, kp.PublicKey))
	assert.False(t, identity.Verify(msg, sig[:10], kp.PublicKey))
	assert.False(t, identity.Verify(msg, sig, []byte{1, 2, 3}))
	assert.False(t, identity.Verify(msg, nil, nil))
}

func TestHexRoundTrip(t *testing.T) {
	for _, in := range [][]byte{{}, {0}, {0, 0, 1}, bytes.Repeat([]byte{0xab}, 64)} {
		out, err := identity.DecodeKey(identity.EncodeKey(in))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(in, out), "round trip %x", in)
	}
	_, err := identity.DecodeKey("abc")
	assert.True(t, errors.Is(err, errs.ErrFormat))
	_, err = identity.DecodeKey("zz")
	assert.True(t, errors.Is(err, errs.ErrFormat))
	_, err = identity.DecodeKeyLen("abcd", 3)
	assert.True(t, errors.Is(err, errs.ErrFormat))
}

func TestBase58RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0},
		{0, 0, 0},
		{0, 0, 1, 2, 3},
		{0xff, 0xfe},
		bytes.Repeat([]byte{0x42}, 32),
	}
	for _, in := range cases {
		enc := identity.EncodeBase58(in)
		out, err := identity.DecodeBase58(enc)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(in, out), "round trip %x via %q", in, enc)
	}
	assert.Equal(t, "11", identity.EncodeBase58([]byte{0, 0}))
	assert.True(t, strings.HasPrefix(identity.EncodeBase58([]byte{0, 0, 1}), "11"))
	_, err := identity.DecodeBase58("0OIl")
	assert.True(t, errors.Is(err, errs.ErrFormat))
}

func TestManagerLoadOrCreatePersists(t *testing.T) {
	ks, err := keystore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	m, err := identity.NewManager(ks, identity.Options{})
	require.NoError(t, err)
	ctx := context.Background()
	first, err := m.LoadOrCreate(ctx)
	require.NoError(t, err)
	assert.True(t, ks.HasKeys())

	m2, err := identity.NewManager(ks, identity.Options{})
	require.NoError(t, err)
	second, err := m2.LoadOrCreate(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.AgreementKey, second.AgreementKey)
	assert.NotEqual(t, m2.SigningKeys().PublicKey, m2.AgreementKeys().PublicKey)

	sig, err := m2.Sign([]byte("x"))
	require.NoError(t, err)
	assert.True(t, identity.Verify([]byte("x"), sig, second.PublicKey))
}

func TestManagerReset(t *testing.T) {
	ks := keystore.NewMemoryStore()
	m, err := identity.NewManager(ks, identity.Options{})
	require.NoError(t, err)
	ctx := context.Background()
	first, err := m.LoadOrCreate(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Reset())
	_, ok := m.Identity()
	assert.False(t, ok)
	assert.False(t, ks.HasKeys())
	second, err := m.LoadOrCreate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestManagerDetectsMismatchedKeys(t *testing.T) {
	ks := keystore.NewMemoryStore()
	a, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	b, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, ks.StoreKeyPair(identity.SigningKeyName, identity.KeyPair{PublicKey: a.PublicKey, PrivateKey: b.PrivateKey}))
	m, err := identity.NewManager(ks, identity.Options{})
	require.NoError(t, err)
	_, err = m.LoadOrCreate(context.Background())
	assert.True(t, errors.Is(err, errs.ErrCryptoFailure))
}
