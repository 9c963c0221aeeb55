package peer

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearlink/internal/errs"
)

func TestValidateMutualNeedsSecret(t *testing.T) {
	c := New("alice", "Alice", StatusMutual)
	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNoSharedSecret))

	c.SharedSecret = bytes.Repeat([]byte{1}, SecretSize)
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsBadFields(t *testing.T) {
	c := New("alice", "Alice", StatusPendingSent)
	require.NoError(t, c.Validate())

	bad := c
	bad.ID = uuid.Nil
	assert.True(t, errors.Is(bad.Validate(), errs.ErrInvalidRequest))

	bad = c
	bad.Status = "friends"
	assert.True(t, errors.Is(bad.Validate(), errs.ErrInvalidRequest))

	bad = c
	bad.SharedSecret = []byte{1, 2, 3}
	assert.True(t, errors.Is(bad.Validate(), errs.ErrInvalidRequest))
}

func TestPromote(t *testing.T) {
	c := New("bob", "Bob", StatusPendingReceived)
	assert.True(t, errors.Is(c.Promote(), errs.ErrNoSharedSecret))
	assert.Equal(t, StatusPendingReceived, c.Status)

	c.SharedSecret = bytes.Repeat([]byte{7}, SecretSize)
	require.NoError(t, c.Promote())
	assert.True(t, c.IsMutual())
	assert.Equal(t, TrustVerified, c.Trust)
}

func TestSecretHexAbsentStaysAbsent(t *testing.T) {
	c := New("bob", "Bob", StatusPendingSent)
	assert.Equal(t, "", c.SecretHex())
	got, err := ParseSecretHex("")
	require.NoError(t, err)
	assert.Nil(t, got)

	c.SharedSecret = bytes.Repeat([]byte{0xab}, SecretSize)
	got, err = ParseSecretHex(c.SecretHex())
	require.NoError(t, err)
	assert.Equal(t, c.SharedSecret, got)

	_, err = ParseSecretHex("abcd")
	assert.True(t, errors.Is(err, errs.ErrFormat))
}

func TestCloneIsDeep(t *testing.T) {
	c := New("bob", "Bob", StatusPendingSent)
	c.SharedSecret = bytes.Repeat([]byte{1}, SecretSize)
	c.PublicKey = []byte{9, 9}
	cp := c.Clone()
	cp.SharedSecret[0] = 2
	cp.PublicKey[0] = 0
	assert.Equal(t, byte(1), c.SharedSecret[0])
	assert.Equal(t, byte(9), c.PublicKey[0])
}

func TestStringHidesSecret(t *testing.T) {
	c := New("bob", "Bob", StatusPendingSent)
	c.SharedSecret = bytes.Repeat([]byte{0xcd}, SecretSize)
	assert.False(t, strings.Contains(c.String(), c.SecretHex()))
}
