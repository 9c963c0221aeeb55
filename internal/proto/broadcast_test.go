package proto

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearlink/internal/errs"
)

func testPayload(t *testing.T, name string) BroadcastPayload {
	t.Helper()
	tok, err := NewFollowToken(nil, DefaultTokenLen)
	require.NoError(t, err)
	return BroadcastPayload{
		DisplayName: name,
		UserHash:    IdentityHash("7EcDhSYGxXyscszYEp35KHN8vvw3svAuLKTzXwCFLtV", DefaultHashLen),
		FollowToken: tok,
	}
}

func TestBroadcastRoundTrip(t *testing.T) {
	c := DefaultBroadcastCodec()
	p := testPayload(t, "Alice")
	b, err := c.Encode(p)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), MaxManufacturerData)
	assert.Equal(t, byte(BroadcastVersion), b[0])
	assert.Equal(t, byte(5), b[1])

	got, ok := c.Decode(b)
	require.True(t, ok)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.Equal(t, p.UserHash, got.UserHash)
	assert.Equal(t, p.FollowToken, got.FollowToken)
	assert.Equal(t, uint8(BroadcastVersion), got.Version)
}

func TestBroadcastEmptyName(t *testing.T) {
	c := DefaultBroadcastCodec()
	b, err := c.Encode(testPayload(t, ""))
	require.NoError(t, err)
	assert.Len(t, b, c.MinLen())
	got, ok := c.Decode(b)
	require.True(t, ok)
	assert.Equal(t, "", got.DisplayName)
}

func TestBroadcastMaxNameFitsBLE(t *testing.T) {
	c := DefaultBroadcastCodec()
	b, err := c.Encode(testPayload(t, strings.Repeat("x", 40)))
	require.NoError(t, err)
	assert.Len(t, b, 2+DefaultMaxNameLen+DefaultHashLen+DefaultTokenLen)
	assert.LessOrEqual(t, len(b), MaxManufacturerData)
}

func TestBroadcastNormalizesName(t *testing.T) {
	c := DefaultBroadcastCodec()
	b, err := c.Encode(testPayload(t, "  Zoë 🎉 Ünal "))
	require.NoError(t, err)
	got, ok := c.Decode(b)
	require.True(t, ok)
	assert.Equal(t, "Zoe  Unal", got.DisplayName)
}

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"Bob", "Bob"},
		{"Ｆｕｌｌ", "Full"},
		{"café", "cafe"},
		{"\tline\nbreak", "linebreak"},
		{"日本語", ""},
		{"abcdefghijklmnop", "abcdefghijkl"},
		{"abcdefghijk  mn", "abcdefghijk"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeName(tc.in, DefaultMaxNameLen), "input %q", tc.in)
	}
}

func TestBroadcastShortPayloadUndecodable(t *testing.T) {
	c := DefaultBroadcastCodec()
	b, err := c.Encode(testPayload(t, "Alice"))
	require.NoError(t, err)
	for n := 0; n < len(b); n++ {
		_, ok := c.Decode(b[:n])
		assert.False(t, ok, "prefix of %d bytes", n)
	}
}

func TestBroadcastRejectsMalformed(t *testing.T) {
	c := DefaultBroadcastCodec()
	b, err := c.Encode(testPayload(t, "Al"))
	require.NoError(t, err)

	bad := bytes.Clone(b)
	bad[0] = 2
	_, ok := c.Decode(bad)
	assert.False(t, ok, "unknown version")

	bad = bytes.Clone(b)
	bad[1] = 200
	_, ok = c.Decode(bad)
	assert.False(t, ok, "name length past the end")

	bad = bytes.Clone(b)
	bad[2] = 0x01
	_, ok = c.Decode(bad)
	assert.False(t, ok, "control byte in name")

	padded := append(bytes.Clone(b), 0, 0, 0)
	_, ok = c.Decode(padded)
	assert.True(t, ok, "trailing padding is tolerated")
}

func TestBroadcastEncodeValidates(t *testing.T) {
	c := DefaultBroadcastCodec()
	p := testPayload(t, "A")
	p.UserHash = "zz"
	_, err := c.Encode(p)
	assert.True(t, errors.Is(err, errs.ErrFormat))

	p = testPayload(t, "A")
	p.FollowToken = "abcd"
	_, err = c.Encode(p)
	assert.True(t, errors.Is(err, errs.ErrFormat))
}

func TestIdentityHashStable(t *testing.T) {
	a := IdentityHash("alice", 8)
	assert.Len(t, a, 16)
	assert.Equal(t, a, IdentityHash("alice", 8))
	assert.NotEqual(t, a, IdentityHash("bob", 8))
}

func TestFollowTokenRotates(t *testing.T) {
	a, err := NewFollowToken(nil, 8)
	require.NoError(t, err)
	b, err := NewFollowToken(nil, 8)
	require.NoError(t, err)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}

func TestCustomCodecLengths(t *testing.T) {
	c := BroadcastCodec{HashLen: 4, TokenLen: 2, MaxNameLen: 3}
	p := BroadcastPayload{DisplayName: "Carol", UserHash: IdentityHash("carol", 4), FollowToken: "beef"}
	b, err := c.Encode(p)
	require.NoError(t, err)
	assert.Len(t, b, 2+3+4+2)
	got, ok := c.Decode(b)
	require.True(t, ok)
	assert.Equal(t, "Car", got.DisplayName)
	assert.Equal(t, "beef", got.FollowToken)
}
