package proto

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"

	"nearlink/internal/crypto"
	"nearlink/internal/errs"
)

// Manufacturer-data layout:
//
//	[version:1][nameLen:1][name:nameLen][identityHash:HashLen][token:TokenLen]
const (
	BroadcastVersion  = 1
	DefaultHashLen    = 8
	DefaultTokenLen   = 8
	DefaultMaxNameLen = 12

	// BLE legacy advertising leaves 31 bytes for the whole AD structure.
	MaxManufacturerData = 31
)

type BroadcastPayload struct {
	Version     uint8
	DisplayName string // "" when the peer advertises no name
	UserHash    string // hex, HashLen bytes
	FollowToken string // hex, TokenLen bytes
}

type BroadcastCodec struct {
	HashLen    int
	TokenLen   int
	MaxNameLen int
}

func DefaultBroadcastCodec() BroadcastCodec {
	return BroadcastCodec{HashLen: DefaultHashLen, TokenLen: DefaultTokenLen, MaxNameLen: DefaultMaxNameLen}
}

func (c BroadcastCodec) withDefaults() BroadcastCodec {
	if c.HashLen <= 0 {
		c.HashLen = DefaultHashLen
	}
	if c.TokenLen <= 0 {
		c.TokenLen = DefaultTokenLen
	}
	if c.MaxNameLen <= 0 {
		c.MaxNameLen = DefaultMaxNameLen
	}
	if c.MaxNameLen > 255 {
		c.MaxNameLen = 255
	}
	return c
}

// MinLen is the size of a payload with an empty name.
func (c BroadcastCodec) MinLen() int {
	c = c.withDefaults()
	return 2 + c.HashLen + c.TokenLen
}

func (c BroadcastCodec) Encode(p BroadcastPayload) ([]byte, error) {
	c = c.withDefaults()
	version := p.Version
	if version == 0 {
		version = BroadcastVersion
	}
	hash, err := hex.DecodeString(p.UserHash)
	if err != nil || len(hash) != c.HashLen {
		return nil, errs.Format(fmt.Sprintf("identity hash (want %d bytes)", c.HashLen))
	}
	token, err := hex.DecodeString(p.FollowToken)
	if err != nil || len(token) != c.TokenLen {
		return nil, errs.Format(fmt.Sprintf("follow token (want %d bytes)", c.TokenLen))
	}
	name := NormalizeName(p.DisplayName, c.MaxNameLen)
	out := make([]byte, 0, 2+len(name)+len(hash)+len(token))
	out = append(out, version, byte(len(name)))
	out = append(out, name...)
	out = append(out, hash...)
	out = append(out, token...)
	return out, nil
}

// Decode parses untrusted radio data. ok is false for anything that does
// not fit the layout; it never fails louder than that. Trailing bytes are
// ignored.
func (c BroadcastCodec) Decode(b []byte) (BroadcastPayload, bool) {
	c = c.withDefaults()
	if len(b) < c.MinLen() {
		return BroadcastPayload{}, false
	}
	if b[0] != BroadcastVersion {
		return BroadcastPayload{}, false
	}
	nameLen := int(b[1])
	if nameLen > c.MaxNameLen || len(b) < 2+nameLen+c.HashLen+c.TokenLen {
		return BroadcastPayload{}, false
	}
	name := b[2 : 2+nameLen]
	for _, ch := range name {
		if ch < 0x20 || ch > 0x7e {
			return BroadcastPayload{}, false
		}
	}
	off := 2 + nameLen
	hash := b[off : off+c.HashLen]
	off += c.HashLen
	token := b[off : off+c.TokenLen]
	return BroadcastPayload{
		Version:     b[0],
		DisplayName: string(name),
		UserHash:    hex.EncodeToString(hash),
		FollowToken: hex.EncodeToString(token),
	}, true
}

// NormalizeName decomposes s (NFKD), drops everything outside printable
// ASCII, trims spaces and truncates to max bytes.
func NormalizeName(s string, max int) string {
	if s == "" {
		return ""
	}
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for i := 0; i < len(decomposed); i++ {
		ch := decomposed[i]
		if ch >= 0x20 && ch <= 0x7e {
			b.WriteByte(ch)
		}
	}
	out := strings.TrimSpace(b.String())
	if max > 0 && len(out) > max {
		out = strings.TrimRight(out[:max], " ")
	}
	return out
}

// IdentityHash is the truncated SHA3-256 of an identity id, hex encoded.
func IdentityHash(identityID string, n int) string {
	if n <= 0 {
		n = DefaultHashLen
	}
	sum := crypto.SHA3_256([]byte(identityID))
	if n > len(sum) {
		n = len(sum)
	}
	return hex.EncodeToString(sum[:n])
}

// NewFollowToken draws n random bytes; r may be nil.
func NewFollowToken(r io.Reader, n int) (string, error) {
	if n <= 0 {
		n = DefaultTokenLen
	}
	b, err := crypto.RandomBytes(r, n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
