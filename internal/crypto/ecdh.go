package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"

	"nearlink/internal/errs"
)

const (
	labelSharedSecret = "nearlink:ecdh:v1"

	InfoConnectionKey = "connection-key-v1"
	InfoEncryptionKey = "encryption-key-v1"
	InfoAuthKey       = "auth-key-v1"
)

type DerivedKeys struct {
	EncryptionKey []byte
	AuthKey       []byte
}

// DeriveSharedSecret runs X25519 between myPriv and theirPub. Both sides of
// a pair get the same 32 bytes; any other pair gets different bytes.
func DeriveSharedSecret(myPriv, theirPub []byte) ([]byte, error) {
	raw, err := x25519Raw(myPriv, theirPub)
	if err != nil {
		return nil, err
	}
	return KDF(labelSharedSecret, raw), nil
}

// DeriveConnectionKey is HKDF-SHA256 keyed by secret. A nil salt means 32
// zero bytes; an empty info means InfoConnectionKey.
func DeriveConnectionKey(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errs.ErrNoSharedSecret
	}
	if salt == nil {
		salt = make([]byte, 32)
	}
	if info == "" {
		info = InfoConnectionKey
	}
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, errs.Crypto("hkdf", err)
	}
	return out, nil
}

func DeriveMultipleKeys(secret []byte) (DerivedKeys, error) {
	enc, err := DeriveConnectionKey(secret, nil, InfoEncryptionKey)
	if err != nil {
		return DerivedKeys{}, err
	}
	auth, err := DeriveConnectionKey(secret, nil, InfoAuthKey)
	if err != nil {
		return DerivedKeys{}, err
	}
	return DerivedKeys{EncryptionKey: enc, AuthKey: auth}, nil
}

// RecipientLookupID is base64(HMAC-SHA256(secret, objectID)). It is the only
// recipient marker that leaves the device.
func RecipientLookupID(secret []byte, objectID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(objectID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
