// Package errs holds the error kinds shared by every nearlink component.
// Callers match them with errors.Is; producers wrap them with context.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrCryptoFailure covers RNG failure and malformed key material. Never retried.
	ErrCryptoFailure = errors.New("crypto failure")
	// ErrFormat is returned for bad hex, base58 or binary layout in caller-supplied input.
	ErrFormat = errors.New("format error")
	// ErrNotAuthorized means an object was not encrypted for any of my connections.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrNoSharedSecret means the connection has no ECDH material yet.
	ErrNoSharedSecret = errors.New("no shared secret")

	ErrTimeout           = errors.New("timeout")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrRejected          = errors.New("rejected")
)

func Crypto(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrCryptoFailure)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrCryptoFailure, err)
}

func Format(what string) error {
	return fmt.Errorf("bad %s: %w", what, ErrFormat)
}
