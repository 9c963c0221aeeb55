// Package testutil bounds fuzz inputs for the untrusted decoders.
package testutil

import (
	"os"
	"strconv"
	"testing"
	"time"
)

const (
	// DefaultMaxFuzzBytes is larger than any frame or advertisement we accept.
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 100 * time.Millisecond
	EnvFuzzTimeoutMS    = "NEARLINK_FUZZ_TIMEOUT_MS"
)

func CapBytes(b []byte, max int) []byte {
	if max <= 0 || len(b) <= max {
		return b
	}
	return b[:max]
}

// FuzzTimeout is DefaultFuzzTimeout unless NEARLINK_FUZZ_TIMEOUT_MS is set,
// for slow CI machines.
func FuzzTimeout() time.Duration {
	if raw := os.Getenv(EnvFuzzTimeoutMS); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	}
	return DefaultFuzzTimeout
}

// WithTimeout fails t when fn does not return within d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = FuzzTimeout()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("decoder still running after %s", d)
	}
}

// Bounded caps data and runs fn on it under the fuzz timeout.
func Bounded(t testing.TB, data []byte, fn func(data []byte)) {
	t.Helper()
	data = CapBytes(data, DefaultMaxFuzzBytes)
	WithTimeout(t, FuzzTimeout(), func() { fn(data) })
}
