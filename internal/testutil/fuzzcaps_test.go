package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCapBytes(t *testing.T) {
	b := []byte("abcdef")
	assert.Equal(t, []byte("abc"), CapBytes(b, 3))
	assert.Equal(t, b, CapBytes(b, 0))
	assert.Equal(t, b, CapBytes(b, 10))
}

func TestFuzzTimeoutFromEnv(t *testing.T) {
	t.Setenv(EnvFuzzTimeoutMS, "")
	assert.Equal(t, DefaultFuzzTimeout, FuzzTimeout())
	t.Setenv(EnvFuzzTimeoutMS, "750")
	assert.Equal(t, 750*time.Millisecond, FuzzTimeout())
	t.Setenv(EnvFuzzTimeoutMS, "-1")
	assert.Equal(t, DefaultFuzzTimeout, FuzzTimeout())
}

func TestBoundedCapsInput(t *testing.T) {
	var seen int
	Bounded(t, make([]byte, DefaultMaxFuzzBytes+10), func(data []byte) { seen = len(data) })
	assert.Equal(t, DefaultMaxFuzzBytes, seen)
}
