package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1, 0)
	require.True(t, lim.acquireConn("10.0.0.1"))
	assert.False(t, lim.acquireConn("10.0.0.1"))
	assert.Equal(t, 1, lim.inUse("10.0.0.1"))
	lim.releaseConn("10.0.0.1")
	assert.Zero(t, lim.inUse("10.0.0.1"))
	assert.True(t, lim.acquireConn("10.0.0.1"))
}

func TestIPLimiterStreamCap(t *testing.T) {
	lim := newIPLimiter(0, 2)
	require.True(t, lim.acquireStream("10.0.0.1"))
	require.True(t, lim.acquireStream("10.0.0.1"))
	assert.False(t, lim.acquireStream("10.0.0.1"))
	lim.releaseStream("10.0.0.1")
	assert.True(t, lim.acquireStream("10.0.0.1"))
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1, 1)
	assert.True(t, lim.acquireConn("10.0.0.1"))
	assert.True(t, lim.acquireConn("10.0.0.2"))
	assert.True(t, lim.acquireStream("10.0.0.1"))
	assert.True(t, lim.acquireStream("10.0.0.2"))
}

func TestIPLimiterDisabled(t *testing.T) {
	lim := newIPLimiter(0, 0)
	for i := 0; i < 10; i++ {
		assert.True(t, lim.acquireConn("10.0.0.1"))
	}
	lim.releaseConn("10.0.0.1")
	assert.Zero(t, lim.inUse("10.0.0.1"))
}
