package radio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearlink/internal/errs"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestTickDeliversSightingsInRange(t *testing.T) {
	ctx := context.Background()
	m := NewMedium()
	a, b, c := m.Join("a"), m.Join("b"), m.Join("c")
	m.SetRSSI("a", "b", -70)
	m.SetRSSI("a", "c", OutOfRange)

	require.NoError(t, a.StartScanning(ctx))
	require.NoError(t, b.Broadcast(ctx, ServiceID, []byte{1, 2}, BroadcastOptions{}))
	require.NoError(t, c.Broadcast(ctx, ServiceID, []byte{3}, BroadcastOptions{}))

	assert.Equal(t, 1, m.Tick())
	evs := drain(a.Events())
	require.Len(t, evs, 1)
	assert.Equal(t, DeviceDiscovered, evs[0].Kind)
	assert.Equal(t, "b", evs[0].Sighting.RadioID)
	assert.Equal(t, -70, evs[0].Sighting.RSSI)
	assert.Equal(t, []byte{1, 2}, evs[0].Sighting.Payload)
}

func TestBroadcastRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	s := NewMedium().Join("a")
	require.NoError(t, s.Broadcast(ctx, ServiceID, []byte{1}, BroadcastOptions{}))
	assert.True(t, errors.Is(s.Broadcast(ctx, ServiceID, []byte{2}, BroadcastOptions{}), ErrAlreadyAdvertised))
	require.NoError(t, s.StopBroadcast(ctx))
	require.NoError(t, s.Broadcast(ctx, ServiceID, []byte{2}, BroadcastOptions{}))
	assert.Equal(t, []byte{2}, s.Advertisement())
	assert.Equal(t, 2, s.BroadcastCount())
}

func TestStopScanningEmitsEvent(t *testing.T) {
	ctx := context.Background()
	s := NewMedium().Join("a")
	require.NoError(t, s.StartScanning(ctx))
	require.NoError(t, s.StopScanning(ctx))
	evs := drain(s.Events())
	require.Len(t, evs, 1)
	assert.Equal(t, ScanStopped, evs[0].Kind)
}

func TestConnectTimeoutOutOfRange(t *testing.T) {
	m := NewMedium()
	a := m.Join("a")
	m.Join("b")
	m.SetRSSI("a", "b", OutOfRange)
	start := time.Now()
	err := a.Connect(context.Background(), "b", 20*time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, errors.Is(err, errs.ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	err = a.Connect(context.Background(), "nobody", 0)
	assert.True(t, errors.Is(err, errs.ErrTimeout))
}

func TestHandshakeRouting(t *testing.T) {
	ctx := context.Background()
	m := NewMedium()
	a, b := m.Join("a"), m.Join("b")
	b.SetProfile(Profile{UserID: "bob", DisplayName: "Bob", AgreementKey: []byte{7}})
	b.SetHandshakeHandler(func(_ context.Context, p []byte) ([]byte, error) {
		return append([]byte("echo:"), p...), nil
	})

	_, err := a.WriteHandshake(ctx, "b", []byte("x"))
	assert.True(t, errors.Is(err, ErrNotConnected))

	require.NoError(t, a.Connect(ctx, "b", time.Second))
	p, err := a.ReadProfile(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "bob", p.UserID)

	resp, err := a.WriteHandshake(ctx, "b", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(resp))

	require.NoError(t, a.Disconnect(ctx, "b"))
	_, err = a.ReadProfile(ctx, "b")
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	s := NewMedium().Join("a")
	s.FailNextBroadcasts(1)
	assert.Error(t, s.Broadcast(ctx, ServiceID, []byte{1}, BroadcastOptions{}))
	require.NoError(t, s.Broadcast(ctx, ServiceID, []byte{1}, BroadcastOptions{}))
	s.FailNextStops(1)
	assert.Error(t, s.StopBroadcast(ctx))
	assert.NotNil(t, s.Advertisement())
	require.NoError(t, s.StopBroadcast(ctx))
	assert.Nil(t, s.Advertisement())
}

func TestCloseClosesEvents(t *testing.T) {
	s := NewMedium().Join("a")
	s.Close()
	s.Close()
	_, ok := <-s.Events()
	assert.False(t, ok)
	assert.False(t, s.Emit(Event{Kind: Error}))
}
