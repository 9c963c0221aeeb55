package proto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"conn_request","user_id":"a"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameThenCapped(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"profile","user_id":"a"}`)
	require.NoError(t, WriteFrame(&buf, payload))
	got, err := ReadFrameCapped(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrameCappedRejectsOversizedType(t *testing.T) {
	big := `{"type":"conn_request","pad":"` + strings.Repeat("x", SoftMaxFrameSize) + `"}`
	frame, err := EncodeFrame([]byte(big))
	require.NoError(t, err)
	_, err = ReadFrameCapped(bytes.NewReader(frame))
	assert.Error(t, err)
}

func TestEncodeFrameRejectsEmpty(t *testing.T) {
	_, err := EncodeFrame(nil)
	assert.Error(t, err)
	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.Error(t, err)
}
