package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearlink/internal/errs"
	"nearlink/internal/hybrid"
	"nearlink/internal/peer"
)

func openMemory(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConn(userID string, secret bool) peer.Connection {
	c := peer.New(userID, "Name "+userID, peer.StatusPendingSent)
	c.ConnectedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.PublicKey = make([]byte, 32)
	c.SigningKey = make([]byte, 32)
	c.PublicKey[0], c.SigningKey[0] = 1, 2
	if secret {
		c.SharedSecret = make([]byte, peer.SecretSize)
		c.SharedSecret[31] = 9
	}
	return c
}

func TestConnectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	c := testConn("bob", true)
	require.NoError(t, s.SaveConnection(ctx, c))

	got, err := s.GetConnection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	byUser, err := s.GetConnectionByUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, c.ID, byUser.ID)
}

func TestAbsentSecretStaysAbsent(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	c := testConn("carol", false)
	require.NoError(t, s.SaveConnection(ctx, c))
	got, err := s.GetConnection(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SharedSecret)
	assert.False(t, got.HasSecret())

	var raw *string
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT shared_secret FROM connections WHERE id = ?`, c.ID.String()).Scan(&raw))
	assert.Nil(t, raw, "absent secret must be stored as NULL")
}

func TestSaveUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	c := testConn("dave", true)
	require.NoError(t, s.SaveConnection(ctx, c))
	require.NoError(t, c.Promote())
	require.NoError(t, s.SaveConnection(ctx, c))

	all, err := s.GetConnections(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, peer.StatusMutual, all[0].Status)
	assert.Equal(t, peer.TrustVerified, all[0].Trust)
}

func TestSaveRejectsInvalidConnection(t *testing.T) {
	s := openMemory(t)
	c := testConn("erin", false)
	c.Status = peer.StatusMutual
	assert.True(t, errors.Is(s.SaveConnection(context.Background(), c), errs.ErrNoSharedSecret))
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	_, err := s.GetConnection(ctx, uuid.New())
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	_, err = s.GetConnectionByUser(ctx, "nobody")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	assert.True(t, errors.Is(s.DeleteConnection(ctx, uuid.New()), errs.ErrNotFound))
	_, err = s.GetEncryptedEvent(ctx, "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestDeleteConnection(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	c := testConn("frank", true)
	require.NoError(t, s.SaveConnection(ctx, c))
	require.NoError(t, s.DeleteConnection(ctx, c.ID))
	all, err := s.GetConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEncryptedEventRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	eng := hybrid.New(hybrid.Options{})
	recipient := testConn("gina", true)
	ev, err := eng.EncryptEvent(hybrid.Event{
		AuthorID:  "me",
		Title:     "Picnic",
		Datetime:  time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
		CreatedAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}, []peer.Connection{recipient})
	require.NoError(t, err)
	require.NoError(t, s.SaveEncryptedEvent(ctx, ev))

	got, err := s.GetEncryptedEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.WrappedKeys, got.WrappedKeys)
	assert.Equal(t, ev.EncryptedContent, got.EncryptedContent)
	assert.True(t, ev.Timestamp.Equal(got.Timestamp))

	plain, err := eng.DecryptEvent(got, []peer.Connection{recipient})
	require.NoError(t, err)
	assert.Equal(t, "Picnic", plain.Title)
}

func TestEventsNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, s.SaveEncryptedEvent(ctx, &hybrid.EncryptedEvent{
			ID:               id,
			AuthorID:         "me",
			Timestamp:        base.Add(time.Duration(i) * time.Minute),
			EncryptedContent: []byte{byte(i)},
			ContentIV:        make([]byte, 12),
		}))
	}
	evs, err := s.GetEncryptedEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "e3", evs[0].ID)
	assert.Equal(t, "e2", evs[1].ID)
	assert.NotNil(t, evs[0].WrappedKeys)
}

func TestMessagesOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	conv := hybrid.ConversationID("a", "b")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.SaveMessage(ctx, &hybrid.EncryptedMessage{
			ID:             id,
			ConversationID: conv,
			SenderID:       "a",
			RecipientID:    "b",
			Ciphertext:     []byte{byte(i)},
			IV:             make([]byte, 12),
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		}))
	}
	msgs, err := s.GetMessages(ctx, conv, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)

	other, err := s.GetMessages(ctx, hybrid.ConversationID("a", "c"), 0)
	require.NoError(t, err)
	assert.Empty(t, other)
	assert.True(t, errors.Is(s.SaveMessage(ctx, &hybrid.EncryptedMessage{ID: "x"}), errs.ErrInvalidRequest))
}

func TestFileDatabaseSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")
	s, err := Open(ctx, path)
	require.NoError(t, err)
	c := testConn("hana", true)
	require.NoError(t, s.SaveConnection(ctx, c))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, RunMigrations(ctx, s.DB()), "migrations are idempotent")
	got, err := s.GetConnectionByUser(ctx, "hana")
	require.NoError(t, err)
	assert.Equal(t, c.SharedSecret, got.SharedSecret)
}
