// Package store persists connections, encrypted events and direct messages
// in SQLite. The schema is managed by goose migrations embedded in the
// binary.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"nearlink/internal/errs"
	"nearlink/internal/hybrid"
	"nearlink/internal/peer"
	"nearlink/internal/store/migrations"
)

// Store is the persistence collaborator. Single-row lookups return
// errs.ErrNotFound when nothing matches.
type Store interface {
	SaveConnection(ctx context.Context, c peer.Connection) error
	GetConnections(ctx context.Context) ([]peer.Connection, error)
	GetConnection(ctx context.Context, id uuid.UUID) (peer.Connection, error)
	GetConnectionByUser(ctx context.Context, userID string) (peer.Connection, error)
	DeleteConnection(ctx context.Context, id uuid.UUID) error

	SaveEncryptedEvent(ctx context.Context, ev *hybrid.EncryptedEvent) error
	GetEncryptedEvents(ctx context.Context, limit int) ([]*hybrid.EncryptedEvent, error)
	GetEncryptedEvent(ctx context.Context, id string) (*hybrid.EncryptedEvent, error)

	SaveMessage(ctx context.Context, m *hybrid.EncryptedMessage) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*hybrid.EncryptedMessage, error)

	Close() error
}

// goose keeps its base FS and dialect in package state.
var migrateMu sync.Mutex

// RunMigrations applies the embedded migrations. Running it twice is a
// no-op.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn and migrates it.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	// one connection: :memory: databases are per connection, and SQLite
	// serializes writers anyway
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// DB exposes the handle for callers that need a transaction.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) SaveConnection(ctx context.Context, c peer.Connection) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var secret sql.NullString
	if c.HasSecret() {
		secret = sql.NullString{String: c.SecretHex(), Valid: true}
	}
	query := `INSERT INTO connections (id, user_id, display_name, public_key, signing_key, shared_secret, connected_at, trust, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id,
			display_name = excluded.display_name,
			public_key = excluded.public_key,
			signing_key = excluded.signing_key,
			shared_secret = excluded.shared_secret,
			connected_at = excluded.connected_at,
			trust = excluded.trust,
			status = excluded.status`
	_, err := s.db.ExecContext(ctx, query,
		c.ID.String(), c.UserID, c.DisplayName,
		hex.EncodeToString(c.PublicKey), hex.EncodeToString(c.SigningKey),
		secret, c.ConnectedAt.UnixNano(), string(c.Trust), string(c.Status))
	if err != nil {
		return fmt.Errorf("save connection: %w", err)
	}
	return nil
}

const connectionColumns = `id, user_id, display_name, public_key, signing_key, shared_secret, connected_at, trust, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(r rowScanner) (peer.Connection, error) {
	var (
		c                            peer.Connection
		id, pub, sign, trust, status string
		secret                       sql.NullString
		connectedAt                  int64
	)
	if err := r.Scan(&id, &c.UserID, &c.DisplayName, &pub, &sign, &secret, &connectedAt, &trust, &status); err != nil {
		return peer.Connection{}, err
	}
	var err error
	if c.ID, err = uuid.Parse(id); err != nil {
		return peer.Connection{}, errs.Format("connection id")
	}
	if c.PublicKey, err = decodeHexColumn(pub); err != nil {
		return peer.Connection{}, err
	}
	if c.SigningKey, err = decodeHexColumn(sign); err != nil {
		return peer.Connection{}, err
	}
	if secret.Valid {
		if c.SharedSecret, err = peer.ParseSecretHex(secret.String); err != nil {
			return peer.Connection{}, err
		}
	}
	c.ConnectedAt = time.Unix(0, connectedAt).UTC()
	c.Trust = peer.Trust(trust)
	c.Status = peer.Status(status)
	return c, nil
}

func decodeHexColumn(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errs.Format("stored key")
	}
	return b, nil
}

func (s *SQLite) GetConnections(ctx context.Context) ([]peer.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY connected_at, id`)
	if err != nil {
		return nil, fmt.Errorf("select connections: %w", err)
	}
	defer rows.Close()
	var out []peer.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) getConnectionWhere(ctx context.Context, where string, arg any) (peer.Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE `+where, arg)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return peer.Connection{}, fmt.Errorf("connection: %w", errs.ErrNotFound)
	}
	return c, err
}

func (s *SQLite) GetConnection(ctx context.Context, id uuid.UUID) (peer.Connection, error) {
	return s.getConnectionWhere(ctx, `id = ?`, id.String())
}

func (s *SQLite) GetConnectionByUser(ctx context.Context, userID string) (peer.Connection, error) {
	return s.getConnectionWhere(ctx, `user_id = ?`, userID)
}

func (s *SQLite) DeleteConnection(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("connection %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (s *SQLite) SaveEncryptedEvent(ctx context.Context, ev *hybrid.EncryptedEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("save event: %w", errs.ErrInvalidRequest)
	}
	wrapped, err := hybrid.MarshalWrappedKeys(ev.WrappedKeys)
	if err != nil {
		return err
	}
	query := `INSERT INTO encrypted_events (id, author_id, ts, encrypted_content, content_iv, wrapped_keys)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET author_id = excluded.author_id,
			ts = excluded.ts,
			encrypted_content = excluded.encrypted_content,
			content_iv = excluded.content_iv,
			wrapped_keys = excluded.wrapped_keys`
	if _, err := s.db.ExecContext(ctx, query, ev.ID, ev.AuthorID, ev.Timestamp.UnixNano(), ev.EncryptedContent, ev.ContentIV, string(wrapped)); err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

func scanEvent(r rowScanner) (*hybrid.EncryptedEvent, error) {
	var (
		ev      hybrid.EncryptedEvent
		ts      int64
		wrapped string
	)
	if err := r.Scan(&ev.ID, &ev.AuthorID, &ts, &ev.EncryptedContent, &ev.ContentIV, &wrapped); err != nil {
		return nil, err
	}
	keys, err := hybrid.UnmarshalWrappedKeys([]byte(wrapped))
	if err != nil {
		return nil, err
	}
	ev.WrappedKeys = keys
	ev.Timestamp = time.Unix(0, ts).UTC()
	return &ev, nil
}

const eventColumns = `id, author_id, ts, encrypted_content, content_iv, wrapped_keys`

// GetEncryptedEvents returns the newest events first. limit <= 0 means all.
func (s *SQLite) GetEncryptedEvents(ctx context.Context, limit int) ([]*hybrid.EncryptedEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM encrypted_events ORDER BY ts DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()
	var out []*hybrid.EncryptedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLite) GetEncryptedEvent(ctx context.Context, id string) (*hybrid.EncryptedEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM encrypted_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, errs.ErrNotFound)
	}
	return ev, err
}

func (s *SQLite) SaveMessage(ctx context.Context, m *hybrid.EncryptedMessage) error {
	if m == nil || m.ID == "" || strings.TrimSpace(m.ConversationID) == "" {
		return fmt.Errorf("save message: %w", errs.ErrInvalidRequest)
	}
	query := `INSERT INTO messages (id, conversation_id, sender_id, recipient_id, ciphertext, iv, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Ciphertext, m.IV, m.Timestamp.UnixNano()); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetMessages returns a conversation oldest first. limit <= 0 means all;
// otherwise the newest limit messages are returned.
func (s *SQLite) GetMessages(ctx context.Context, conversationID string, limit int) ([]*hybrid.EncryptedMessage, error) {
	query := `SELECT id, conversation_id, sender_id, recipient_id, ciphertext, iv, ts FROM messages
		WHERE conversation_id = ? ORDER BY ts DESC, id`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()
	var out []*hybrid.EncryptedMessage
	for rows.Next() {
		var (
			m  hybrid.EncryptedMessage
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Ciphertext, &m.IV, &ts); err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
