// Package store is the durable local mirror of agent sessions and messages.
// It backs instant transcript rendering and offline history browsing; the
// agent server remains the authority on conversation state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"github.com/haven-chat/haven-go/internal/logger"
)

// Message delivery status values. A user message is written as pending before
// the remote call, then tagged confirmed or unconfirmed once the call settles.
const (
	StatusPending     = "pending"
	StatusConfirmed   = "confirmed"
	StatusUnconfirmed = "unconfirmed"
)

// Session is the cached mirror of one remote conversation.
//
// MessageCount and LastMessageAt are derived: they are written only inside
// AppendMessage's transaction and always equal the count and max timestamp of
// the session's cached messages.
type Session struct {
	LocalID         int64          `json:"local_id"`
	RemoteSessionID string         `json:"remote_session_id"`
	UserID          string         `json:"user_id"`
	DisplayName     string         `json:"display_name"`
	CreatedAt       time.Time      `json:"created_at"`
	LastMessageAt   time.Time      `json:"last_message_at"` // zero while the session has no messages
	MessageCount    int64          `json:"message_count"`
	RemoteState     map[string]any `json:"remote_state"` // opaque agent memory, never interpreted locally
}

// Message is one cached transcript entry. Role and Content are immutable;
// only the delivery Status may change after insertion.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"` // remote session id of the parent
	Role      string    `json:"role"`       // "user" or "assistant"
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionUpdate is a partial session update; nil fields are left unchanged.
// Derived fields are deliberately absent.
type SessionUpdate struct {
	DisplayName *string
	UserID      *string
	RemoteState map[string]any
}

// Store is a SQLite-backed record store for sessions and messages.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		return nil, storageErr("open", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, storageErr("init schema", err)
	}

	// Single writer; the driver serializes access and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger.L.Debug("session store opened", "path", path)
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
  local_id INTEGER PRIMARY KEY AUTOINCREMENT,
  remote_session_id TEXT NOT NULL UNIQUE,
  user_id TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  last_message_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  message_count INTEGER NOT NULL DEFAULT 0,
  remote_state TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_message ON sessions(last_message_at_unix_ms DESC);
CREATE TABLE IF NOT EXISTS messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'confirmed',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at_unix_ms ASC, seq ASC);
`)
	return err
}

// CreateSession inserts a fresh session mirror with a zero message count.
// CreatedAt is stamped here if unset.
func (s *Store) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.RemoteSessionID == "" {
		return Session{}, errors.New("store: missing remote session id")
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	if sess.RemoteState == nil {
		sess.RemoteState = map[string]any{}
	}
	stateJSON, err := json.Marshal(sess.RemoteState)
	if err != nil {
		return Session{}, storageErr("encode remote state", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, storageErr("create session", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE remote_session_id = ?`,
		sess.RemoteSessionID,
	).Scan(&exists); err != nil {
		return Session{}, storageErr("create session", err)
	}
	if exists > 0 {
		return Session{}, ErrDuplicateSession
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO sessions(remote_session_id, user_id, display_name, created_at_unix_ms, last_message_at_unix_ms, message_count, remote_state)
VALUES(?, ?, ?, ?, 0, 0, ?)
`, sess.RemoteSessionID, sess.UserID, sess.DisplayName, sess.CreatedAt.UnixMilli(), string(stateJSON))
	if err != nil {
		return Session{}, storageErr("create session", err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, storageErr("create session", err)
	}

	sess.LocalID, _ = res.LastInsertId()
	sess.MessageCount = 0
	sess.LastMessageAt = time.Time{}
	return sess, nil
}

// GetSessionByRemoteID returns the cached session, or nil when absent.
func (s *Store) GetSessionByRemoteID(ctx context.Context, remoteSessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT local_id, remote_session_id, user_id, display_name, created_at_unix_ms, last_message_at_unix_ms, message_count, remote_state
FROM sessions
WHERE remote_session_id = ?
`, remoteSessionID)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("get session", err)
	}
	return sess, nil
}

// ListSessions returns all cached sessions newest-activity first. Sessions
// that have no messages yet sort after every session that has any.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT local_id, remote_session_id, user_id, display_name, created_at_unix_ms, last_message_at_unix_ms, message_count, remote_state
FROM sessions
ORDER BY (last_message_at_unix_ms = 0) ASC, last_message_at_unix_ms DESC, local_id DESC
`)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storageErr("list sessions", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sessions", err)
	}
	return out, nil
}

// UpdateSession applies a partial update to non-derived session fields.
func (s *Store) UpdateSession(ctx context.Context, remoteSessionID string, upd SessionUpdate) error {
	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if upd.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *upd.DisplayName)
	}
	if upd.UserID != nil {
		sets = append(sets, "user_id = ?")
		args = append(args, *upd.UserID)
	}
	if upd.RemoteState != nil {
		stateJSON, err := json.Marshal(upd.RemoteState)
		if err != nil {
			return storageErr("encode remote state", err)
		}
		sets = append(sets, "remote_state = ?")
		args = append(args, string(stateJSON))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, remoteSessionID)

	query := "UPDATE sessions SET " + strings.Join(sets, ", ") + " WHERE remote_session_id = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr("update session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes the session and all of its messages in one
// transaction; no reader can observe the session without its messages or
// the messages without their session.
func (s *Store) DeleteSession(ctx context.Context, remoteSessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete session", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, remoteSessionID); err != nil {
		return storageErr("delete session", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE remote_session_id = ?`, remoteSessionID)
	if err != nil {
		return storageErr("delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	if err := tx.Commit(); err != nil {
		return storageErr("delete session", err)
	}
	return nil
}

// AppendMessage persists a message and, in the same transaction, bumps the
// parent session's message count and last-activity time. The first user
// message also titles a session that has no display name yet.
func (s *Store) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = StatusConfirmed
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, storageErr("append message", err)
	}
	defer func() { _ = tx.Rollback() }()

	var displayName string
	err = tx.QueryRowContext(ctx,
		`SELECT display_name FROM sessions WHERE remote_session_id = ?`,
		msg.SessionID,
	).Scan(&displayName)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrOrphanMessage
	}
	if err != nil {
		return Message{}, storageErr("append message", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, session_id, role, content, status, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, msg.ID, msg.SessionID, msg.Role, msg.Content, msg.Status, msg.Timestamp.UnixMilli()); err != nil {
		return Message{}, storageErr("append message", err)
	}

	if displayName == "" && msg.Role == "user" {
		displayName = titleCandidate(msg.Content)
	}
	// MAX keeps last_message_at at the transcript's newest timestamp even when
	// a caller supplies an out-of-order one.
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET message_count = message_count + 1,
    last_message_at_unix_ms = MAX(last_message_at_unix_ms, ?),
    display_name = ?
WHERE remote_session_id = ?
`, msg.Timestamp.UnixMilli(), displayName, msg.SessionID); err != nil {
		return Message{}, storageErr("append message", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, storageErr("append message", err)
	}
	return msg, nil
}

// ListMessages returns a session's messages oldest first; equal timestamps
// keep insertion order.
func (s *Store) ListMessages(ctx context.Context, remoteSessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, role, content, status, created_at_unix_ms
FROM messages
WHERE session_id = ?
ORDER BY created_at_unix_ms ASC, seq ASC
`, remoteSessionID)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Status, &ts); err != nil {
			return nil, storageErr("list messages", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list messages", err)
	}
	return out, nil
}

// SetMessageStatus retags a message's delivery status. Derived session fields
// are untouched; the message was already counted when appended.
func (s *Store) SetMessageStatus(ctx context.Context, messageID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ?`, status, messageID)
	if err != nil {
		return storageErr("set message status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var createdMs, lastMs int64
	var stateJSON string
	if err := row.Scan(
		&sess.LocalID,
		&sess.RemoteSessionID,
		&sess.UserID,
		&sess.DisplayName,
		&createdMs,
		&lastMs,
		&sess.MessageCount,
		&stateJSON,
	); err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(createdMs)
	if lastMs > 0 {
		sess.LastMessageAt = time.UnixMilli(lastMs)
	}
	if err := json.Unmarshal([]byte(stateJSON), &sess.RemoteState); err != nil {
		// A corrupt state blob should not hide the session itself.
		logger.L.Warn("discarding unreadable remote state", "session", sess.RemoteSessionID, "error", err)
		sess.RemoteState = map[string]any{}
	}
	return &sess, nil
}

func titleCandidate(text string) string {
	const max = 48
	runes := []rune(strings.TrimSpace(text))
	for i, r := range runes {
		if r == '\n' || r == '\r' {
			runes[i] = ' '
		}
	}
	if len(runes) > max {
		runes = runes[:max]
	}
	return strings.TrimSpace(string(runes))
}
