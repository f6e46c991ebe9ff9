package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hearthchat/backend/internal/model/chat"
)

// SQLiteStore persists sessions and messages in an embedded sqlite database.
// It satisfies the same contract as MemoryStore, including the change feed,
// so the controller does not care which one it runs on.
type SQLiteStore struct {
	notifier

	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// Keep sqlite responsive under contention.
	pragmas := []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			title_is_placeholder INTEGER NOT NULL DEFAULT 0,
			created_at_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			sender TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at_ns);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ListSessions returns all sessions newest first, rowid breaking timestamp ties.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]chat.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, title_is_placeholder, created_at_ns
		 FROM sessions ORDER BY created_at_ns DESC, rowid DESC`)
	if err != nil {
		return nil, &chat.PersistenceError{Op: "list sessions", Err: err}
	}
	defer rows.Close()

	sessions := make([]chat.Session, 0, 8)
	for rows.Next() {
		var (
			session     chat.Session
			placeholder int
			createdNS   int64
		)
		if err := rows.Scan(&session.ID, &session.Title, &placeholder, &createdNS); err != nil {
			return nil, &chat.PersistenceError{Op: "list sessions", Err: err}
		}
		session.TitleIsPlaceholder = placeholder != 0
		session.CreatedAt = time.Unix(0, createdNS).UTC()
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, &chat.PersistenceError{Op: "list sessions", Err: err}
	}
	return sessions, nil
}

// CreateSession persists a new session with a generated id.
func (s *SQLiteStore) CreateSession(ctx context.Context, title string) (chat.Session, error) {
	placeholder := false
	if title == "" {
		title = chat.DefaultTitle
		placeholder = true
	}

	session := chat.Session{
		ID:                 uuid.NewString(),
		Title:              title,
		TitleIsPlaceholder: placeholder,
		CreatedAt:          s.now(),
	}

	flag := 0
	if placeholder {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, title_is_placeholder, created_at_ns) VALUES (?, ?, ?, ?)`,
		session.ID, session.Title, flag, session.CreatedAt.UnixNano())
	if err != nil {
		return chat.Session{}, &chat.PersistenceError{Op: "create session", Err: err}
	}

	s.notify(Event{Op: OpSessionCreated, SessionID: session.ID})
	return session, nil
}

// RenameSession sets a real title, clearing the placeholder flag.
func (s *SQLiteStore) RenameSession(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, title_is_placeholder = 0 WHERE id = ?`, title, id)
	if err != nil {
		return &chat.PersistenceError{Op: "rename session", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &chat.PersistenceError{Op: "rename session", Err: chat.ErrSessionNotFound}
	}

	s.notify(Event{Op: OpSessionRenamed, SessionID: id})
	return nil
}

// DeleteSession removes the session; the FK cascade removes its messages in
// the same transaction. Unknown ids are a no-op success.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return &chat.PersistenceError{Op: "delete session", Err: err}
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.notify(Event{Op: OpSessionDeleted, SessionID: id})
	}
	return nil
}

// ListMessages returns the most recent limit messages for the session, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	// Window to the newest limit rows, then flip back to ascending.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sender, text, created_at_ns FROM (
			SELECT id, session_id, sender, text, created_at_ns, rowid
			FROM messages WHERE session_id = ?
			ORDER BY created_at_ns DESC, rowid DESC LIMIT ?
		) ORDER BY created_at_ns ASC, rowid ASC`,
		sessionID, limit)
	if err != nil {
		return nil, &chat.PersistenceError{Op: "list messages", Err: err}
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, limit)
	for rows.Next() {
		var (
			message   chat.Message
			sender    string
			createdNS int64
		)
		if err := rows.Scan(&message.ID, &message.SessionID, &sender, &message.Text, &createdNS); err != nil {
			return nil, &chat.PersistenceError{Op: "list messages", Err: err}
		}
		message.Sender = chat.Sender(sender)
		message.CreatedAt = time.Unix(0, createdNS).UTC()
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, &chat.PersistenceError{Op: "list messages", Err: err}
	}
	return messages, nil
}

// AppendMessage persists one message for an existing session.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, sender chat.Sender, text string) (chat.Message, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err != nil {
		return chat.Message{}, &chat.PersistenceError{Op: "append message", Err: err}
	}
	if exists == 0 {
		return chat.Message{}, &chat.PersistenceError{Op: "append message", Err: chat.ErrSessionNotFound}
	}

	message := chat.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
		CreatedAt: s.now(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, sender, text, created_at_ns) VALUES (?, ?, ?, ?, ?)`,
		message.ID, message.SessionID, string(message.Sender), message.Text, message.CreatedAt.UnixNano())
	if err != nil {
		return chat.Message{}, &chat.PersistenceError{Op: "append message", Err: err}
	}

	s.notify(Event{Op: OpMessageAppend, SessionID: sessionID, MessageID: message.ID})
	return message, nil
}
