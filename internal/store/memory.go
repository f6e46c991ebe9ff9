package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthchat/backend/internal/model/chat"
)

type sessionRecord struct {
	session chat.Session
	seq     uint64
}

type messageRecord struct {
	message chat.Message
	seq     uint64
}

// MemoryStore keeps sessions and messages in process memory. Suitable for
// tests and single-run usage; the sqlite store carries the same contract for
// durable state.
type MemoryStore struct {
	notifier

	mu       sync.RWMutex
	sessions map[string]sessionRecord
	messages map[string][]messageRecord
	seq      uint64

	now func() time.Time
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]sessionRecord),
		messages: make(map[string][]messageRecord),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ListSessions returns all sessions newest first.
func (s *MemoryStore) ListSessions(_ context.Context) ([]chat.Session, error) {
	s.mu.RLock()
	records := make([]sessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].session.CreatedAt.Equal(records[j].session.CreatedAt) {
			return records[i].seq > records[j].seq
		}
		return records[i].session.CreatedAt.After(records[j].session.CreatedAt)
	})

	sessions := make([]chat.Session, len(records))
	for i, rec := range records {
		sessions[i] = rec.session
	}
	return sessions, nil
}

// CreateSession persists a new session with a generated id.
func (s *MemoryStore) CreateSession(_ context.Context, title string) (chat.Session, error) {
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

	s.mu.Lock()
	s.seq++
	s.sessions[session.ID] = sessionRecord{session: session, seq: s.seq}
	s.messages[session.ID] = make([]messageRecord, 0, 16)
	s.mu.Unlock()

	s.notify(Event{Op: OpSessionCreated, SessionID: session.ID})
	return session, nil
}

// RenameSession sets a real title, clearing the placeholder flag.
func (s *MemoryStore) RenameSession(_ context.Context, id, title string) error {
	s.mu.Lock()
	rec, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return &chat.PersistenceError{Op: "rename session", Err: chat.ErrSessionNotFound}
	}
	rec.session.Title = title
	rec.session.TitleIsPlaceholder = false
	s.sessions[id] = rec
	s.mu.Unlock()

	s.notify(Event{Op: OpSessionRenamed, SessionID: id})
	return nil
}

// DeleteSession removes the session and cascades to its messages. Unknown ids
// are a no-op success.
func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	delete(s.messages, id)
	s.mu.Unlock()

	if existed {
		s.notify(Event{Op: OpSessionDeleted, SessionID: id})
	}
	return nil
}

// ListMessages returns the most recent limit messages for the session, oldest
// first. The persisted timestamp, not arrival order, decides placement.
func (s *MemoryStore) ListMessages(_ context.Context, sessionID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}

	s.mu.RLock()
	stored, ok := s.messages[sessionID]
	if !ok {
		s.mu.RUnlock()
		return []chat.Message{}, nil
	}
	records := make([]messageRecord, len(stored))
	copy(records, stored)
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].message.CreatedAt.Equal(records[j].message.CreatedAt) {
			return records[i].seq < records[j].seq
		}
		return records[i].message.CreatedAt.Before(records[j].message.CreatedAt)
	})

	if len(records) > limit {
		records = records[len(records)-limit:]
	}

	messages := make([]chat.Message, len(records))
	for i, rec := range records {
		messages[i] = rec.message
	}
	return messages, nil
}

// AppendMessage persists one message for an existing session.
func (s *MemoryStore) AppendMessage(_ context.Context, sessionID string, sender chat.Sender, text string) (chat.Message, error) {
	message := chat.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return chat.Message{}, &chat.PersistenceError{Op: "append message", Err: chat.ErrSessionNotFound}
	}
	s.seq++
	s.messages[sessionID] = append(s.messages[sessionID], messageRecord{message: message, seq: s.seq})
	s.mu.Unlock()

	s.notify(Event{Op: OpMessageAppend, SessionID: sessionID, MessageID: message.ID})
	return message, nil
}

