package store

import (
	"context"

	"github.com/hearthchat/backend/internal/model/chat"
)

// DefaultMessageLimit bounds the history window returned by MessageStore.List
// when callers pass a non-positive limit.
const DefaultMessageLimit = 100

// SessionStore is a persisted collection of sessions.
type SessionStore interface {
	// ListSessions returns sessions ordered by creation time descending,
	// newest first, ties broken by insertion order.
	ListSessions(ctx context.Context) ([]chat.Session, error)
	// CreateSession persists a new session. An empty title gets the
	// placeholder default and the TitleIsPlaceholder flag.
	CreateSession(ctx context.Context, title string) (chat.Session, error)
	// RenameSession replaces the title and clears TitleIsPlaceholder.
	RenameSession(ctx context.Context, id, title string) error
	// DeleteSession removes the session and all of its messages as one
	// atomic unit. Deleting an unknown id is a no-op success.
	DeleteSession(ctx context.Context, id string) error
}

// MessageStore is a persisted, per-session, time-ordered collection of messages.
type MessageStore interface {
	// ListMessages returns the most recent limit messages for the session,
	// ordered by creation time ascending.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)
	// AppendMessage persists one message, assigning id and timestamp. It
	// fails with a PersistenceError when the session does not exist.
	AppendMessage(ctx context.Context, sessionID string, sender chat.Sender, text string) (chat.Message, error)
}

// Store is the full backing contract the conversation controller runs on.
type Store interface {
	SessionStore
	MessageStore
	Feed
}

// EventOp names a store mutation pushed through the change feed.
type EventOp string

const (
	OpSessionCreated EventOp = "session-created"
	OpSessionRenamed EventOp = "session-renamed"
	OpSessionDeleted EventOp = "session-deleted"
	OpMessageAppend  EventOp = "message-appended"
)

// Event describes one observed mutation.
type Event struct {
	Op        EventOp `json:"op"`
	SessionID string  `json:"sessionId"`
	MessageID string  `json:"messageId,omitempty"`
}

// Feed pushes store mutations to subscribers so readers sharing the store
// stay consistent. Callbacks run synchronously on the mutating goroutine.
type Feed interface {
	// Subscribe registers fn for every future mutation and returns an
	// unsubscribe handle.
	Subscribe(fn func(Event)) (unsubscribe func())
}
