// Package conversation holds the client-side engine: an optimistic local view
// of sessions and messages, reconciled against the authoritative store, with
// completions revealed through placeholder messages while they stream in.
package conversation

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthchat/backend/internal/model/chat"
	"github.com/hearthchat/backend/internal/service/ai"
	"github.com/hearthchat/backend/internal/service/backoff"
	"github.com/hearthchat/backend/internal/store"
)

// Store is the backing contract the controller runs on. Both the memory and
// sqlite stores satisfy it.
type Store interface {
	ListSessions(ctx context.Context) ([]chat.Session, error)
	CreateSession(ctx context.Context, title string) (chat.Session, error)
	RenameSession(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)
	AppendMessage(ctx context.Context, sessionID string, sender chat.Sender, text string) (chat.Message, error)
}

// titleMaxRunes bounds the derived session title.
const titleMaxRunes = 30

// Message is a persisted message projected into the snapshot, flagged when it
// is a local placeholder whose reply is still streaming in.
type Message struct {
	chat.Message
	IsPlaceholder bool
}

// Snapshot is a read-only copy of the controller state handed to observers.
// Messages includes in-flight placeholders for the selected session at the
// tail of the sequence.
type Snapshot struct {
	Sessions   []chat.Session
	SelectedID string
	Messages   []Message
	Input      string
	Busy       bool
	Banner     string
}

type placeholder struct {
	id        string
	sessionID string
	text      string
	createdAt time.Time
}

// Controller orchestrates stores and completion streams behind a single
// observable state object.
type Controller struct {
	store     Store
	completer ai.Completer
	policy    backoff.Policy

	// FragmentDelay is handed to every CompletionStream. Tests set it to zero.
	FragmentDelay time.Duration

	mu           sync.Mutex
	sessions     []chat.Session
	selectedID   string
	messages     []chat.Message
	placeholders []placeholder
	input        string
	inflight     int
	banner       string
	creating     bool

	obsMu     sync.Mutex
	observers map[int]func(Snapshot)
	nextObs   int

	unsubscribe func()
}

// NewController wires a controller over the given store and completer.
func NewController(st Store, completer ai.Completer, policy backoff.Policy) *Controller {
	return &Controller{
		store:         st,
		completer:     completer,
		policy:        policy,
		FragmentDelay: ai.DefaultFragmentDelay,
		observers:     make(map[int]func(Snapshot)),
	}
}

// Start loads the initial state and, when the store provides a change feed,
// subscribes to it. Auto-creation fires here if the store is empty.
func (c *Controller) Start(ctx context.Context) error {
	if feed, ok := c.store.(store.Feed); ok {
		c.unsubscribe = feed.Subscribe(func(store.Event) {
			c.reconcile(context.Background())
		})
	}
	return c.refresh(ctx)
}

// Close drops the feed subscription.
func (c *Controller) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// Subscribe registers an observer called with a fresh snapshot after every
// state change. The returned handle unsubscribes.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.obsMu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	sessions := make([]chat.Session, len(c.sessions))
	copy(sessions, c.sessions)

	messages := make([]Message, 0, len(c.messages)+len(c.placeholders))
	for _, m := range c.messages {
		messages = append(messages, Message{Message: m})
	}
	for _, ph := range c.placeholders {
		if ph.sessionID == c.selectedID {
			messages = append(messages, Message{
				Message: chat.Message{
					ID:        ph.id,
					SessionID: ph.sessionID,
					Sender:    chat.SenderBot,
					Text:      ph.text,
					CreatedAt: ph.createdAt,
				},
				IsPlaceholder: true,
			})
		}
	}

	return Snapshot{
		Sessions:   sessions,
		SelectedID: c.selectedID,
		Messages:   messages,
		Input:      c.input,
		Busy:       c.inflight > 0,
		Banner:     c.banner,
	}
}

func (c *Controller) publish() {
	c.mu.Lock()
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.obsMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

// SetInput replaces the pending input buffer.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	c.input = text
	c.mu.Unlock()
	c.publish()
}

// DismissBanner clears the most recent surfaced error.
func (c *Controller) DismissBanner() {
	c.mu.Lock()
	c.banner = ""
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) setBanner(message string) {
	c.mu.Lock()
	c.banner = message
	c.mu.Unlock()
	c.publish()
}

// refresh reloads the session list, fires auto-creation on an empty store,
// auto-selects when nothing is selected, and reloads messages.
func (c *Controller) refresh(ctx context.Context) error {
	sessions, err := c.store.ListSessions(ctx)
	if err != nil {
		c.setBanner(err.Error())
		return err
	}

	if len(sessions) == 0 {
		created, ok := c.autoCreate(ctx)
		if !ok {
			return nil
		}
		sessions = []chat.Session{created}
	}

	c.mu.Lock()
	c.sessions = sessions
	selected := c.selectedID
	if selected == "" || !containsSession(sessions, selected) {
		// Most recently created first; fall back to it.
		selected = sessions[0].ID
		c.selectedID = selected
	}
	c.mu.Unlock()

	return c.loadMessages(ctx, selected)
}

// autoCreate provisions a session for an observed empty store, at most once
// per in-flight creation. Returns false when another observation already
// holds the guard.
func (c *Controller) autoCreate(ctx context.Context) (chat.Session, bool) {
	c.mu.Lock()
	if c.creating {
		c.mu.Unlock()
		return chat.Session{}, false
	}
	c.creating = true
	c.mu.Unlock()

	session, err := c.store.CreateSession(ctx, "")

	c.mu.Lock()
	c.creating = false
	c.mu.Unlock()

	if err != nil {
		c.setBanner(err.Error())
		return chat.Session{}, false
	}
	log.Printf("[conversation] auto-created session %s", session.ID)
	return session, true
}

func (c *Controller) loadMessages(ctx context.Context, sessionID string) error {
	messages, err := backoff.Do(ctx, c.policy, func(ctx context.Context) ([]chat.Message, error) {
		return c.store.ListMessages(ctx, sessionID, 0)
	})
	if err != nil {
		c.setBanner(err.Error())
		return err
	}

	c.mu.Lock()
	if c.selectedID == sessionID {
		c.messages = messages
	}
	c.mu.Unlock()
	c.publish()
	return nil
}

// reconcile treats pushed store state as authoritative: reload everything,
// then pending placeholders are re-applied on top by Snapshot.
func (c *Controller) reconcile(ctx context.Context) {
	if err := c.refresh(ctx); err != nil {
		log.Printf("[conversation] reconcile failed: %v", err)
	}
}

// SelectSession switches the visible session and loads its history.
func (c *Controller) SelectSession(ctx context.Context, id string) error {
	c.mu.Lock()
	c.selectedID = id
	c.messages = nil
	c.mu.Unlock()
	return c.loadMessages(ctx, id)
}

// CreateSession makes a new session and selects it.
func (c *Controller) CreateSession(ctx context.Context, title string) (chat.Session, error) {
	session, err := c.store.CreateSession(ctx, title)
	if err != nil {
		c.setBanner(err.Error())
		return chat.Session{}, err
	}

	c.mu.Lock()
	c.selectedID = session.ID
	c.messages = nil
	c.mu.Unlock()

	if err := c.refresh(ctx); err != nil {
		return session, err
	}
	return session, nil
}

// DeleteSession removes a session. When the selected session disappears the
// controller falls back to the newest remaining one, or auto-creates.
func (c *Controller) DeleteSession(ctx context.Context, id string) error {
	if err := c.store.DeleteSession(ctx, id); err != nil {
		c.setBanner(err.Error())
		return err
	}
	return c.refresh(ctx)
}

// SendMessage runs one full exchange: persist the user turn, stream the
// completion into a placeholder, persist the reply, maybe derive a title.
// Empty input or no selection is silently ignored.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	sessionID := c.selectedID
	if text == "" || sessionID == "" {
		c.mu.Unlock()
		return nil
	}

	// Context for the model is the view before this exchange.
	history := make([]chat.Message, len(c.messages))
	copy(history, c.messages)

	c.input = ""
	c.inflight++
	c.mu.Unlock()
	c.publish()

	if _, err := c.store.AppendMessage(ctx, sessionID, chat.SenderUser, text); err != nil {
		c.mu.Lock()
		c.inflight--
		c.banner = err.Error()
		c.mu.Unlock()
		c.publish()
		return err
	}

	ph := placeholder{
		id:        "tmp-" + uuid.NewString(),
		sessionID: sessionID,
		createdAt: time.Now().UTC(),
	}
	c.mu.Lock()
	c.placeholders = append(c.placeholders, ph)
	c.mu.Unlock()
	c.publish()

	stream := ai.NewCompletionStream(c.completer, c.policy, history, text)
	stream.Delay = c.FragmentDelay

	var accumulated strings.Builder
	final := ""
	for {
		pull, err := stream.Next(ctx)
		if err != nil {
			// Exhaustion cannot happen inside this loop; treat anything
			// else as the end of the stream.
			break
		}
		if pull.Done {
			final = pull.Text
			break
		}
		accumulated.WriteString(pull.Fragment)
		c.updatePlaceholder(ph.id, accumulated.String())
	}
	if final == "" {
		final = accumulated.String()
	}

	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()

	c.finishExchange(ctx, sessionID, ph.id, text, final)
	return nil
}

// updatePlaceholder grows the placeholder text, unless the exchange's session
// is no longer on screen, in which case the update is discarded.
func (c *Controller) updatePlaceholder(id, text string) {
	c.mu.Lock()
	visible := false
	for i := range c.placeholders {
		if c.placeholders[i].id == id {
			if c.placeholders[i].sessionID == c.selectedID {
				c.placeholders[i].text = text
				visible = true
			}
			break
		}
	}
	c.mu.Unlock()
	if visible {
		c.publish()
	}
}

// finishExchange retires the local placeholder, persists the reply, and
// derives the title while it is still the placeholder. The placeholder must
// be gone before the append fires the feed callback: the reconcile it
// triggers publishes a snapshot that would otherwise show the reply twice.
func (c *Controller) finishExchange(ctx context.Context, sessionID, placeholderID, userText, reply string) {
	c.mu.Lock()
	for i := range c.placeholders {
		if c.placeholders[i].id == placeholderID {
			c.placeholders = append(c.placeholders[:i], c.placeholders[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if _, err := c.store.AppendMessage(ctx, sessionID, chat.SenderBot, reply); err != nil {
		// The user message is already persisted; partial success stays
		// visible as a warning, never rolled back.
		log.Printf("[conversation] failed to persist reply for session %s: %v", sessionID, err)
		c.setBanner("reply was generated but could not be saved: " + err.Error())
	}

	c.maybeRenameSession(ctx, sessionID, userText)

	if err := c.refresh(ctx); err != nil {
		return
	}
	c.publish()
}

func (c *Controller) maybeRenameSession(ctx context.Context, sessionID, userText string) {
	c.mu.Lock()
	rename := false
	for _, session := range c.sessions {
		if session.ID == sessionID {
			rename = session.TitleIsPlaceholder
			break
		}
	}
	c.mu.Unlock()

	if !rename {
		return
	}
	if err := c.store.RenameSession(ctx, sessionID, DeriveTitle(userText)); err != nil {
		log.Printf("[conversation] failed to rename session %s: %v", sessionID, err)
	}
}

// DeriveTitle truncates user text into a session title, appending an ellipsis
// when it was cut.
func DeriveTitle(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) <= titleMaxRunes {
		return collapsed
	}
	return string(runes[:titleMaxRunes]) + "…"
}

func containsSession(sessions []chat.Session, id string) bool {
	for _, session := range sessions {
		if session.ID == id {
			return true
		}
	}
	return false
}
