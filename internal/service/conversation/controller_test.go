package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hearthchat/backend/internal/model/chat"
	"github.com/hearthchat/backend/internal/service/ai"
	"github.com/hearthchat/backend/internal/service/backoff"
	"github.com/hearthchat/backend/internal/store"
)

type completerFunc func(ctx context.Context, history []chat.Message, userText string) (string, error)

func (f completerFunc) Complete(ctx context.Context, history []chat.Message, userText string) (string, error) {
	return f(ctx, history, userText)
}

func fixedReply(reply string) completerFunc {
	return func(context.Context, []chat.Message, string) (string, error) {
		return reply, nil
	}
}

func quickPolicy() backoff.Policy {
	return backoff.Policy{MaxAttempts: 2, Base: time.Nanosecond}
}

func newTestController(t *testing.T, st Store, completer ai.Completer) *Controller {
	t.Helper()
	c := NewController(st, completer, quickPolicy())
	c.FragmentDelay = 0
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartAutoCreatesAndSelectsSession(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(t, st, fixedReply("hi"))

	snapshot := c.Snapshot()
	if len(snapshot.Sessions) != 1 {
		t.Fatalf("expected exactly one auto-created session, got %d", len(snapshot.Sessions))
	}
	if !snapshot.Sessions[0].TitleIsPlaceholder {
		t.Fatal("auto-created session must carry the placeholder title flag")
	}
	if snapshot.SelectedID != snapshot.Sessions[0].ID {
		t.Fatal("auto-created session must be selected")
	}
}

// gatedCreateStore blocks CreateSession until released, so two empty-state
// observations can be interleaved deterministically.
type gatedCreateStore struct {
	*store.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedCreateStore) CreateSession(ctx context.Context, title string) (chat.Session, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.MemoryStore.CreateSession(ctx, title)
}

func TestAutoCreateFiresOncePerEmptyObservation(t *testing.T) {
	gated := &gatedCreateStore{
		MemoryStore: store.NewMemoryStore(),
		entered:     make(chan struct{}, 2),
		release:     make(chan struct{}),
	}
	c := NewController(gated, fixedReply("hi"), quickPolicy())
	c.FragmentDelay = 0

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.refresh(ctx)
	}()

	// First observation is now inside CreateSession holding the guard.
	<-gated.entered

	// Second empty-state observation must not create another session.
	if err := c.refresh(ctx); err != nil {
		t.Fatalf("second refresh err: %v", err)
	}

	close(gated.release)
	<-done

	sessions, _ := gated.ListSessions(ctx)
	if len(sessions) != 1 {
		t.Fatalf("expected exactly one session after racing observations, got %d", len(sessions))
	}
}

func TestSendMessagePersistsExchangeAndDerivesTitle(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(t, st, fixedReply("Hi there!"))
	ctx := context.Background()

	if err := c.SendMessage(ctx, "Hello"); err != nil {
		t.Fatalf("SendMessage err: %v", err)
	}

	snapshot := c.Snapshot()
	messages, _ := st.ListMessages(ctx, snapshot.SelectedID, 0)
	if len(messages) != 2 {
		t.Fatalf("expected user and bot messages, got %d", len(messages))
	}
	if messages[0].Sender != chat.SenderUser || messages[0].Text != "Hello" {
		t.Fatalf("unexpected user message: %+v", messages[0])
	}
	if messages[1].Sender != chat.SenderBot || messages[1].Text != "Hi there!" {
		t.Fatalf("unexpected bot message: %+v", messages[1])
	}

	if snapshot.Busy {
		t.Fatal("busy flag must clear after the exchange")
	}
	for _, m := range snapshot.Messages {
		if m.IsPlaceholder {
			t.Fatal("placeholder must be retired once the persisted reply is visible")
		}
	}

	session := snapshot.Sessions[0]
	if session.Title != "Hello" {
		t.Fatalf("expected derived title %q, got %q", "Hello", session.Title)
	}
	if session.TitleIsPlaceholder {
		t.Fatal("title flag must clear after the first exchange")
	}
}

func TestSendMessageTitleOnlyDerivedWhilePlaceholder(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(t, st, fixedReply("ok"))
	ctx := context.Background()

	c.SendMessage(ctx, "First question")
	c.SendMessage(ctx, "Second question")

	snapshot := c.Snapshot()
	if snapshot.Sessions[0].Title != "First question" {
		t.Fatalf("title must stick to the first exchange, got %q", snapshot.Sessions[0].Title)
	}
}

func TestSendMessageRejectsBlankInput(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(t, st, fixedReply("hi"))
	ctx := context.Background()

	if err := c.SendMessage(ctx, "   \t\n"); err != nil {
		t.Fatalf("blank input must be a silent no-op, got %v", err)
	}

	messages, _ := st.ListMessages(ctx, c.Snapshot().SelectedID, 0)
	if len(messages) != 0 {
		t.Fatalf("expected no messages, got %d", len(messages))
	}
}

func TestSendMessageRejectsWithoutSelection(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewController(st, fixedReply("hi"), quickPolicy())
	c.FragmentDelay = 0
	// Not started: nothing selected.

	if err := c.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	sessions, _ := st.ListSessions(context.Background())
	if len(sessions) != 0 {
		t.Fatal("no session must be touched")
	}
}

// failingAppendStore rejects user-message writes.
type failingAppendStore struct {
	*store.MemoryStore
}

func (f *failingAppendStore) AppendMessage(ctx context.Context, sessionID string, sender chat.Sender, text string) (chat.Message, error) {
	if sender == chat.SenderUser {
		return chat.Message{}, &chat.PersistenceError{Op: "append message", Err: errors.New("disk full")}
	}
	return f.MemoryStore.AppendMessage(ctx, sessionID, sender, text)
}

func TestSendMessageAbortsWhenUserWriteFails(t *testing.T) {
	failing := &failingAppendStore{MemoryStore: store.NewMemoryStore()}
	calls := 0
	completer := completerFunc(func(context.Context, []chat.Message, string) (string, error) {
		calls++
		return "never", nil
	})
	c := newTestController(t, failing, completer)
	ctx := context.Background()

	if err := c.SendMessage(ctx, "hello"); err == nil {
		t.Fatal("expected the persistence failure to surface")
	}

	if calls != 0 {
		t.Fatal("no completion request may be issued after a failed user write")
	}
	snapshot := c.Snapshot()
	if snapshot.Busy {
		t.Fatal("busy flag must clear on abort")
	}
	if snapshot.Banner == "" {
		t.Fatal("failure must surface as a banner")
	}
	for _, m := range snapshot.Messages {
		if m.IsPlaceholder {
			t.Fatal("no placeholder may be created on abort")
		}
	}
}

func TestExchangeFailurePersistsErrorMarker(t *testing.T) {
	st := store.NewMemoryStore()
	completer := completerFunc(func(context.Context, []chat.Message, string) (string, error) {
		return "", &chat.APIError{Status: 500}
	})
	c := newTestController(t, st, completer)
	ctx := context.Background()

	if err := c.SendMessage(ctx, "hello"); err != nil {
		t.Fatalf("SendMessage err: %v", err)
	}

	messages, _ := st.ListMessages(ctx, c.Snapshot().SelectedID, 0)
	if len(messages) != 2 {
		t.Fatalf("expected user message and error reply, got %d", len(messages))
	}
	if messages[0].Text != "hello" {
		t.Fatal("user message must remain unchanged")
	}
	if !strings.Contains(messages[1].Text, ai.ErrorMarker) {
		t.Fatalf("expected error marker in persisted reply, got %q", messages[1].Text)
	}
}

func TestOverlappingExchangesKeepSeparatePlaceholders(t *testing.T) {
	st := store.NewMemoryStore()

	gates := map[string]chan struct{}{
		"one": make(chan struct{}),
		"two": make(chan struct{}),
	}
	completer := completerFunc(func(_ context.Context, _ []chat.Message, userText string) (string, error) {
		<-gates[userText]
		return "reply to " + userText, nil
	})
	c := newTestController(t, st, completer)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.SendMessage(ctx, "one")
	}()
	waitFor(t, "first placeholder", func() bool {
		return countPlaceholders(c.Snapshot()) == 1
	})

	go func() {
		defer wg.Done()
		c.SendMessage(ctx, "two")
	}()
	waitFor(t, "second placeholder", func() bool {
		return countPlaceholders(c.Snapshot()) == 2
	})

	if !c.Snapshot().Busy {
		t.Fatal("busy flag must be observable while exchanges are in flight")
	}

	close(gates["one"])
	close(gates["two"])
	wg.Wait()

	snapshot := c.Snapshot()
	messages, _ := st.ListMessages(ctx, snapshot.SelectedID, 0)

	replies := map[string]bool{}
	for _, m := range messages {
		if m.Sender == chat.SenderBot {
			replies[m.Text] = true
		}
	}
	if !replies["reply to one"] || !replies["reply to two"] {
		t.Fatalf("both exchanges must persist their own reply, got %v", replies)
	}
	if countPlaceholders(snapshot) != 0 {
		t.Fatal("all placeholders must be retired")
	}
	if snapshot.Busy {
		t.Fatal("busy flag must clear once both exchanges finish")
	}
}

func countPlaceholders(s Snapshot) int {
	n := 0
	for _, m := range s.Messages {
		if m.IsPlaceholder {
			n++
		}
	}
	return n
}

func TestSwitchingSessionsDiscardsStaleUpdates(t *testing.T) {
	st := store.NewMemoryStore()

	release := make(chan struct{})
	completer := completerFunc(func(context.Context, []chat.Message, string) (string, error) {
		<-release
		return "late reply", nil
	})
	c := newTestController(t, st, completer)
	ctx := context.Background()

	first := c.Snapshot().SelectedID
	second, err := c.CreateSession(ctx, "other")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if err := c.SelectSession(ctx, first); err != nil {
		t.Fatalf("SelectSession err: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.SendMessage(ctx, "hello")
	}()
	waitFor(t, "placeholder", func() bool {
		return countPlaceholders(c.Snapshot()) == 1
	})

	// Walk away mid-stream; the exchange keeps running.
	if err := c.SelectSession(ctx, second.ID); err != nil {
		t.Fatalf("SelectSession err: %v", err)
	}
	close(release)
	<-done

	firstMessages, _ := st.ListMessages(ctx, first, 0)
	if len(firstMessages) != 2 || firstMessages[1].Text != "late reply" {
		t.Fatalf("reply must land in the original session, got %+v", firstMessages)
	}

	secondMessages, _ := st.ListMessages(ctx, second.ID, 0)
	if len(secondMessages) != 0 {
		t.Fatal("the visible session must not receive the stale reply")
	}
	if countPlaceholders(c.Snapshot()) != 0 {
		t.Fatal("no placeholder may survive the finished exchange")
	}
}

func TestDeleteSelectedFallsBackThenAutoCreates(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(t, st, fixedReply("hi"))
	ctx := context.Background()

	extra, err := c.CreateSession(ctx, "second")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	if err := c.DeleteSession(ctx, extra.ID); err != nil {
		t.Fatalf("DeleteSession err: %v", err)
	}
	snapshot := c.Snapshot()
	if len(snapshot.Sessions) != 1 {
		t.Fatalf("expected one session left, got %d", len(snapshot.Sessions))
	}
	if snapshot.SelectedID != snapshot.Sessions[0].ID {
		t.Fatal("selection must fall back to the remaining session")
	}

	// Deleting the last session triggers auto-creation.
	if err := c.DeleteSession(ctx, snapshot.SelectedID); err != nil {
		t.Fatalf("DeleteSession err: %v", err)
	}
	snapshot = c.Snapshot()
	if len(snapshot.Sessions) != 1 {
		t.Fatalf("expected auto-created replacement, got %d sessions", len(snapshot.Sessions))
	}
	if !snapshot.Sessions[0].TitleIsPlaceholder {
		t.Fatal("replacement must be a fresh placeholder session")
	}
}

func TestReconcileAdoptsExternalWrites(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(t, st, fixedReply("hi"))
	ctx := context.Background()

	selected := c.Snapshot().SelectedID

	// A second client writing to the same store.
	if _, err := st.AppendMessage(ctx, selected, chat.SenderUser, "from elsewhere"); err != nil {
		t.Fatalf("AppendMessage err: %v", err)
	}

	snapshot := c.Snapshot()
	if len(snapshot.Messages) != 1 || snapshot.Messages[0].Text != "from elsewhere" {
		t.Fatalf("external write must be reconciled into the view, got %+v", snapshot.Messages)
	}
}

func TestObserversReceiveSnapshots(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(t, st, fixedReply("streamed reply"))
	ctx := context.Background()

	var mu sync.Mutex
	sawBusy := false
	sawGrowth := false
	lastText := ""
	unsubscribe := c.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Busy {
			sawBusy = true
		}
		for _, m := range s.Messages {
			if m.IsPlaceholder {
				if len(m.Text) < len(lastText) {
					t.Error("placeholder text must grow monotonically")
				}
				if len(m.Text) > len(lastText) {
					sawGrowth = true
					lastText = m.Text
				}
			}
		}
	})
	defer unsubscribe()

	c.SendMessage(ctx, "hello")

	mu.Lock()
	defer mu.Unlock()
	if !sawBusy {
		t.Fatal("observer must see the busy flag during the exchange")
	}
	if !sawGrowth {
		t.Fatal("observer must see the placeholder text grow")
	}
}

func TestSnapshotsNeverShowReplyTwice(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(t, st, fixedReply("Hi there!"))
	ctx := context.Background()

	var mu sync.Mutex
	duplicated := false
	unsubscribe := c.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		placeholder := false
		persisted := false
		for _, m := range s.Messages {
			if m.IsPlaceholder {
				placeholder = true
			} else if m.Sender == chat.SenderBot && m.Text == "Hi there!" {
				persisted = true
			}
		}
		if placeholder && persisted {
			duplicated = true
		}
	})
	defer unsubscribe()

	if err := c.SendMessage(ctx, "Hello"); err != nil {
		t.Fatalf("SendMessage err: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if duplicated {
		t.Fatal("a snapshot showed both the placeholder and the persisted reply")
	}
}

func TestBannerDismiss(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(t, st, fixedReply("hi"))

	c.setBanner("something broke")
	if c.Snapshot().Banner != "something broke" {
		t.Fatal("banner must surface")
	}
	c.DismissBanner()
	if c.Snapshot().Banner != "" {
		t.Fatal("banner must clear on dismiss")
	}
}

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"Hello", "Hello"},
		{"  spaced   out  words ", "spaced out words"},
		{strings.Repeat("a", 40), strings.Repeat("a", 30) + "…"},
		{"exactly thirty characters ok!!", "exactly thirty characters ok!!"},
	}
	for _, tc := range cases {
		if got := DeriveTitle(tc.text); got != tc.want {
			t.Fatalf("DeriveTitle(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}
