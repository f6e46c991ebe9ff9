package stream

import (
	"context"
	"fmt"
	"log"
	"net/http"

	chatmodel "github.com/hearthchat/backend/internal/model/chat"
	"github.com/hearthchat/backend/internal/service/ai"
	"github.com/hearthchat/backend/internal/service/backoff"
	"github.com/hearthchat/backend/internal/service/conversation"
	"github.com/hearthchat/backend/internal/store"
	"github.com/hearthchat/backend/pkg/utils"
)

// Handler reveals completions incrementally over Server-Sent Events.
type Handler struct {
	store     store.Store
	completer ai.Completer
	policy    backoff.Policy
}

// New creates a stream handler.
func New(st store.Store, completer ai.Completer, policy backoff.Policy) *Handler {
	return &Handler{store: st, completer: completer, policy: policy}
}

// Response is one streamed chunk.
type Response struct {
	Event     string `json:"event"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HandleStreamRequest runs one exchange for the session, emitting start,
// delta, message and end events as the reply is revealed.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, sessionID, userMessage string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}

	utils.SetupSSEHeaders(w)

	history, err := h.store.ListMessages(ctx, sessionID, 0)
	if err != nil {
		h.sendError(w, flusher, fmt.Sprintf("failed to load conversation: %v", err))
		return err
	}

	// Persist the user turn first; a failed write aborts the exchange
	// before any completion request is issued.
	if _, err := h.store.AppendMessage(ctx, sessionID, chatmodel.SenderUser, userMessage); err != nil {
		h.sendError(w, flusher, fmt.Sprintf("failed to save user message: %v", err))
		return err
	}

	h.send(w, flusher, Response{Event: "start", SessionID: sessionID})

	completion := ai.NewCompletionStream(h.completer, h.policy, history, userMessage)

	reply := ""
	for {
		pull, pullErr := completion.Next(ctx)
		if pullErr != nil {
			break
		}
		if pull.Done {
			reply = pull.Text
			break
		}
		h.send(w, flusher, Response{Event: "delta", SessionID: sessionID, Content: pull.Fragment})
	}

	if _, err := h.store.AppendMessage(ctx, sessionID, chatmodel.SenderBot, reply); err != nil {
		log.Printf("[stream] failed to save reply: %v", err)
		h.sendError(w, flusher, fmt.Sprintf("reply could not be saved: %v", err))
	}

	h.maybeRename(ctx, sessionID, userMessage)

	h.send(w, flusher, Response{Event: "message", SessionID: sessionID, Content: reply})
	h.send(w, flusher, Response{Event: "end", SessionID: sessionID, Finished: true})

	log.Printf("[stream] completed response for session=%s", sessionID)
	return nil
}

func (h *Handler) maybeRename(ctx context.Context, sessionID, userText string) {
	sessions, err := h.store.ListSessions(ctx)
	if err != nil {
		return
	}
	for _, session := range sessions {
		if session.ID == sessionID && session.TitleIsPlaceholder {
			if err := h.store.RenameSession(ctx, sessionID, conversation.DeriveTitle(userText)); err != nil {
				log.Printf("[stream] failed to rename session %s: %v", sessionID, err)
			}
			return
		}
	}
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, response Response) {
	utils.SendSSEChunk(w, flusher, response)
}

func (h *Handler) sendError(w http.ResponseWriter, flusher http.Flusher, message string) {
	h.send(w, flusher, Response{Event: "error", Error: message})
}
