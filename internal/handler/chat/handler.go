package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	chatmodel "github.com/hearthchat/backend/internal/model/chat"
	"github.com/hearthchat/backend/internal/service/ai"
	"github.com/hearthchat/backend/internal/service/backoff"
	"github.com/hearthchat/backend/internal/service/conversation"
	"github.com/hearthchat/backend/internal/store"
	"github.com/hearthchat/backend/pkg/utils"
)

// Handler serves the REST surface over the session and message stores.
type Handler struct {
	store     store.Store
	completer ai.Completer
	policy    backoff.Policy
}

// New creates the chat handler. completer may be nil when the completion
// service is not configured; the exchange endpoint then reports 503.
func New(st store.Store, completer ai.Completer, policy backoff.Policy) *Handler {
	return &Handler{store: st, completer: completer, policy: policy}
}

// RegisterRoutes mounts the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats", h.handleListChats)
	r.Post("/chats", h.handleCreateChat)
	r.Delete("/chats/{chatID}", h.handleDeleteChat)
	r.Get("/chats/{chatID}/messages", h.handleListMessages)
	r.Post("/chats/{chatID}/messages", h.handleSendMessage)
}

type chatPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type messagePayload struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	data := make([]chatPayload, len(sessions))
	for i, session := range sessions {
		data[i] = chatPayload{ID: session.ID, Name: session.Title}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.store.CreateSession(r.Context(), payload.Title)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, chatPayload{ID: session.ID, Name: session.Title})
}

func (h *Handler) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := h.store.DeleteSession(r.Context(), chatID); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	messages, err := h.store.ListMessages(r.Context(), chatID, 0)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	data := make([]messagePayload, len(messages))
	for i, message := range messages {
		data[i] = messagePayload{ID: message.ID, Sender: string(message.Sender), Text: message.Text}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"data": data})
}

// handleSendMessage persists the user message, synchronously obtains and
// persists the bot reply, and returns it.
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Content == "" {
		utils.RespondError(w, http.StatusBadRequest, "content is required")
		return
	}
	if h.completer == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "completion service not configured")
		return
	}

	ctx := r.Context()

	history, err := h.store.ListMessages(ctx, chatID, 0)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := h.store.AppendMessage(ctx, chatID, chatmodel.SenderUser, payload.Content); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chatmodel.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}

	reply, err := backoff.Do(ctx, h.policy, func(ctx context.Context) (string, error) {
		return h.completer.Complete(ctx, history, payload.Content)
	})
	if err != nil {
		// The conversation record stays complete: the failure is persisted
		// as the reply.
		log.Printf("[chat] completion failed for chat %s: %v", chatID, err)
		reply = ai.ErrorText(err)
	}

	botMessage, err := h.store.AppendMessage(ctx, chatID, chatmodel.SenderBot, reply)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.maybeRename(ctx, chatID, payload.Content)

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"botResponse": messagePayload{
			ID:     botMessage.ID,
			Sender: string(botMessage.Sender),
			Text:   botMessage.Text,
		},
	})
}

func (h *Handler) maybeRename(ctx context.Context, chatID, userText string) {
	sessions, err := h.store.ListSessions(ctx)
	if err != nil {
		return
	}
	for _, session := range sessions {
		if session.ID == chatID && session.TitleIsPlaceholder {
			if err := h.store.RenameSession(ctx, chatID, conversation.DeriveTitle(userText)); err != nil {
				log.Printf("[chat] failed to rename chat %s: %v", chatID, err)
			}
			return
		}
	}
}
