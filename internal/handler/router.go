package handler

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	chathandler "github.com/hearthchat/backend/internal/handler/chat"
	feedhandler "github.com/hearthchat/backend/internal/handler/feed"
	streamhandler "github.com/hearthchat/backend/internal/handler/stream"
	middlewarePkg "github.com/hearthchat/backend/internal/middleware"
	"github.com/hearthchat/backend/internal/service/ai"
	"github.com/hearthchat/backend/internal/service/backoff"
	"github.com/hearthchat/backend/internal/store"
	"github.com/hearthchat/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the stores and the completion service.
// completer may be nil when completion credentials are missing.
func NewRouter(st store.Store, completer ai.Completer, policy backoff.Policy) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chathandler.New(st, completer, policy)
	feedHandler := feedhandler.New(st)

	var streamHandler *streamhandler.Handler
	if completer != nil {
		streamHandler = streamhandler.New(st, completer, policy)
	}

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		feedHandler.RegisterRoutes(api)

		api.Get("/stream/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "sessionID")
			userMessage := r.URL.Query().Get("message")

			if streamHandler == nil {
				utils.RespondError(w, http.StatusServiceUnavailable, "completion streaming unavailable")
				return
			}
			if userMessage == "" {
				utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
				return
			}

			if err := streamHandler.HandleStreamRequest(r.Context(), w, sessionID, userMessage); err != nil {
				log.Printf("[stream] error handling request: %v", err)
			}
		})
	})

	return r
}
