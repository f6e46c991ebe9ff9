// Package feed pushes store mutations to connected clients so a second open
// client observing the same store stays consistent.
package feed

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hearthchat/backend/internal/store"
)

const writeTimeout = 10 * time.Second

// Handler bridges the store change feed onto websocket connections.
type Handler struct {
	feed     store.Feed
	upgrader websocket.Upgrader
}

// New creates the feed handler.
func New(feed store.Feed) *Handler {
	return &Handler{
		feed: feed,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the feed endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/feed", h.handleFeed)
}

func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[feed] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events := make(chan store.Event, 32)
	unsubscribe := h.feed.Subscribe(func(event store.Event) {
		select {
		case events <- event:
		default:
			// Slow consumer; drop rather than block the store.
		}
	})
	defer unsubscribe()

	// Drain client frames so pings and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Printf("[feed] client connected: %s", r.RemoteAddr)
	for {
		select {
		case <-done:
			return
		case event := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(event); err != nil {
				log.Printf("[feed] write failed, dropping client: %v", err)
				return
			}
		}
	}
}
