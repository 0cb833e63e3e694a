package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"calsync-cloud/feed"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const feedPath = "/google-calendar/feed"

// SyncFeedHandler streams a workspace's sync change feed over a websocket.
type SyncFeedHandler struct {
	bus      *feed.Bus
	store    connectionLookup
	upgrader websocket.Upgrader
}

type connectionLookup interface {
	HasConnection(ctx context.Context, workspaceID, userID string) (bool, error)
}

func NewSyncFeedHandler(bus *feed.Bus, lookup connectionLookup, allowedOrigins []string) *SyncFeedHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &SyncFeedHandler{
		bus:   bus,
		store: lookup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
	}
}

func (h *SyncFeedHandler) RegisterRoutes(r *mux.Router, auth func(http.Handler) http.Handler) {
	r.Handle(feedPath, auth(http.HandlerFunc(h.handleWebSocket))).Methods("GET")
}

func (h *SyncFeedHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "change feed unavailable")
		return
	}
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	workspaceID := queryParam(r, "workspace_id")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}
	connected, err := h.store.HasConnection(r.Context(), workspaceID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !connected {
		writeError(w, http.StatusNotFound, "google calendar not connected")
		return
	}
	lastID := queryParam(r, "after")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// A hijacked connection never cancels r.Context(); the reader notices the
	// client going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		events, nextID, err := h.bus.Tail(ctx, workspaceID, lastID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Warn("change feed tail error", "workspace_id", workspaceID, "error", err)
			time.Sleep(300 * time.Millisecond)
			continue
		}
		lastID = nextID
		for _, evt := range events {
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
