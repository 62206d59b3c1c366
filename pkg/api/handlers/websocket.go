package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/qabelwerk/blockd/internal/logger"
)

// Subprotocol is the websocket subprotocol negotiated on handshake.
const Subprotocol = "v0.ws.block.qabel.de"

var upgrader = websocket.Upgrader{
	Subprotocols: []string{Subprotocol},
	// Clients are native apps identified by token, not browsers; the Origin
	// header carries no authority here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// SubscribePrefix implements GET /api/v0/websocket/{prefix}: change events
// for every path under the prefix. Requires authentication and, without
// bypass, prefix ownership.
func (h *Handler) SubscribePrefix(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")
	if !prefixPattern.MatchString(prefix) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if _, ok := h.authorize(w, r, prefix, true); !ok {
		return
	}

	h.serveSubscription(w, r, prefix+"/*", true)
}

// SubscribeFile implements GET /api/v0/websocket/{prefix}/{file_path}:
// change events for one exact path. Unauthenticated, like downloads. Blocks
// emit no events, so block paths are refused.
func (h *Handler) SubscribeFile(w http.ResponseWriter, r *http.Request) {
	prefix, filePath, ok := h.fileParams(w, r)
	if !ok {
		return
	}
	if strings.HasPrefix(filePath, "block/") {
		writeError(w, http.StatusMethodNotAllowed, "blocks do not emit events")
		return
	}

	h.serveSubscription(w, r, prefix+"/"+filePath, false)
}

func (h *Handler) serveSubscription(w http.ResponseWriter, r *http.Request, channel string, wildcard bool) {
	sub, err := h.Bus.Subscribe(r.Context(), channel, wildcard)
	if err != nil {
		logger.Error("subscription failed", "channel", channel, "error", err)
		writeError(w, http.StatusInternalServerError, "subscription failed")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has written its own error response.
		sub.Close()
		return
	}

	opened := time.Now()
	h.Metrics.WebsocketOpened()
	defer func() { h.Metrics.WebsocketClosed(time.Since(opened).Seconds()) }()
	defer conn.Close()
	defer sub.Close()

	// Drain the read side to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug("websocket write failed", "channel", channel, "error", err)
				return
			}
		case <-done:
			return
		}
	}
}
