package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/decave27/discodo/internal/gateway"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Clients are trusted by the shared password, not by origin.
		return true
	},
}

// handleWebsocket upgrades the request and hands the connection to a protocol
// handler. The credential check happens inside the handler so a mismatch is
// answered with a FORBIDDEN frame, not an HTTP error.
func (h *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	handler := gateway.NewHandler(conn, gateway.Config{
		Password:          h.config.Auth.Password,
		HeartbeatInterval: h.config.Websocket.GetHeartbeatInterval(),
		ReadTimeout:       h.config.Websocket.GetTimeout(),
		RebindTimeout:     h.config.Websocket.GetRebindTimeout(),
	}, h.registry, h.logger, h.metrics)

	handler.Run(r.Header.Get("Authorization"))
}
