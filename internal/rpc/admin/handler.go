package admin

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mercadocoro/corofiber/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// debug endpoint, intended for trusted operator access only
		return true
	},
}

// Handler upgrades HTTP requests to admin WebSocket connections.
type Handler struct {
	hub *Hub
}

// NewHandler builds a Handler serving hub's event stream.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP upgrades the request and registers the resulting client
// with the hub.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("rpc-admin").Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	client := newClient(h.hub, conn)
	h.hub.register <- client

	go client.WritePump()
	go client.ReadPump()

	logger.WithComponent("rpc-admin").Info().
		Str("client_id", client.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("admin client connected")
}
