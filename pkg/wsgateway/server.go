package wsgateway

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sipeed/wecom-relay/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts gateway WebSocket connections and hands each one to a
// Conn for its lifecycle.
type Server struct {
	registry   *Registry
	handler    Handler
	authSecret string
}

// NewServer builds a gateway WebSocket server backed by registry.
func NewServer(registry *Registry, handler Handler, authSecret string) *Server {
	return &Server{registry: registry, handler: handler, authSecret: authSecret}
}

// Registry exposes the server's connection registry for the
// orchestrator to push frames (e.g. binding_resolved) to a gateway.
func (s *Server) Registry() *Registry { return s.registry }

// Serve upgrades the request to a WebSocket and runs the connection
// until it closes. Callers pass the request's own context: for an
// upgraded connection that context stays live for the connection's
// full lifetime (it's only canceled when the client disconnects or
// the server shuts down), so the heartbeat loop isn't cut short.
func (s *Server) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("wsgateway", "websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	conn := NewConn(ws, s.registry, s.handler, s.authSecret)
	conn.Run(ctx)
}
