// Package wsgateway implements the relay's WebSocket connection
// registry and per-connection session state machine (spec.md
// component 4.H): accept, handshake-authenticate, heartbeat, and the
// "replace forcibly closes the old connection" registration rule.
package wsgateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sipeed/wecom-relay/pkg/logger"
)

// Close codes per spec.md §6.1.
const (
	CloseNormal       = websocket.CloseNormalClosure // 1000
	CloseAuthTimeout  = 4001
	CloseExpectedHello = 4002
	CloseAuthFailed   = 4003
)

// Registry tracks the single authenticated *Conn per gatewayID.
// register/get/closeAll are atomic against a single mutex; no network
// I/O happens while it's held — callers capture the target conn and
// release the guard before writing to the socket.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewRegistry returns an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register installs conn under gatewayID. If an existing authenticated
// connection already owns that id, it's closed with CloseNormal and
// replaced atomically.
func (r *Registry) Register(gatewayID string, conn *Conn) {
	r.mu.Lock()
	prev := r.conns[gatewayID]
	r.conns[gatewayID] = conn
	r.mu.Unlock()

	if prev != nil && prev != conn {
		logger.InfoCF("wsgateway", "replacing existing gateway connection", map[string]interface{}{
			"gateway_id": gatewayID,
		})
		prev.closeWithCode(CloseNormal, "replaced by new connection")
	}
}

// Unregister removes conn from the registry, but only if it is still
// the currently-registered entry for gatewayID — this avoids racing
// out a connection that has already replaced it.
func (r *Registry) Unregister(gatewayID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[gatewayID]; ok && current == conn {
		delete(r.conns, gatewayID)
	}
}

// Get returns the currently-registered connection for gatewayID, if
// any and still connected.
func (r *Registry) Get(gatewayID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[gatewayID]
	return conn, ok
}

// CloseAll closes every registered connection with CloseNormal, used
// on relay shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.closeWithCode(CloseNormal, "relay shutting down")
	}
}
