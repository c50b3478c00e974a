package wsgateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/wecom-relay/pkg/logger"
	"github.com/sipeed/wecom-relay/pkg/wsproto"
)

const (
	handshakeTimeout = 5 * time.Second
	pingInterval     = 30 * time.Second
	pongTimeout      = 10 * time.Second
)

type state int

const (
	stateUnauthenticated state = iota
	stateAuthenticated
	stateClosed
)

// Handler receives the post-hello frames a gateway connection emits.
// Implementations must not block the read pump for long; route long
// work onto its own goroutine.
type Handler interface {
	OnReply(gatewayID string, frame wsproto.Reply)
	OnCreateBinding(gatewayID string, frame wsproto.CreateBinding) (wsproto.CreateBindingAck, error)
	OnUnbindAll(gatewayID string)
}

// Conn wraps one accepted WebSocket with the spec's auth + heartbeat
// state machine. Writes are serialized through writeMu since
// gorilla/websocket forbids concurrent writers on the same connection.
type Conn struct {
	ws       *websocket.Conn
	registry *Registry
	handler  Handler
	authSecret string

	mu        sync.Mutex
	st        state
	gatewayID string

	writeMu sync.Mutex

	closeOnce sync.Once
}

// NewConn wraps an accepted websocket connection. Run must be called
// to drive its lifecycle.
func NewConn(ws *websocket.Conn, registry *Registry, handler Handler, authSecret string) *Conn {
	return &Conn{ws: ws, registry: registry, handler: handler, authSecret: authSecret, st: stateUnauthenticated}
}

// Run drives the connection's read pump and heartbeat until it closes.
// It blocks until the connection terminates.
func (c *Conn) Run(ctx context.Context) {
	defer c.cleanup()

	c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))

	handshakeTimer := time.AfterFunc(handshakeTimeout, func() {
		c.mu.Lock()
		authenticated := c.st == stateAuthenticated
		c.mu.Unlock()
		if !authenticated {
			c.closeWithCode(CloseAuthTimeout, "handshake timeout")
		}
	})
	defer handshakeTimer.Stop()

	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout + pingInterval))
		return nil
	})

	go c.pingLoop(ctx)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		frameType, frame, err := wsproto.Decode(raw)
		if err != nil {
			logger.WarnCF("wsgateway", "dropping malformed frame", map[string]interface{}{"error": err.Error()})
			continue
		}

		c.mu.Lock()
		authenticated := c.st == stateAuthenticated
		c.mu.Unlock()

		if !authenticated {
			c.handleHandshakeFrame(frameType, frame, handshakeTimer)
			continue
		}

		c.handleAuthenticatedFrame(frameType, frame)
	}
}

func (c *Conn) handleHandshakeFrame(frameType string, frame interface{}, handshakeTimer *time.Timer) {
	hello, ok := frame.(*wsproto.Hello)
	if frameType != wsproto.TypeHello || !ok {
		c.closeWithCode(CloseExpectedHello, "expected hello")
		return
	}

	if hello.AuthToken != c.authSecret {
		c.closeWithCode(CloseAuthFailed, "auth failed")
		return
	}

	c.mu.Lock()
	c.st = stateAuthenticated
	c.gatewayID = hello.GatewayID
	c.mu.Unlock()

	handshakeTimer.Stop()
	// Auth just succeeded, so the handshake deadline no longer applies.
	// Extend to the full heartbeat window now rather than waiting for
	// the first pong, otherwise a quiet connection times out ~5s after
	// hello, well before the 30s ping even fires.
	c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	c.registry.Register(hello.GatewayID, c)
	c.send(wsproto.TypeAck, wsproto.Ack{ID: "hello"})

	logger.InfoCF("wsgateway", "gateway authenticated", map[string]interface{}{"gateway_id": hello.GatewayID})
}

func (c *Conn) handleAuthenticatedFrame(frameType string, frame interface{}) {
	c.mu.Lock()
	gatewayID := c.gatewayID
	c.mu.Unlock()

	switch frameType {
	case wsproto.TypeReply:
		reply := frame.(*wsproto.Reply)
		go c.handler.OnReply(gatewayID, *reply)
	case wsproto.TypeCreateBinding:
		cb := frame.(*wsproto.CreateBinding)
		go func() {
			ack, err := c.handler.OnCreateBinding(gatewayID, *cb)
			if err != nil {
				c.send(wsproto.TypeError, wsproto.Error{Message: err.Error()})
				return
			}
			c.send(wsproto.TypeCreateBindingAck, ack)
		}()
	case wsproto.TypeUnbindAll:
		go c.handler.OnUnbindAll(gatewayID)
	default:
		logger.DebugCF("wsgateway", "ignoring post-hello frame", map[string]interface{}{"type": frameType})
	}
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(pongTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send encodes and writes a frame to this connection.
func (c *Conn) Send(frameType string, payload interface{}) error {
	return c.send(frameType, payload)
}

func (c *Conn) send(frameType string, payload interface{}) error {
	data, err := wsproto.Encode(frameType, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		c.writeMu.Unlock()
		c.ws.Close()
	})
}

func (c *Conn) cleanup() {
	c.mu.Lock()
	gatewayID := c.gatewayID
	c.st = stateClosed
	c.mu.Unlock()

	if gatewayID != "" {
		c.registry.Unregister(gatewayID, c)
	}
	c.ws.Close()
}

// GatewayID returns the connection's authenticated gateway id, or
// empty if not yet authenticated.
func (c *Conn) GatewayID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gatewayID
}
