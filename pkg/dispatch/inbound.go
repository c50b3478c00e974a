// Package dispatch routes parsed WeCom messages to the right gateway
// connection (spec.md component 4.I) and chunks/sends gateway replies
// back out through WeCom (4.J).
package dispatch

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/sipeed/wecom-relay/pkg/binding"
	"github.com/sipeed/wecom-relay/pkg/logger"
	"github.com/sipeed/wecom-relay/pkg/wecom"
	"github.com/sipeed/wecom-relay/pkg/wsgateway"
	"github.com/sipeed/wecom-relay/pkg/wsproto"
)

// customerOrigin is the only origin value that represents a message
// actually sent by the end user (as opposed to the corp-side UI).
const customerOrigin = 3

// Registry is the subset of wsgateway.Registry the dispatcher needs.
type Registry interface {
	Get(gatewayID string) (*wsgateway.Conn, bool)
}

// Dispatcher applies the binding rules to each inbound WeCom message
// and routes the result to the owning gateway connection.
type Dispatcher struct {
	bindings *binding.Store
	registry Registry
	reply    *ReplyEngine
	locale   string
}

// NewDispatcher builds an inbound dispatcher.
func NewDispatcher(bindings *binding.Store, registry Registry, reply *ReplyEngine, locale string) *Dispatcher {
	return &Dispatcher{bindings: bindings, registry: registry, reply: reply, locale: locale}
}

// HandleBatch processes one sync_msg batch in receive order. There is
// no cross-batch ordering guarantee, but messages within batch are
// dispatched in order.
func (d *Dispatcher) HandleBatch(ctx context.Context, messages []wecom.Message) {
	for _, msg := range messages {
		d.handleOne(ctx, msg)
	}
}

func (d *Dispatcher) handleOne(ctx context.Context, msg wecom.Message) {
	if msg.MsgType == "event" {
		d.handleEvent(ctx, msg)
		return
	}

	if msg.Origined && msg.Origin != customerOrigin {
		return
	}

	if msg.MsgType == "text" {
		trimmed := strings.TrimSpace(msg.Content)
		if gatewayID, ok := d.bindings.ResolvePending(trimmed); ok {
			d.completeBinding(ctx, msg.ExternalUserID, gatewayID)
			return
		}
	}

	gatewayID, ok := d.bindings.Lookup(msg.ExternalUserID)
	if !ok {
		logger.DebugCF("dispatch", "dropping message for unbound user", map[string]interface{}{
			"external_user_id": msg.ExternalUserID,
		})
		return
	}

	conn, connected := d.registry.Get(gatewayID)
	if !connected {
		logger.DebugCF("dispatch", "dropping message for disconnected gateway", map[string]interface{}{
			"gateway_id": gatewayID,
		})
		return
	}

	frame := buildInboundFrame(msg)
	if err := conn.Send(wsproto.TypeInbound, frame); err != nil {
		logger.WarnCF("dispatch", "failed to deliver inbound frame", map[string]interface{}{
			"gateway_id": gatewayID,
			"error":      err.Error(),
		})
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, msg wecom.Message) {
	if msg.Event == nil || msg.Event.EventType != "enter_session" || msg.Event.SceneParam == "" {
		return
	}

	gatewayID, ok := d.bindings.ResolvePending(msg.Event.SceneParam)
	if !ok {
		return
	}

	d.completeBinding(ctx, msg.ExternalUserID, gatewayID)
}

// completeBinding performs the on-bind side effect: permanently bind
// the user, send the locale welcome text, and push a binding_resolved
// frame to the gateway if it's currently connected.
func (d *Dispatcher) completeBinding(ctx context.Context, externalUserID, gatewayID string) {
	d.bindings.Bind(externalUserID, gatewayID)

	if d.reply != nil {
		d.reply.Send(ctx, externalUserID, WelcomeText(d.locale))
	}

	conn, connected := d.registry.Get(gatewayID)
	if !connected {
		return
	}
	frame := wsproto.BindingResolved{ExternalUserID: externalUserID, GatewayID: gatewayID}
	if err := conn.Send(wsproto.TypeBindingResolved, frame); err != nil {
		logger.WarnCF("dispatch", "failed to push binding_resolved", map[string]interface{}{
			"gateway_id": gatewayID,
			"error":      err.Error(),
		})
	}
}

func buildInboundFrame(msg wecom.Message) wsproto.Inbound {
	content := msg.Content
	switch msg.MsgType {
	case "image", "voice":
		content = msg.MediaID
	case "unknown":
		content = ""
	}

	return wsproto.Inbound{
		ID:             uuid.New().String(),
		ExternalUserID: msg.ExternalUserID,
		MsgType:        msg.MsgType,
		Content:        content,
		Timestamp:      msg.SendTime,
	}
}
