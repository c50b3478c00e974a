// Package wsproto codecs the relay's gateway WebSocket protocol: a
// closed set of JSON frames discriminated by a "type" field
// (spec.md §6.1). Frames are pure values; nothing here touches a
// socket.
package wsproto

import (
	"encoding/json"
	"fmt"

	"github.com/sipeed/wecom-relay/pkg/relayerr"
)

// Frame type tags.
const (
	TypeHello            = "hello"
	TypeAck              = "ack"
	TypeInbound          = "inbound"
	TypeReply            = "reply"
	TypeError            = "error"
	TypeCreateBinding    = "create_binding"
	TypeCreateBindingAck = "create_binding_ack"
	TypeUnbindAll        = "unbind_all"
	TypeBindingResolved  = "binding_resolved"
)

// Hello authenticates a gateway connection (G->R). Must be the first
// frame within the handshake timeout.
type Hello struct {
	GatewayID string `json:"gateway_id"`
	AuthToken string `json:"auth_token"`
}

// Ack confirms a received frame (R->G). id:"hello" follows successful
// authentication.
type Ack struct {
	ID string `json:"id"`
}

// Inbound routes a user message to a gateway (R->G).
type Inbound struct {
	ID             string `json:"id"`
	ExternalUserID string `json:"external_user_id"`
	MsgType        string `json:"msg_type"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
}

// Reply is a gateway's text reply to a user (G->R).
type Reply struct {
	ID             string `json:"id"`
	ExternalUserID string `json:"external_user_id"`
	Content        string `json:"content"`
}

// Error carries a fatal or per-frame error message (R->G).
type Error struct {
	Message string `json:"message"`
}

// CreateBinding requests a pending-token binding flow (G->R).
type CreateBinding struct {
	GatewayID string `json:"gateway_id"`
}

// CreateBindingAck answers a CreateBinding request (R->G).
type CreateBindingAck struct {
	Token             string `json:"token"`
	CustomerServiceURL string `json:"customer_service_url"`
}

// UnbindAll removes all bindings owned by a gateway (G->R).
type UnbindAll struct {
	GatewayID string `json:"gateway_id"`
}

// BindingResolved pushes notice that a pending binding completed (R->G).
type BindingResolved struct {
	ExternalUserID string `json:"external_user_id"`
	GatewayID      string `json:"gateway_id"`
}

// envelope is the wire shape every frame shares: a type tag plus the
// variant's own fields flattened alongside it.
type envelope struct {
	Type string `json:"type"`
}

// Encode marshals a typed frame value into its wire JSON, stamping the
// correct "type" tag alongside its fields.
func Encode(frameType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s frame: %w", frameType, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("flattening %s frame: %w", frameType, err)
	}

	tagged := map[string]json.RawMessage{"type": json.RawMessage(fmt.Sprintf("%q", frameType))}
	for k, v := range fields {
		tagged[k] = v
	}

	return json.Marshal(tagged)
}

// Decode inspects the "type" tag and unmarshals into the matching
// typed value, returned as interface{} (one of the *Frame types above).
// ErrUnknownFrameType is returned for any tag outside the closed set;
// ErrMalformedFrame wraps any JSON syntax error.
func Decode(data []byte) (string, interface{}, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %s", relayerr.ErrMalformedFrame, err)
	}

	var (
		target interface{}
	)
	switch env.Type {
	case TypeHello:
		target = &Hello{}
	case TypeAck:
		target = &Ack{}
	case TypeInbound:
		target = &Inbound{}
	case TypeReply:
		target = &Reply{}
	case TypeError:
		target = &Error{}
	case TypeCreateBinding:
		target = &CreateBinding{}
	case TypeCreateBindingAck:
		target = &CreateBindingAck{}
	case TypeUnbindAll:
		target = &UnbindAll{}
	case TypeBindingResolved:
		target = &BindingResolved{}
	default:
		return "", nil, fmt.Errorf("%w: %q", relayerr.ErrUnknownFrameType, env.Type)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return "", nil, fmt.Errorf("%w: %s", relayerr.ErrMalformedFrame, err)
	}

	return env.Type, target, nil
}
