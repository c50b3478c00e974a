package wsproto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sipeed/wecom-relay/pkg/relayerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name      string
		frameType string
		payload   interface{}
	}{
		{"hello", TypeHello, Hello{GatewayID: "gw-1", AuthToken: "secret"}},
		{"ack", TypeAck, Ack{ID: "hello"}},
		{"inbound", TypeInbound, Inbound{ID: "m1", ExternalUserID: "u1", MsgType: "text", Content: "hi", Timestamp: 123}},
		{"reply", TypeReply, Reply{ID: "m1", ExternalUserID: "u1", Content: "hello back"}},
		{"error", TypeError, Error{Message: "boom"}},
		{"create_binding", TypeCreateBinding, CreateBinding{GatewayID: "gw-1"}},
		{"create_binding_ack", TypeCreateBindingAck, CreateBindingAck{Token: "tok", CustomerServiceURL: "https://work.weixin.qq.com/kfid/kf1"}},
		{"unbind_all", TypeUnbindAll, UnbindAll{GatewayID: "gw-1"}},
		{"binding_resolved", TypeBindingResolved, BindingResolved{ExternalUserID: "u1", GatewayID: "gw-1"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw, err := Encode(c.frameType, c.payload)
			require.NoError(t, err)

			gotType, gotFrame, err := Decode(raw)
			require.NoError(t, err)
			require.Equal(t, c.frameType, gotType)

			switch p := c.payload.(type) {
			case Hello:
				require.Equal(t, &p, gotFrame)
			case Ack:
				require.Equal(t, &p, gotFrame)
			case Inbound:
				require.Equal(t, &p, gotFrame)
			case Reply:
				require.Equal(t, &p, gotFrame)
			case Error:
				require.Equal(t, &p, gotFrame)
			case CreateBinding:
				require.Equal(t, &p, gotFrame)
			case CreateBindingAck:
				require.Equal(t, &p, gotFrame)
			case UnbindAll:
				require.Equal(t, &p, gotFrame)
			case BindingResolved:
				require.Equal(t, &p, gotFrame)
			default:
				t.Fatalf("unhandled payload type %T", p)
			}
		})
	}
}

func TestDecodeUnknownFrameType(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"bogus"}`))
	require.ErrorIs(t, err, relayerr.ErrUnknownFrameType)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, _, err := Decode([]byte(`not json`))
	require.ErrorIs(t, err, relayerr.ErrMalformedFrame)
}

func TestDecodeMalformedFieldType(t *testing.T) {
	_, _, err := Decode([]byte(`{"type":"inbound","timestamp":"not-a-number"}`))
	require.ErrorIs(t, err, relayerr.ErrMalformedFrame)
}

func TestEncodeStampsTypeTag(t *testing.T) {
	raw, err := Encode(TypeHello, Hello{GatewayID: "gw-1", AuthToken: "secret"})
	require.NoError(t, err)
	require.Contains(t, string(raw), `"type":"hello"`)
	require.Contains(t, string(raw), `"gateway_id":"gw-1"`)
}
