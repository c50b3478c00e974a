package wecom

import (
	"encoding/json"
	"encoding/xml"
	"fmt"

	"github.com/sipeed/wecom-relay/pkg/relayerr"
)

// CallbackEnvelope is the XML shell WeCom POSTs to the callback URL.
// Values may or may not be CDATA-wrapped; encoding/xml handles both
// transparently for character data.
type CallbackEnvelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	CreateTime int64    `xml:"CreateTime"`
	MsgType    string   `xml:"MsgType"`
	Event      string   `xml:"Event"`
	Token      string   `xml:"Token"`
	OpenKfID   string   `xml:"OpenKfId"`
	Encrypt    string   `xml:"Encrypt"`
}

// ParseCallbackEnvelope parses the (still-encrypted) callback XML.
// Missing fields are left as zero values defensively — the signature
// check on the raw body is the authoritative guard, not this parse.
func ParseCallbackEnvelope(body []byte) (*CallbackEnvelope, error) {
	var env CallbackEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return &CallbackEnvelope{}, nil
	}
	return &env, nil
}

// ExtractEncryptedBody pulls the <Encrypt> value out of the callback
// XML, failing with ErrNoEncryptField when it's absent.
func ExtractEncryptedBody(body []byte) (string, error) {
	var env struct {
		Encrypt string `xml:"Encrypt"`
	}
	if err := xml.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("%w: %s", relayerr.ErrNoEncryptField, err)
	}
	if env.Encrypt == "" {
		return "", relayerr.ErrNoEncryptField
	}
	return env.Encrypt, nil
}

// SyncMessageBatch is one page of the /cgi-bin/kf/sync_msg response.
type SyncMessageBatch struct {
	ErrCode    int              `json:"errcode"`
	ErrMsg     string           `json:"errmsg"`
	NextCursor string           `json:"next_cursor"`
	HasMore    int              `json:"has_more"`
	MsgList    []json.RawMessage `json:"msg_list"`
}

// EventPayload is the event-specific body of an "event" sync message.
type EventPayload struct {
	EventType  string `json:"event_type"`
	SceneParam string `json:"scene_param"`
}

// Message is the typed, parsed form of one sync_msg entry, ready for
// the inbound dispatcher (4.I).
type Message struct {
	MsgID          string
	MsgType        string // "text" | "image" | "voice" | "event" | "unknown"
	ExternalUserID string
	OpenKfID       string
	SendTime       int64
	Origin         int
	Origined       bool // true if the origin field was present in the raw JSON
	Content        string
	MediaID        string
	Event          *EventPayload
}

type syncMessageEnvelope struct {
	MsgType        string          `json:"msgtype"`
	ExternalUserID string          `json:"external_userid"`
	OpenKfID       string          `json:"open_kfid"`
	MsgID          string          `json:"msgid"`
	SendTime       int64           `json:"send_time"`
	Origin         *int            `json:"origin"`
	Text           *struct {
		Content string `json:"content"`
	} `json:"text"`
	Image *struct {
		MediaID string `json:"media_id"`
	} `json:"image"`
	Voice *struct {
		MediaID string `json:"media_id"`
	} `json:"voice"`
	Event *EventPayload `json:"event"`
}

// ParseSyncMessage parses one msg_list entry. An unrecognized msgtype
// is never an error: it becomes {MsgType: "unknown"} so the caller can
// route it with empty content rather than abort the batch.
func ParseSyncMessage(raw json.RawMessage) (Message, error) {
	var env syncMessageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("parsing sync message: %w", err)
	}

	msg := Message{
		MsgID:          env.MsgID,
		ExternalUserID: env.ExternalUserID,
		OpenKfID:       env.OpenKfID,
		SendTime:       env.SendTime,
	}
	if env.Origin != nil {
		msg.Origin = *env.Origin
		msg.Origined = true
	}

	switch env.MsgType {
	case "text":
		msg.MsgType = "text"
		if env.Text != nil {
			msg.Content = env.Text.Content
		}
	case "image":
		msg.MsgType = "image"
		if env.Image != nil {
			msg.MediaID = env.Image.MediaID
		}
	case "voice":
		msg.MsgType = "voice"
		if env.Voice != nil {
			msg.MediaID = env.Voice.MediaID
		}
	case "event":
		msg.MsgType = "event"
		msg.Event = env.Event
	default:
		msg.MsgType = "unknown"
	}

	return msg, nil
}
