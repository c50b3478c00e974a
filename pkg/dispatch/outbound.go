package dispatch

import (
	"context"

	"github.com/sipeed/wecom-relay/pkg/logger"
	"github.com/sipeed/wecom-relay/pkg/wecom"
)

const (
	maxChunkBytes = 2048
	maxChunksPerReply = 5
)

// Sender is the subset of wecom.SendClient the reply engine depends
// on, narrowed so tests can fake it.
type Sender interface {
	SendText(ctx context.Context, toUser, openKfID, content string) (string, error)
}

// ReplyEngine chunks and sends a gateway's reply frame through the
// WeCom send-message API (spec.md component 4.J).
type ReplyEngine struct {
	sender   Sender
	openKfID string
}

// NewReplyEngine builds a reply engine against sender for the given
// open_kfid.
func NewReplyEngine(sender Sender, openKfID string) *ReplyEngine {
	return &ReplyEngine{sender: sender, openKfID: openKfID}
}

var _ Sender = (*wecom.SendClient)(nil)

// Send chunks content under the 2048-byte limit, truncates to the
// first 5 chunks (WeChat's 48-hour-window cap), and sends each chunk
// in order to toUser. Chunks are strictly serialized: chunk N+1 is not
// sent until chunk N's call returns. A non-transport-fatal failure on
// one chunk is logged and the remaining chunks still go out.
func (re *ReplyEngine) Send(ctx context.Context, toUser, content string) {
	chunks := splitMessage(content, maxChunkBytes)

	if len(chunks) > maxChunksPerReply {
		logger.WarnCF("dispatch", "reply exceeds chunk cap, discarding remainder", map[string]interface{}{
			"to_user":    toUser,
			"chunks":     len(chunks),
			"chunks_cap": maxChunksPerReply,
		})
		chunks = chunks[:maxChunksPerReply]
	}

	for i, chunk := range chunks {
		if _, err := re.sender.SendText(ctx, toUser, re.openKfID, chunk); err != nil {
			logger.ErrorCF("dispatch", "send_msg chunk failed", map[string]interface{}{
				"to_user": toUser,
				"chunk":   i,
				"error":   err.Error(),
			})
		}
	}
}
