package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sipeed/wecom-relay/pkg/logger"
	"github.com/sipeed/wecom-relay/pkg/relayerr"
)

// SyncPump walks the /cgi-bin/kf/sync_msg cursor to exhaustion for one
// webhook trigger, emitting typed messages to handle. It fails fast on
// upstream errors; whatever was already emitted stays emitted —
// duplicate deliveries on a later retry are tolerated by design.
type SyncPump struct {
	tokens *TokenCache
	client *http.Client
}

// NewSyncPump builds a sync pump against the given token cache.
func NewSyncPump(tokens *TokenCache) *SyncPump {
	return &SyncPump{
		tokens: tokens,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type syncMsgRequest struct {
	Cursor   string `json:"cursor,omitempty"`
	Token    string `json:"token"`
	OpenKfID string `json:"open_kfid"`
	Limit    int    `json:"limit,omitempty"`
}

// Run pumps the cursor for (token, openKfID), calling handle once per
// parsed message in order. It stops when has_more == 0 or the batch is
// empty, or when ctx is cancelled.
func (sp *SyncPump) Run(ctx context.Context, token, openKfID string, handle func(Message)) error {
	cursor := ""

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := sp.fetchBatch(ctx, token, openKfID, cursor)
		if err != nil {
			return fmt.Errorf("sync_msg cursor walk: %w", err)
		}

		for _, raw := range batch.MsgList {
			msg, err := ParseSyncMessage(raw)
			if err != nil {
				logger.WarnCF("wecom", "dropping unparseable sync message", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			handle(msg)
		}

		if batch.HasMore == 0 || len(batch.MsgList) == 0 {
			return nil
		}
		cursor = batch.NextCursor
	}
}

func (sp *SyncPump) fetchBatch(ctx context.Context, token, openKfID, cursor string) (*SyncMessageBatch, error) {
	accessToken, err := sp.tokens.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining access token: %w", err)
	}

	reqBody := syncMsgRequest{Cursor: cursor, Token: token, OpenKfID: openKfID, Limit: 1000}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling sync_msg body: %w", err)
	}

	apiURL := fmt.Sprintf("%s/cgi-bin/kf/sync_msg?access_token=%s", apiBase, url.QueryEscape(accessToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building sync_msg request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sp.client.Do(req)
	if err != nil {
		return nil, &relayerr.TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &relayerr.TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &relayerr.TransportError{Err: fmt.Errorf("sync_msg returned HTTP %d", resp.StatusCode)}
	}

	var batch SyncMessageBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("parsing sync_msg response: %w", err)
	}
	if batch.ErrCode == 42001 || batch.ErrCode == 40014 {
		sp.tokens.Invalidate()
	}
	if batch.ErrCode != 0 {
		return nil, &relayerr.UpstreamError{Code: batch.ErrCode, Msg: batch.ErrMsg}
	}

	return &batch, nil
}
