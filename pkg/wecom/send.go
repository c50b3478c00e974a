package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/sipeed/wecom-relay/pkg/logger"
	"github.com/sipeed/wecom-relay/pkg/relayerr"
)

const maxContentBytes = 2048

type sendTextRequest struct {
	ToUser   string `json:"touser"`
	OpenKfID string `json:"open_kfid"`
	MsgType  string `json:"msgtype"`
	Text     struct {
		Content string `json:"content"`
	} `json:"text"`
}

type sendMsgResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
	MsgID   string `json:"msgid"`
}

// SendClient posts text replies through /cgi-bin/kf/send_msg, caching
// the access token and rate-limiting outbound calls so a burst of
// gateway replies can't trip WeCom's frequency control.
type SendClient struct {
	tokens   *TokenCache
	client   *http.Client
	limiter  *rate.Limiter
}

// NewSendClient builds a send client against the given token cache.
// The limiter allows burst qps send_msg calls per second, matching the
// conservative default WeCom documents for the kf API.
func NewSendClient(tokens *TokenCache) *SendClient {
	return &SendClient{
		tokens:  tokens,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

// SendText sends one text message to toUser via openKfID, enforcing
// the 2048-UTF-8-byte content limit. If content is longer, it
// binary-searches the longest prefix whose UTF-8 size is <= 2045
// bytes, appends "...", and logs a warning rather than failing the
// call — callers that need proper chunking should use the reply
// engine's splitMessage first. Returns the msgid if WeCom supplied
// one.
func (sc *SendClient) SendText(ctx context.Context, toUser, openKfID, content string) (string, error) {
	content = truncateToBytes(content, maxContentBytes)

	if err := sc.limiter.Wait(ctx); err != nil {
		return "", err
	}

	token, err := sc.tokens.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("obtaining access token: %w", err)
	}

	reqBody := sendTextRequest{ToUser: toUser, OpenKfID: openKfID, MsgType: "text"}
	reqBody.Text.Content = content

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling send_msg body: %w", err)
	}

	apiURL := fmt.Sprintf("%s/cgi-bin/kf/send_msg?access_token=%s", apiBase, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building send_msg request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return "", &relayerr.TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &relayerr.TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &relayerr.TransportError{Err: fmt.Errorf("send_msg returned HTTP %d", resp.StatusCode)}
	}

	var result sendMsgResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parsing send_msg response: %w", err)
	}
	if result.ErrCode == 42001 || result.ErrCode == 40014 {
		sc.tokens.Invalidate()
	}
	if result.ErrCode != 0 {
		return "", &relayerr.UpstreamError{Code: result.ErrCode, Msg: result.ErrMsg}
	}

	return result.MsgID, nil
}

// truncateToBytes returns content unchanged if its UTF-8 size already
// fits within limit. Otherwise it binary-searches the longest rune
// prefix whose size is <= limit-3 and appends "...", never splitting
// a code point, and logs a warning.
func truncateToBytes(content string, limit int) string {
	if len(content) <= limit {
		return content
	}

	logger.WarnCF("wecom", "truncating oversized send_msg content", map[string]interface{}{
		"original_bytes": len(content),
		"limit":          limit,
	})

	budget := limit - 3
	if budget < 0 {
		budget = 0
	}
	cut := budget
	if cut > len(content) {
		cut = len(content)
	}
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}

	return content[:cut] + "..."
}
