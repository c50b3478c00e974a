package wecom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sipeed/wecom-relay/pkg/logger"
	"github.com/sipeed/wecom-relay/pkg/relayerr"
)

// apiBase is a var rather than a const so tests can point it at a
// local httptest server.
var apiBase = "https://qyapi.weixin.qq.com"

// accessTokenResponse is the /cgi-bin/gettoken response envelope.
type accessTokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// TokenCache holds the corp's access token, refreshing it on demand
// and collapsing concurrent refreshes into a single outbound request
// (single-flight): every caller that asks for a token while a refresh
// is already in flight waits on that same refresh instead of issuing
// its own.
type TokenCache struct {
	corpID    string
	appSecret string
	client    *http.Client

	mu          sync.Mutex
	token       string
	expiry      time.Time
	refreshing  bool
	refreshDone chan struct{}
}

// NewTokenCache builds a token cache for the given tenant credentials.
func NewTokenCache(corpID, appSecret string) *TokenCache {
	return &TokenCache{
		corpID:    corpID,
		appSecret: appSecret,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Get returns a valid access token, refreshing it first if it's
// missing or within 5 minutes of expiry.
func (tc *TokenCache) Get(ctx context.Context) (string, error) {
	for {
		tc.mu.Lock()
		if tc.token != "" && time.Now().Before(tc.expiry) {
			token := tc.token
			tc.mu.Unlock()
			return token, nil
		}

		if tc.refreshing {
			done := tc.refreshDone
			tc.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		tc.refreshing = true
		tc.refreshDone = make(chan struct{})
		tc.mu.Unlock()
		break
	}

	token, err := tc.refresh(ctx)

	tc.mu.Lock()
	tc.refreshing = false
	close(tc.refreshDone)
	tc.mu.Unlock()

	return token, err
}

// refresh performs the actual /cgi-bin/gettoken round trip and caches
// the result, refreshing 10 minutes early to avoid serving an
// about-to-expire token.
func (tc *TokenCache) refresh(ctx context.Context) (string, error) {
	apiURL := fmt.Sprintf("%s/cgi-bin/gettoken?corpid=%s&corpsecret=%s",
		apiBase, url.QueryEscape(tc.corpID), url.QueryEscape(tc.appSecret))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", fmt.Errorf("building gettoken request: %w", err)
	}

	resp, err := tc.client.Do(req)
	if err != nil {
		return "", &relayerr.TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &relayerr.TransportError{Err: err}
	}

	var tokenResp accessTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("parsing gettoken response: %w", err)
	}
	if tokenResp.ErrCode != 0 {
		return "", &relayerr.UpstreamError{Code: tokenResp.ErrCode, Msg: tokenResp.ErrMsg}
	}

	expiresIn := tokenResp.ExpiresIn - 600
	if expiresIn <= 0 {
		expiresIn = tokenResp.ExpiresIn
	}

	tc.mu.Lock()
	tc.token = tokenResp.AccessToken
	tc.expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	tc.mu.Unlock()

	logger.DebugC("wecom", "access token refreshed")
	return tokenResp.AccessToken, nil
}

// Invalidate forces the next Get to refresh, used after an upstream
// call reports errcode 42001/40014 (token expired/invalid).
func (tc *TokenCache) Invalidate() {
	tc.mu.Lock()
	tc.token = ""
	tc.expiry = time.Time{}
	tc.mu.Unlock()
}
