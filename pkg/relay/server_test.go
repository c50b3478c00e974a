package relay

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sipeed/wecom-relay/pkg/config"
	"github.com/sipeed/wecom-relay/pkg/wecom"
)

const testAESKey = "0123456789012345678901234567890123456789ab"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.WeCom.CorpID = "corp1"
	cfg.WeCom.Token = "token1"
	cfg.WeCom.OpenKfID = "kf1"
	cfg.WeCom.EncodingAESKey = testAESKey
	cfg.WS.AuthSecret = "shared-secret"
	return cfg
}

func TestHandleCallbackVerifyRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(cfg)
	require.NoError(t, err)

	keyPair, err := wecom.DecodeEncodingAESKey(cfg.WeCom.EncodingAESKey)
	require.NoError(t, err)

	echostr, err := wecom.Encrypt("probe-value", cfg.WeCom.CorpID, keyPair)
	require.NoError(t, err)

	sig := wecom.ComputeSignature(cfg.WeCom.Token, "12345", "nonce1", echostr)
	target := fmt.Sprintf("/wecom/callback?msg_signature=%s&timestamp=12345&nonce=nonce1&echostr=%s",
		url.QueryEscape(sig), url.QueryEscape(echostr))

	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "probe-value", w.Body.String())
}

func TestHandleCallbackVerifyRejectsBadSignature(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(cfg)
	require.NoError(t, err)

	target := "/wecom/callback?msg_signature=deadbeef&timestamp=12345&nonce=nonce1&echostr=anything"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleCallbackWebhookAcksImmediately(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(cfg)
	require.NoError(t, err)

	keyPair, err := wecom.DecodeEncodingAESKey(cfg.WeCom.EncodingAESKey)
	require.NoError(t, err)

	envelopeXML := `<xml><ToUserName><![CDATA[toUser]]></ToUserName><CreateTime>123</CreateTime>` +
		`<MsgType><![CDATA[event]]></MsgType><Event><![CDATA[kf_msg_or_event]]></Event>` +
		`<Token><![CDATA[sync-token-1]]></Token><OpenKfId><![CDATA[kf1]]></OpenKfId></xml>`
	encrypt, err := wecom.Encrypt(envelopeXML, cfg.WeCom.CorpID, keyPair)
	require.NoError(t, err)

	body := fmt.Sprintf(`<xml><Encrypt><![CDATA[%s]]></Encrypt></xml>`, encrypt)
	sig := wecom.ComputeSignature(cfg.WeCom.Token, "12345", "nonce1", encrypt)
	target := fmt.Sprintf("/wecom/callback?msg_signature=%s&timestamp=12345&nonce=nonce1", url.QueryEscape(sig))

	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "success", w.Body.String())
}

func TestHandleBindingsCreateRequiresSharedSecret(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(cfg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/bindings/create", strings.NewReader(`{"gateway_id":"gw-1"}`))
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleBindingsCreateSucceeds(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(cfg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/bindings/create", strings.NewReader(`{"gateway_id":"gw-1"}`))
	req.Header.Set("X-Relay-Auth-Secret", cfg.WS.AuthSecret)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"token"`)
	require.Contains(t, w.Body.String(), cfg.WeCom.OpenKfID)
}

func TestHandleBindingsUnbindAllSucceeds(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(cfg)
	require.NoError(t, err)

	r.bindings.Bind("user1", "gw-1")

	req := httptest.NewRequest(http.MethodPost, "/bindings/unbind_all", strings.NewReader(`{"gateway_id":"gw-1"}`))
	req.Header.Set("X-Relay-Auth-Secret", cfg.WS.AuthSecret)
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	_, ok := r.bindings.Lookup("user1")
	require.False(t, ok)
}

func TestHealthzAndReadyz(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(cfg)
	require.NoError(t, err)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		r.Handler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, path)
	}
}
