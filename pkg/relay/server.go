// Package relay wires components A-J into the HTTP + WebSocket
// surface spec.md component 4.K describes: the WeCom webhook ingress,
// the gateway binding endpoints, and the WS upgrade path.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sipeed/wecom-relay/pkg/binding"
	"github.com/sipeed/wecom-relay/pkg/config"
	"github.com/sipeed/wecom-relay/pkg/dispatch"
	"github.com/sipeed/wecom-relay/pkg/logger"
	"github.com/sipeed/wecom-relay/pkg/wecom"
	"github.com/sipeed/wecom-relay/pkg/wsgateway"
	"github.com/sipeed/wecom-relay/pkg/wsproto"
)

const pendingBindingTTL = 15 * time.Minute

var _ wsgateway.Handler = (*Relay)(nil)

// Relay owns every wired component and exposes the combined HTTP
// handler the CLI serves.
type Relay struct {
	cfg *config.Config

	keyPair *wecom.AESKeyPair
	tokens  *wecom.TokenCache
	sender  *wecom.SendClient
	pump    *wecom.SyncPump

	bindings   *binding.Store
	registry   *wsgateway.Registry
	wsServer   *wsgateway.Server
	dispatcher *dispatch.Dispatcher
	replies    *dispatch.ReplyEngine

	mux *http.ServeMux
}

// New wires every component per cfg.
func New(cfg *config.Config) (*Relay, error) {
	keyPair, err := wecom.DecodeEncodingAESKey(cfg.WeCom.EncodingAESKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encoding aes key: %w", err)
	}

	tokens := wecom.NewTokenCache(cfg.WeCom.CorpID, cfg.WeCom.AppSecret)
	sender := wecom.NewSendClient(tokens)
	pump := wecom.NewSyncPump(tokens)

	bindings := binding.New()
	registry := wsgateway.NewRegistry()
	replies := dispatch.NewReplyEngine(sender, cfg.WeCom.OpenKfID)
	dispatcher := dispatch.NewDispatcher(bindings, registry, replies, cfg.Locale)

	r := &Relay{
		cfg:        cfg,
		keyPair:    keyPair,
		tokens:     tokens,
		sender:     sender,
		pump:       pump,
		bindings:   bindings,
		registry:   registry,
		dispatcher: dispatcher,
		replies:    replies,
	}
	r.wsServer = wsgateway.NewServer(registry, r, cfg.WS.AuthSecret)
	r.mux = r.buildMux()

	return r, nil
}

// Handler returns the relay's WeCom-facing HTTP handler: callback,
// binding endpoints, and health/ready probes.
func (r *Relay) Handler() http.Handler { return r.mux }

// WSHandler returns the gateway-facing WebSocket upgrade handler,
// served on its own port (WS_PORT) per spec.md §6.3.
func (r *Relay) WSHandler() http.Handler {
	return http.HandlerFunc(r.handleWS)
}

// Shutdown closes every registered gateway connection with code 1000.
// Outstanding HTTP requests are the caller's responsibility via
// http.Server.Shutdown.
func (r *Relay) Shutdown(ctx context.Context) {
	r.registry.CloseAll()
}

func (r *Relay) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/wecom/callback", r.handleCallback)
	mux.HandleFunc("/bindings/create", r.handleBindingsCreate)
	mux.HandleFunc("/bindings/unbind_all", r.handleBindingsUnbindAll)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "wecom-relay"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ready", "service": "wecom-relay"})
	})

	return mux
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	r.wsServer.Serve(req.Context(), w, req)
}

// handleCallback serves both the GET URL-verification echo and the
// POST inbound webhook.
func (r *Relay) handleCallback(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.handleCallbackVerify(w, req)
	case http.MethodPost:
		r.handleCallbackWebhook(w, req)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *Relay) handleCallbackVerify(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	signature := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")
	echostr := q.Get("echostr")

	if !wecom.VerifySignature(r.cfg.WeCom.Token, timestamp, nonce, echostr, signature) {
		logger.WarnC("relay", "callback verify: signature mismatch")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	plaintext, err := wecom.Decrypt(echostr, r.keyPair, r.cfg.WeCom.CorpID)
	if err != nil {
		logger.WarnCF("relay", "callback verify: decrypt failed", map[string]interface{}{"error": err.Error()})
		http.Error(w, "decrypt failed", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, plaintext)
}

func (r *Relay) handleCallbackWebhook(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	signature := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	encrypt, err := wecom.ExtractEncryptedBody(body)
	if err != nil {
		logger.WarnCF("relay", "callback: missing encrypt field", map[string]interface{}{"error": err.Error()})
		http.Error(w, "missing encrypt field", http.StatusBadRequest)
		return
	}

	if !wecom.VerifySignature(r.cfg.WeCom.Token, timestamp, nonce, encrypt, signature) {
		logger.WarnC("relay", "callback: signature mismatch")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	plaintext, err := wecom.Decrypt(encrypt, r.keyPair, r.cfg.WeCom.CorpID)
	if err != nil {
		logger.WarnCF("relay", "callback: decrypt failed", map[string]interface{}{"error": err.Error()})
		http.Error(w, "decrypt failed", http.StatusBadRequest)
		return
	}

	envelope, err := wecom.ParseCallbackEnvelope([]byte(plaintext))
	if err != nil {
		logger.WarnCF("relay", "callback: malformed envelope", map[string]interface{}{"error": err.Error()})
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	// WeCom requires a fast acknowledgement; the sync_msg walk and
	// dispatch happen off-thread.
	go r.pumpAndDispatch(envelope.Token, envelope.OpenKfID)

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "success")
}

func (r *Relay) pumpAndDispatch(token, openKfID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var batch []wecom.Message
	err := r.pump.Run(ctx, token, openKfID, func(msg wecom.Message) {
		batch = append(batch, msg)
	})
	if err != nil {
		logger.ErrorCF("relay", "sync_msg pump failed", map[string]interface{}{"error": err.Error()})
	}
	if len(batch) > 0 {
		r.dispatcher.HandleBatch(ctx, batch)
	}
}

type bindingsCreateRequest struct {
	GatewayID string `json:"gateway_id"`
}

type bindingsCreateResponse struct {
	Token              string `json:"token"`
	CustomerServiceURL string `json:"customer_service_url"`
}

func (r *Relay) handleBindingsCreate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !r.checkSharedSecret(req) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body bindingsCreateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.GatewayID == "" {
		http.Error(w, "gateway_id required", http.StatusBadRequest)
		return
	}

	token, err := r.bindings.CreatePending(body.GatewayID, pendingBindingTTL)
	if err != nil {
		http.Error(w, "could not create pending binding", http.StatusInternalServerError)
		return
	}

	resp := bindingsCreateResponse{
		Token:              token,
		CustomerServiceURL: customerServiceURL(r.cfg.WeCom.OpenKfID),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type bindingsUnbindRequest struct {
	GatewayID string `json:"gateway_id"`
}

func (r *Relay) handleBindingsUnbindAll(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !r.checkSharedSecret(req) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body bindingsUnbindRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.GatewayID == "" {
		http.Error(w, "gateway_id required", http.StatusBadRequest)
		return
	}

	count := r.bindings.UnbindAll(body.GatewayID)
	logger.InfoCF("relay", "unbound all bindings for gateway", map[string]interface{}{
		"gateway_id": body.GatewayID,
		"count":      count,
	})

	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "success")
}

func (r *Relay) checkSharedSecret(req *http.Request) bool {
	got := req.Header.Get("X-Relay-Auth-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(r.cfg.WS.AuthSecret)) == 1
}

func customerServiceURL(openKfID string) string {
	return fmt.Sprintf("https://work.weixin.qq.com/kfid/%s", openKfID)
}

// wsgateway.Handler implementation -- routes gateway-initiated frames
// arriving over the WS connection back through the same components
// the HTTP binding endpoints use.

// OnReply implements wsgateway.Handler.
func (r *Relay) OnReply(gatewayID string, frame wsproto.Reply) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.replies.Send(ctx, frame.ExternalUserID, frame.Content)
}

// OnCreateBinding implements wsgateway.Handler.
func (r *Relay) OnCreateBinding(gatewayID string, frame wsproto.CreateBinding) (wsproto.CreateBindingAck, error) {
	token, err := r.bindings.CreatePending(frame.GatewayID, pendingBindingTTL)
	if err != nil {
		return wsproto.CreateBindingAck{}, err
	}
	return wsproto.CreateBindingAck{
		Token:              token,
		CustomerServiceURL: customerServiceURL(r.cfg.WeCom.OpenKfID),
	}, nil
}

// OnUnbindAll implements wsgateway.Handler.
func (r *Relay) OnUnbindAll(gatewayID string) {
	count := r.bindings.UnbindAll(gatewayID)
	logger.InfoCF("relay", "unbound all bindings for gateway", map[string]interface{}{
		"gateway_id": gatewayID,
		"count":      count,
	})
}
