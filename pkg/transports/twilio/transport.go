package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openline-hq/callbridge/pkg/errorsx"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AccountSID         string   `mapstructure:"account_sid"`
	AuthToken          string   `mapstructure:"auth_token"`
	PhoneNumber        string   `mapstructure:"phone_number"`
	CallPath           string   `mapstructure:"call_path"`
	TwimlPath          string   `mapstructure:"twiml_path"`
	AMDCallbackPath    string   `mapstructure:"amd_callback_path"`
	MediaStreamPath    string   `mapstructure:"media_stream_path"`
	ValidateSignatures bool     `mapstructure:"validate_signatures"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.CallPath == "" {
		c.CallPath = "/outbound-call"
	}
	if c.TwimlPath == "" {
		c.TwimlPath = "/outbound-call-twiml"
	}
	if c.AMDCallbackPath == "" {
		c.AMDCallbackPath = "/amd-status-callback"
	}
	if c.MediaStreamPath == "" {
		c.MediaStreamPath = "/outbound-media-stream"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// StreamHandler owns an accepted media-stream connection for the lifetime of
// one call. It must close the connection before returning.
type StreamHandler func(ctx context.Context, conn *websocket.Conn)

// Transport is the telephony-facing surface: call placement, TwiML, the AMD
// status callback, and the media-stream websocket endpoint.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	handler  StreamHandler
	dialer   *Dialer
	log      *slog.Logger

	updateClient callUpdater

	ctx      context.Context
	draining atomic.Bool
}

func New(cfg Config, handler StreamHandler, log *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		handler: handler,
		dialer:  NewDialer(cfg),
		log:     log,
		ctx:     context.Background(),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"call_url":         t.publicHTTPURL(t.cfg.CallPath),
		"twiml_url":        t.publicHTTPURL(t.cfg.TwimlPath),
		"amd_callback_url": t.publicHTTPURL(t.cfg.AMDCallbackPath),
		"media_stream_url": "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.MediaStreamPath,
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx = ctx
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.CallPath, t.handleOutboundCall)
	mux.HandleFunc(t.cfg.TwimlPath, t.handleTwiml)
	mux.HandleFunc(t.cfg.AMDCallbackPath, t.handleAMDStatus)
	mux.HandleFunc(t.cfg.MediaStreamPath, t.handleMediaStream)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	return nil
}

// CallRequest is the body of the call-placement endpoint.
type CallRequest struct {
	Number      string `json:"number"`
	UserName    string `json:"user_name"`
	UserEmail   string `json:"user_email"`
	UserID      string `json:"user_id"`
	CurrentDate string `json:"current_date"`
}

func (t *Transport) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Number) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Phone number is required"})
		return
	}

	q := url.Values{}
	q.Set("user_name", req.UserName)
	q.Set("user_email", req.UserEmail)
	q.Set("user_id", req.UserID)
	q.Set("current_date", req.CurrentDate)
	voiceURL := t.requestHTTPURL(r, t.cfg.TwimlPath) + "?" + q.Encode()
	amdURL := t.requestHTTPURL(r, t.cfg.AMDCallbackPath)

	callSID, err := t.dialer.PlaceCall(r.Context(), req.Number, t.cfg.PhoneNumber, voiceURL, amdURL)
	if err != nil {
		t.log.Error("outbound_call_failed",
			"reason_code", string(errorsx.Reason(err)),
			"error", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Failed to initiate call",
		})
		return
	}
	t.log.Info("outbound_call_initiated", "call_sid", callSID, "to", req.Number)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Call initiated",
		"callSid": callSID,
	})
}

func (t *Transport) handleTwiml(w http.ResponseWriter, r *http.Request) {
	if t.cfg.ValidateSignatures && !t.validateTwilioRequest(r) {
		t.log.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	callSID := r.URL.Query().Get("CallSid")
	if callSID == "" {
		_ = r.ParseForm()
		callSID = r.FormValue("CallSid")
	}
	streamURL := t.requestWSSURL(r, t.cfg.MediaStreamPath)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="` + xmlEscape(streamURL) + `">`)
	for _, p := range []struct{ name, value string }{
		{"user_name", r.URL.Query().Get("user_name")},
		{"user_email", r.URL.Query().Get("user_email")},
		{"user_id", r.URL.Query().Get("user_id")},
		{"current_date", r.URL.Query().Get("current_date")},
		{"call_sid", callSID},
	} {
		b.WriteString(`<Parameter name="` + p.name + `" value="` + xmlEscape(p.value) + `"/>`)
	}
	b.WriteString(`</Stream></Connect></Response>`)

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(b.String()))
}

// handleAMDStatus terminates calls that a machine answered. It is
// independent of any relay session: the resulting hangup surfaces there as
// an ordinary stream stop.
func (t *Transport) handleAMDStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.ValidateSignatures && !t.validateTwilioRequest(r) {
		t.log.Warn("twilio_amd_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}
	callSID := r.FormValue("CallSid")
	answeredBy := r.FormValue("AnsweredBy")
	t.log.Info("amd_result", "call_sid", callSID, "answered_by", answeredBy)

	if callSID != "" && machineAnswered(answeredBy) {
		t.log.Info("amd_voicemail_detected", "call_sid", callSID)
		if err := t.EndCall(r.Context(), callSID); err != nil {
			t.log.Error("amd_end_call_failed",
				"call_sid", callSID,
				"reason_code", string(errorsx.Reason(err)),
				"error", err.Error())
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func machineAnswered(answeredBy string) bool {
	return answeredBy == "machine_start" || strings.HasPrefix(answeredBy, "machine_end")
}

// EndCall completes an in-progress call via the REST API.
func (t *Transport) EndCall(ctx context.Context, callSID string) error {
	_ = ctx
	if strings.TrimSpace(callSID) == "" {
		return errorsx.Wrap(errors.New("call sid required"), errorsx.ReasonCallTerminate)
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return errorsx.Wrap(errors.New("missing twilio credentials"), errorsx.ReasonCallTerminate)
	}
	updater := t.updateClient
	if updater == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := updater.UpdateCall(callSID, params)
	return errorsx.Wrap(err, errorsx.ReasonCallTerminate)
}

func (t *Transport) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if t.handler == nil {
		_ = conn.Close()
		return
	}
	// The session outlives this request's context; it ends on its own
	// terminal triggers or on server shutdown.
	t.handler(t.ctx, conn)
}

func (t *Transport) requestHTTPURL(r *http.Request, path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "https://" + host + path
}

func (t *Transport) requestWSSURL(r *http.Request, path string) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + path
}

func (t *Transport) publicHTTPURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizePublicURL(v string) string {
	if v == "" {
		return ""
	}
	if len(v) >= 8 && v[:8] == "https://" {
		v = v[8:]
	} else if len(v) >= 7 && v[:7] == "http://" {
		v = v[7:]
	}
	for len(v) > 0 && v[len(v)-1] == '/' {
		v = v[:len(v)-1]
	}
	return v
}
