package callbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/openline-hq/callbridge/pkg/configutil"
	"github.com/openline-hq/callbridge/pkg/errorsx"
	"github.com/openline-hq/callbridge/pkg/logging"
	"github.com/openline-hq/callbridge/pkg/providers/elevenlabs"
	"github.com/openline-hq/callbridge/pkg/relay"
	twiliotransport "github.com/openline-hq/callbridge/pkg/transports/twilio"
)

// App wires the telephony transport to relay sessions backed by the
// conversational agent.
type App struct {
	cfg       Config
	log       *slog.Logger
	agent     *elevenlabs.Client
	transport *twiliotransport.Transport
	sessions  sync.WaitGroup
}

func NewApp(cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	if p := cfg.Transports.Provider; p != "" && p != "twilio" {
		return nil, fmt.Errorf("unsupported transport provider: %s", p)
	}
	if p := cfg.Agent.Provider; p != "" && p != "elevenlabs" {
		return nil, fmt.Errorf("unsupported agent provider: %s", p)
	}

	if err := configutil.ValidateSettings(cfg.Transports.Settings, configutil.Schema{
		Required: []string{"account_sid", "auth_token", "phone_number"},
		Optional: []string{
			"public_url", "server_addr", "call_path", "twiml_path",
			"amd_callback_path", "media_stream_path", "validate_signatures",
			"allow_any_origin", "allowed_origins",
		},
	}); err != nil {
		return nil, fmt.Errorf("transports.settings: %w", err)
	}
	var transportCfg twiliotransport.Config
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &transportCfg); err != nil {
		return nil, fmt.Errorf("transports.settings: %w", err)
	}

	if err := configutil.ValidateSettings(cfg.Agent.Settings, configutil.Schema{
		Required: []string{"api_key", "agent_id"},
		Optional: []string{"base_url"},
	}); err != nil {
		return nil, fmt.Errorf("agent.settings: %w", err)
	}
	var agentCfg elevenlabs.Config
	if err := configutil.DecodeSettings(cfg.Agent.Settings, &agentCfg); err != nil {
		return nil, fmt.Errorf("agent.settings: %w", err)
	}

	app := &App{
		cfg:   cfg,
		log:   log,
		agent: elevenlabs.NewClient(agentCfg),
	}
	app.transport = twiliotransport.New(transportCfg, app.handleMediaStream,
		logging.NewComponentLogger(log, "twilio_transport"))
	return app, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.transport.Start(ctx); err != nil {
		return err
	}
	fields := make([]any, 0, 8)
	for k, v := range a.transport.ReadyFields() {
		fields = append(fields, k, v)
	}
	a.log.Info("transport_ready", fields...)
	return nil
}

// Drain stops accepting new streams and waits for in-flight sessions.
func (a *App) Drain() error {
	err := a.transport.Stop()
	a.sessions.Wait()
	return err
}

func (a *App) handleMediaStream(ctx context.Context, conn *websocket.Conn) {
	a.sessions.Add(1)
	defer a.sessions.Done()

	traceID := uuid.NewString()
	log := logging.NewComponentLogger(a.log, "relay_session")
	sess := relay.NewSession(conn, agentConnector{client: a.agent}, relay.Options{
		Logger:  log,
		TraceID: traceID,
	})
	if err := sess.Run(ctx); err != nil {
		log.Error("session_failed",
			"trace_id", traceID,
			"reason_code", string(errorsx.Reason(err)),
			"error", err.Error())
	}
}

type agentConnector struct {
	client *elevenlabs.Client
}

func (c agentConnector) Connect(ctx context.Context) (relay.Conn, error) {
	signedURL, err := c.client.SignedURL(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := c.client.DialConversation(ctx, signedURL)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
