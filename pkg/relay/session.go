package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/openline-hq/callbridge/pkg/errorsx"
	"github.com/openline-hq/callbridge/pkg/providers/elevenlabs"
	"github.com/openline-hq/callbridge/pkg/transports/twilio"
)

// AgentConnector acquires an authenticated agent connection. Implementations
// perform the signed-URL handshake and dial; they must not retry.
type AgentConnector interface {
	Connect(ctx context.Context) (Conn, error)
}

// Options configures a session.
type Options struct {
	Logger  *slog.Logger
	TraceID string
}

type legID int

const (
	legTelephony legID = iota
	legAgent
)

func (l legID) String() string {
	if l == legTelephony {
		return "telephony"
	}
	return "agent"
}

type eventKind int

const (
	evMessage eventKind = iota
	evClosed
	evAgentConnected
	evAgentFailed
)

type event struct {
	leg  legID
	kind eventKind
	data []byte
	code int
	err  error
	conn Conn
}

// Session relays one phone call between a telephony media stream and a
// conversational agent. It owns both legs for the lifetime of the call and
// translates messages between the two wire protocols.
//
// All state transitions happen on the single Run loop; leg readers and the
// agent connector only push events into the loop. The mutex exists solely so
// external observers (tests, diagnostics) can snapshot state safely.
type Session struct {
	connector AgentConnector
	log       *slog.Logger
	traceID   string

	telephony *leg
	agent     *leg

	mu             sync.RWMutex
	state          State
	streamSID      string
	callSID        string
	callerMetadata map[string]string

	events chan event
	done   chan struct{}
	runErr error
}

// NewSession takes ownership of an accepted telephony connection. The agent
// leg is connected when Run starts.
func NewSession(telephony Conn, connector AgentConnector, opts Options) *Session {
	traceID := opts.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		connector: connector,
		log:       log.With(slog.String("trace_id", traceID)),
		traceID:   traceID,
		telephony: newLeg(telephony),
		state:     StateInitiating,
		events:    make(chan event, 64),
		done:      make(chan struct{}),
	}
}

// TraceID identifies the session in logs.
func (s *Session) TraceID() string { return s.traceID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StreamSID returns the telephony stream identifier, empty until the start
// event arrives.
func (s *Session) StreamSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSID
}

// CallSID returns the call identifier, empty until the start event arrives.
func (s *Session) CallSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callSID
}

// Run drives the session until a terminal trigger closes both legs. It
// returns the setup error when the agent leg could never be established,
// nil otherwise.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	s.log.Info("session_started")

	go s.readLeg(legTelephony, s.telephony)
	go s.connectAgent(ctx)

	for {
		select {
		case <-ctx.Done():
			s.terminate("shutdown")
		case ev := <-s.events:
			s.dispatch(ev)
		}
		if s.State() == StateClosed {
			s.log.Info("session_closed")
			return s.runErr
		}
	}
}

func (s *Session) connectAgent(ctx context.Context) {
	conn, err := s.connector.Connect(ctx)
	if err != nil {
		s.push(event{leg: legAgent, kind: evAgentFailed, err: err})
		return
	}
	s.push(event{leg: legAgent, kind: evAgentConnected, conn: conn})
}

func (s *Session) readLeg(id legID, l *leg) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			s.push(event{leg: id, kind: evClosed, code: closeCode(err), err: err})
			return
		}
		s.push(event{leg: id, kind: evMessage, data: data})
	}
}

func (s *Session) push(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) dispatch(ev event) {
	if st := s.State(); st == StateClosing || st == StateClosed {
		// First terminal trigger wins; everything after it is ignored.
		return
	}
	switch ev.kind {
	case evAgentConnected:
		s.onAgentConnected(ev.conn)
	case evAgentFailed:
		s.onAgentFailed(ev.err)
	case evMessage:
		if ev.leg == legTelephony {
			s.onTelephonyMessage(ev.data)
		} else {
			s.onAgentMessage(ev.data)
		}
	case evClosed:
		s.onLegClosed(ev.leg, ev.code)
	}
}

func (s *Session) onAgentConnected(conn Conn) {
	s.agent = newLeg(conn)
	go s.readLeg(legAgent, s.agent)
	s.log.Info("agent_leg_connected")

	init := elevenlabs.NewInitiationClientData(s.dynamicVariables())
	if err := s.agent.writeJSON(init); err != nil {
		s.log.Error("agent_initiation_send_failed",
			"reason_code", string(errorsx.ReasonAgentSend),
			"error", err.Error())
	}
	if s.StreamSID() != "" {
		s.transition(StateActive, "agent connected, stream already started")
	} else {
		s.transition(StateAwaitingStreamStart, "agent connected")
	}
}

func (s *Session) onAgentFailed(err error) {
	s.log.Error("agent_setup_failed",
		"reason_code", string(errorsx.Reason(err)),
		"error", err.Error())
	s.runErr = err
	s.terminate("agent setup failed")
}

func (s *Session) onTelephonyMessage(data []byte) {
	evt, err := twilio.ParseStreamEvent(data)
	if err != nil {
		s.log.Warn("telephony_malformed_message",
			"reason_code", string(errorsx.ReasonMalformedMessage),
			"error", err.Error())
		return
	}
	switch evt.Event {
	case twilio.EventStart:
		if evt.Start == nil {
			s.log.Warn("telephony_start_missing_body",
				"reason_code", string(errorsx.ReasonMalformedMessage))
			return
		}
		s.mu.Lock()
		s.streamSID = evt.Start.StreamSID
		s.callSID = evt.Start.CallSID
		if s.callerMetadata == nil {
			s.callerMetadata = evt.Start.CustomParameters
		}
		s.mu.Unlock()
		s.log.Info("stream_started",
			"stream_sid", evt.Start.StreamSID,
			"call_sid", evt.Start.CallSID)
		if s.State() == StateAwaitingStreamStart {
			s.transition(StateActive, "stream started")
		}
	case twilio.EventMedia:
		if evt.Media == nil {
			return
		}
		if s.agent == nil {
			// Agent leg not open yet; caller audio before that point is
			// not deliverable.
			return
		}
		chunk := elevenlabs.UserAudioChunk{UserAudioChunk: evt.Media.Payload}
		if err := s.agent.writeJSON(chunk); err != nil {
			s.log.Warn("agent_audio_send_failed",
				"reason_code", string(errorsx.ReasonAgentSend),
				"error", err.Error())
		}
	case twilio.EventStop:
		s.log.Info("stream_stopped", "stream_sid", s.StreamSID())
		s.terminate("telephony stop")
	default:
		s.log.Debug("telephony_unhandled_event", "event", evt.Event)
	}
}

func (s *Session) onAgentMessage(data []byte) {
	msg, err := elevenlabs.ParseServerMessage(data)
	if err != nil {
		s.log.Warn("agent_malformed_message",
			"reason_code", string(errorsx.ReasonMalformedMessage),
			"error", err.Error())
		return
	}
	switch msg.Type {
	case elevenlabs.TypeConversationInitiationMetadata:
		s.log.Info("agent_initiation_metadata_received")
	case elevenlabs.TypeAudio:
		payload, ok := msg.AudioPayload()
		if !ok {
			s.log.Debug("agent_audio_without_payload")
			return
		}
		streamSID := s.StreamSID()
		if streamSID == "" {
			// The media protocol requires a stream id on every outbound
			// frame; audio arriving earlier is dropped.
			s.log.Debug("agent_audio_before_stream_start_dropped")
			return
		}
		if err := s.telephony.writeJSON(twilio.NewMediaMessage(streamSID, payload)); err != nil {
			s.log.Warn("telephony_audio_send_failed",
				"reason_code", string(errorsx.ReasonTelephonySend),
				"error", err.Error())
		}
	case elevenlabs.TypeInterruption:
		streamSID := s.StreamSID()
		if streamSID == "" {
			return
		}
		if err := s.telephony.writeJSON(twilio.NewClearMessage(streamSID)); err != nil {
			s.log.Warn("telephony_clear_send_failed",
				"reason_code", string(errorsx.ReasonTelephonySend),
				"error", err.Error())
		}
	case elevenlabs.TypePing:
		if msg.PingEvent == nil || len(msg.PingEvent.EventID) == 0 {
			return
		}
		if err := s.agent.writeJSON(elevenlabs.NewPong(msg.PingEvent.EventID)); err != nil {
			s.log.Warn("agent_pong_send_failed",
				"reason_code", string(errorsx.ReasonAgentSend),
				"error", err.Error())
		}
	case elevenlabs.TypeAgentResponse:
		s.log.Debug("agent_response", "text", msg.Text)
	case elevenlabs.TypeAgentResponseCorrection:
		s.log.Debug("agent_response_correction", "text", msg.Text)
	case elevenlabs.TypeUserTranscript:
		s.log.Debug("user_transcript", "text", msg.Text)
	case elevenlabs.TypeEndCall:
		s.log.Info("agent_requested_end_call")
		s.terminate("agent end_call")
	default:
		s.log.Debug("agent_unhandled_message_type",
			"reason_code", string(errorsx.ReasonProtocolViolation),
			"type", msg.Type)
	}
}

func (s *Session) onLegClosed(id legID, code int) {
	class := ClassifyClose(code)
	s.log.Log(context.Background(), class.Severity.Level(), "leg_disconnected",
		"leg", id.String(),
		"code", class.Code,
		"reason", class.Reason,
		"severity", class.Severity.String(),
		"stream_sid", s.StreamSID(),
		"call_sid", s.CallSID())
	if id == legAgent {
		// The telephony side has no way to end the call on its own once
		// streaming is established, so any agent closure (normal codes
		// included) hangs up the call.
		s.log.Info("closing_telephony_leg_after_agent_disconnect")
	}
	s.terminate(id.String() + " leg closed")
}

// terminate fires the terminal trigger: both legs are closed idempotently
// and the session reaches CLOSED. Duplicate triggers are ignored by the
// dispatch guard.
func (s *Session) terminate(reason string) {
	if st := s.State(); st == StateClosing || st == StateClosed {
		return
	}
	s.transition(StateClosing, reason)
	if err := s.agent.close(); err != nil {
		s.log.Debug("agent_leg_close_error", "error", err.Error())
	}
	if err := s.telephony.close(); err != nil {
		s.log.Debug("telephony_leg_close_error", "error", err.Error())
	}
	s.transition(StateClosed, reason)
}

func (s *Session) transition(to State, reason string) {
	s.mu.Lock()
	from := s.state
	if !transitionValid(from, to) {
		s.mu.Unlock()
		s.log.Error("invalid_state_transition",
			"from", from.String(),
			"to", to.String(),
			"reason", reason)
		return
	}
	s.state = to
	s.mu.Unlock()
	s.log.Debug("state_transition",
		"from", from.String(),
		"to", to.String(),
		"reason", reason)
}

// dynamicVariables builds the caller metadata surfaced to the agent. The
// well-known keys are always present, even when empty.
func (s *Session) dynamicVariables() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vars := map[string]string{
		"user_name":    "",
		"user_email":   "",
		"user_id":      "",
		"current_date": "",
		"call_sid":     "",
	}
	for k, v := range s.callerMetadata {
		vars[k] = v
	}
	return vars
}
