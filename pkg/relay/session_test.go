package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openline-hq/callbridge/pkg/errorsx"
)

type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	closes  int
	inbound chan []byte
	done    chan struct{}
	once    sync.Once
	readErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
		readErr: &websocket.CloseError{Code: websocket.CloseNormalClosure},
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.readErr
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, b)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

// closeFromPeer simulates the remote end closing the transport with a code.
func (c *fakeConn) closeFromPeer(code int) {
	c.mu.Lock()
	c.readErr = &websocket.CloseError{Code: code}
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *fakeConn) send(raw string) { c.inbound <- []byte(raw) }

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) write(i int) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out map[string]any
	_ = json.Unmarshal(c.writes[i], &out)
	return out
}

func (c *fakeConn) rawWrite(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.writes[i])
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeConnector struct {
	conn Conn
	err  error
	gate chan struct{}
}

func (f *fakeConnector) Connect(ctx context.Context) (Conn, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

func startSession(t *testing.T, connector AgentConnector, tel *fakeConn) (*Session, chan error) {
	t.Helper()
	sess := NewSession(tel, connector, Options{TraceID: "trace-test"})
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(context.Background()) }()
	return sess, errCh
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not terminate")
		return nil
	}
}

const startEvent = `{"event":"start","start":{"streamSid":"SS1","callSid":"CA1","customParameters":{"user_name":"Ada","user_email":"ada@example.com","user_id":"u-1","current_date":"2026-08-28","call_sid":"CA1"}}}`

func TestInitiationConfigSentOnAgentConnect(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	_, errCh := startSession(t, &fakeConnector{conn: agent}, tel)

	waitFor(t, "initiation config", func() bool { return agent.writeCount() >= 1 })
	msg := agent.write(0)
	if msg["type"] != "conversation_initiation_client_data" {
		t.Fatalf("expected initiation client data, got %v", msg["type"])
	}
	vars, ok := msg["dynamic_variables"].(map[string]any)
	if !ok {
		t.Fatalf("expected dynamic_variables map")
	}
	for _, key := range []string{"user_name", "user_email", "user_id", "current_date", "call_sid"} {
		if _, present := vars[key]; !present {
			t.Fatalf("expected dynamic variable %q", key)
		}
	}

	tel.closeFromPeer(1000)
	_ = waitDone(t, errCh)
}

func TestInitiationIncludesCallerMetadata(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	gate := make(chan struct{})
	sess, errCh := startSession(t, &fakeConnector{conn: agent, gate: gate}, tel)

	tel.send(startEvent)
	waitFor(t, "stream start", func() bool { return sess.StreamSID() == "SS1" })
	close(gate)

	waitFor(t, "initiation config", func() bool { return agent.writeCount() >= 1 })
	vars := agent.write(0)["dynamic_variables"].(map[string]any)
	if vars["user_name"] != "Ada" {
		t.Fatalf("expected user_name Ada, got %v", vars["user_name"])
	}
	if vars["call_sid"] != "CA1" {
		t.Fatalf("expected call_sid CA1, got %v", vars["call_sid"])
	}
	waitFor(t, "active state", func() bool { return sess.State() == StateActive })

	tel.closeFromPeer(1000)
	_ = waitDone(t, errCh)
}

func TestTelephonyMediaForwardedToAgentOnly(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	sess, errCh := startSession(t, &fakeConnector{conn: agent}, tel)

	waitFor(t, "agent connected", func() bool { return agent.writeCount() >= 1 })
	tel.send(startEvent)
	waitFor(t, "stream start", func() bool { return sess.StreamSID() == "SS1" })
	tel.send(`{"event":"media","media":{"payload":"QUJD"}}`)

	waitFor(t, "forwarded audio", func() bool { return agent.writeCount() >= 2 })
	if got := agent.write(1)["user_audio_chunk"]; got != "QUJD" {
		t.Fatalf("expected user_audio_chunk QUJD, got %v", got)
	}
	// Forwarding never echoes back to the telephony leg.
	if tel.writeCount() != 0 {
		t.Fatalf("expected no writes to telephony leg, got %d", tel.writeCount())
	}

	tel.closeFromPeer(1000)
	_ = waitDone(t, errCh)
}

func TestAgentAudioDroppedBeforeStreamStart(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	_, errCh := startSession(t, &fakeConnector{conn: agent}, tel)

	agent.send(`{"type":"audio","audio":{"chunk":"AAAA"}}`)
	// The ping acts as a sync point: once the pong is out, the audio
	// message has been handled.
	agent.send(`{"type":"ping","ping_event":{"event_id":"sync"}}`)
	waitFor(t, "pong", func() bool { return agent.writeCount() >= 2 })

	if tel.writeCount() != 0 {
		t.Fatalf("expected audio dropped while streamSid unset, got %d writes", tel.writeCount())
	}

	tel.closeFromPeer(1000)
	_ = waitDone(t, errCh)
}

func TestAgentAudioForwardedBothShapes(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	sess, errCh := startSession(t, &fakeConnector{conn: agent}, tel)

	tel.send(startEvent)
	waitFor(t, "stream start", func() bool { return sess.StreamSID() == "SS1" })

	agent.send(`{"type":"audio","audio":{"chunk":"AAAA"}}`)
	agent.send(`{"type":"audio","audio_event":{"audio_base_64":"BBBB"}}`)
	waitFor(t, "forwarded media", func() bool { return tel.writeCount() >= 2 })

	first := tel.write(0)
	if first["event"] != "media" || first["streamSid"] != "SS1" {
		t.Fatalf("unexpected media message: %v", first)
	}
	if first["media"].(map[string]any)["payload"] != "AAAA" {
		t.Fatalf("expected payload AAAA, got %v", first["media"])
	}
	if tel.write(1)["media"].(map[string]any)["payload"] != "BBBB" {
		t.Fatalf("expected payload BBBB from audio_event shape")
	}

	tel.closeFromPeer(1000)
	_ = waitDone(t, errCh)
}

func TestPingAnsweredWithPongOnAgentLegOnly(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	_, errCh := startSession(t, &fakeConnector{conn: agent}, tel)

	agent.send(`{"type":"ping","ping_event":{"event_id":"p1"}}`)
	waitFor(t, "pong", func() bool { return agent.writeCount() >= 2 })

	pong := agent.write(1)
	if pong["type"] != "pong" || pong["event_id"] != "p1" {
		t.Fatalf("expected pong echoing p1, got %v", pong)
	}
	if tel.writeCount() != 0 {
		t.Fatalf("ping must not reach the telephony leg")
	}

	tel.closeFromPeer(1000)
	_ = waitDone(t, errCh)
}

func TestPongEchoesNumericEventID(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	_, errCh := startSession(t, &fakeConnector{conn: agent}, tel)

	agent.send(`{"type":"ping","ping_event":{"event_id":42}}`)
	waitFor(t, "pong", func() bool { return agent.writeCount() >= 2 })
	if raw := agent.rawWrite(1); !strings.Contains(raw, `"event_id":42`) {
		t.Fatalf("expected numeric event id echoed raw, got %s", raw)
	}

	tel.closeFromPeer(1000)
	_ = waitDone(t, errCh)
}

func TestInterruptionSendsClearOnlyWhenStreamKnown(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	sess, errCh := startSession(t, &fakeConnector{conn: agent}, tel)

	agent.send(`{"type":"interruption"}`)
	agent.send(`{"type":"ping","ping_event":{"event_id":"sync"}}`)
	waitFor(t, "pong", func() bool { return agent.writeCount() >= 2 })
	if tel.writeCount() != 0 {
		t.Fatalf("clear must be gated on streamSid")
	}

	tel.send(startEvent)
	waitFor(t, "stream start", func() bool { return sess.StreamSID() == "SS1" })
	agent.send(`{"type":"interruption"}`)
	waitFor(t, "clear", func() bool { return tel.writeCount() >= 1 })
	clear := tel.write(0)
	if clear["event"] != "clear" || clear["streamSid"] != "SS1" {
		t.Fatalf("unexpected clear message: %v", clear)
	}

	tel.closeFromPeer(1000)
	_ = waitDone(t, errCh)
}

func TestEndCallClosesBothLegs(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	sess, errCh := startSession(t, &fakeConnector{conn: agent}, tel)

	waitFor(t, "agent connected", func() bool { return agent.writeCount() >= 1 })
	agent.send(`{"type":"end_call"}`)

	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tel.isClosed() || !agent.isClosed() {
		t.Fatalf("expected both legs closed")
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", sess.State())
	}
}

func TestAgentNormalCloseStillClosesTelephony(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	sess, errCh := startSession(t, &fakeConnector{conn: agent}, tel)

	waitFor(t, "agent connected", func() bool { return agent.writeCount() >= 1 })
	agent.closeFromPeer(websocket.CloseNormalClosure)

	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tel.isClosed() {
		t.Fatalf("telephony leg must close on any agent closure, including 1000")
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", sess.State())
	}
}

func TestTelephonyStopClosesAgent(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	_, errCh := startSession(t, &fakeConnector{conn: agent}, tel)

	waitFor(t, "agent connected", func() bool { return agent.writeCount() >= 1 })
	tel.send(`{"event":"stop"}`)

	_ = waitDone(t, errCh)
	if !agent.isClosed() {
		t.Fatalf("expected agent leg closed after stop")
	}
}

func TestTelephonyTransportCloseClosesAgent(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	_, errCh := startSession(t, &fakeConnector{conn: agent}, tel)

	waitFor(t, "agent connected", func() bool { return agent.writeCount() >= 1 })
	tel.closeFromPeer(websocket.CloseAbnormalClosure)

	_ = waitDone(t, errCh)
	if !agent.isClosed() {
		t.Fatalf("expected agent leg closed after telephony transport loss")
	}
}

func TestDuplicateTerminalTriggersAreIdempotent(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	sess, errCh := startSession(t, &fakeConnector{conn: agent}, tel)

	waitFor(t, "agent connected", func() bool { return agent.writeCount() >= 1 })
	tel.send(`{"event":"stop"}`)
	agent.send(`{"type":"end_call"}`)

	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tel.closeCount() != 1 {
		t.Fatalf("expected exactly one telephony close, got %d", tel.closeCount())
	}
	if agent.closeCount() != 1 {
		t.Fatalf("expected exactly one agent close, got %d", agent.closeCount())
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", sess.State())
	}
}

func TestAgentSetupFailureClosesTelephony(t *testing.T) {
	tel := newFakeConn()
	setupErr := errorsx.Wrap(errors.New("signed url rejected"), errorsx.ReasonAgentAuth)
	_, errCh := startSession(t, &fakeConnector{err: setupErr}, tel)

	err := waitDone(t, errCh)
	if !errorsx.HasReason(err, errorsx.ReasonAgentAuth) {
		t.Fatalf("expected agent_auth reason, got %v", err)
	}
	if !tel.isClosed() {
		t.Fatalf("expected telephony leg closed after setup failure")
	}
}

func TestMalformedMessagesDoNotTerminateSession(t *testing.T) {
	tel := newFakeConn()
	agent := newFakeConn()
	sess, errCh := startSession(t, &fakeConnector{conn: agent}, tel)

	tel.send(`{not json`)
	agent.send(`garbage`)
	agent.send(`{"type":"weird_event"}`)
	tel.send(`{"event":"dtmf"}`)

	agent.send(`{"type":"ping","ping_event":{"event_id":"alive"}}`)
	waitFor(t, "pong after garbage", func() bool { return agent.writeCount() >= 2 })
	if st := sess.State(); st == StateClosing || st == StateClosed {
		t.Fatalf("session must survive malformed and unknown messages, state %s", st)
	}

	tel.closeFromPeer(1000)
	_ = waitDone(t, errCh)
}
