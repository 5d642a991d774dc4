package relay

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Conn is the duplex connection surface a leg needs. *websocket.Conn
// satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// closeWriter lets a leg send a polite close frame when the underlying
// connection supports it.
type closeWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// leg wraps one side of a session. Writes are serialized, close is
// idempotent, and writes after close are silently dropped.
type leg struct {
	conn   Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func newLeg(conn Conn) *leg {
	return &leg{conn: conn}
}

func (l *leg) writeJSON(v any) error {
	if l == nil {
		return errors.New("leg not connected")
	}
	if l.closed.Load() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteJSON(v)
}

// close tears the leg down. Closing an already-closed leg is a no-op.
func (l *leg) close() error {
	if l == nil {
		return nil
	}
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if cw, ok := l.conn.(closeWriter); ok {
		l.mu.Lock()
		_ = cw.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		l.mu.Unlock()
	}
	return l.conn.Close()
}

// closeCode extracts the transport close code from a read error. Reads that
// fail without a close frame count as abnormal closure.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
