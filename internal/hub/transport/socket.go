// Package transport hosts the two upgrade paths — /ws/agent and
// /ws/dashboard — on one gin mux, performs upgrade-time authentication, and
// runs the per-connection frame loop that feeds decoded envelopes to the
// Dispatcher (§4.1).
package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sonde-hub/sonde/pkg/envelope"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize is the 1 MiB per-frame cap (§4.1, §6).
	maxFrameSize = 1 << 20
)

// socket wraps one gorilla/websocket connection with a serialized writer, so
// concurrent sends from multiple goroutines never interleave frames on the
// wire (§5 "sends are cheap and must be serialized per socket").
type socket struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

func newSocket(conn *websocket.Conn) *socket {
	conn.SetReadLimit(maxFrameSize)
	return &socket{conn: conn}
}

// Send implements dispatcher.Socket.
func (s *socket) Send(e *envelope.Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.writeRaw(data)
}

// SendJSON implements dispatcher.Observer for dashboard sockets.
func (s *socket) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeRaw(data)
}

func (s *socket) writeRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *socket) close() {
	s.writeMu.Lock()
	s.closed = true
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// keepalive runs ping ticks until stopC is closed or a ping fails.
func (s *socket) keepalive(stopC <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stopC:
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}
