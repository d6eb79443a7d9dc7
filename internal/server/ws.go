package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/sandbox-executor/internal/chatproxy"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsWriteWait  = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // every origin is accepted; withCORS only sets headers and rejects nothing
}

// wsClientMessage is a control-or-payload message from the client, mirroring
// the teacher's single envelope type distinguishing command kind by a "type"
// discriminator rather than separate sub-protocols.
type wsClientMessage struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
	Tag    string `json:"tag"`
}

// wsConn pairs a websocket connection with the write mutex the teacher's
// gateway.go guards every write with: gorilla/websocket forbids concurrent
// writers, and the ping loop and turn-event pump write to the same
// connection from different goroutines.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// handleWSAgent is the alternative transport for chat_stream named in
// SPEC_FULL.md's domain stack table: a websocket upgrade carrying the same
// chatproxy.Event sequence the SSE endpoint emits, for edges that prefer a
// bidirectional socket (e.g. to interleave interrupt without a second HTTP
// request).
func (s *Server) handleWSAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "session_id", id, "err", err)
		return
	}
	defer conn.Close()

	wc := &wsConn{conn: conn}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	done := make(chan struct{})
	go s.wsPingLoop(wc, done)
	defer close(done)

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("ws read error", "session_id", id, "err", err)
			}
			return
		}

		switch msg.Type {
		case "interrupt":
			if err := s.core.Proxy().Interrupt(id); err != nil {
				s.wsWriteError(wc, err)
			}
		case "prompt":
			s.wsRunTurn(wc, r, id, msg)
		default:
			s.wsWriteError(wc, fmt.Errorf("unknown ws message type: %q", msg.Type))
		}
	}
}

func (s *Server) wsRunTurn(wc *wsConn, r *http.Request, sessionID string, msg wsClientMessage) {
	stream, err := s.core.Proxy().ChatStream(r.Context(), sessionID, msg.Prompt, chatproxy.TaskTag(msg.Tag))
	if err != nil {
		s.wsWriteError(wc, err)
		return
	}
	for ev := range stream {
		if err := wc.writeJSON(ev); err != nil {
			slog.Warn("ws write failed", "session_id", sessionID, "err", err)
			return
		}
	}
}

func (s *Server) wsWriteError(wc *wsConn, err error) {
	_ = wc.writeJSON(chatproxy.Event{Type: chatproxy.EventError, Text: err.Error()})
}

func (s *Server) wsPingLoop(wc *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := wc.writePing(); err != nil {
				return
			}
		}
	}
}

