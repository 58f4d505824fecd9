package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"videovault/internal/job"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// handleWatch streams every snapshot of a job until it is reclaimed or the
// client goes away.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "id", id, "error", err)
		return
	}
	defer conn.Close()

	sub, err := s.mgr.Subscribe(id)
	if err != nil {
		reason := "internal error"
		if errors.Is(err, job.ErrNotFound) {
			reason = "job not found"
		}
		closeWith(conn, websocket.ClosePolicyViolation, reason)
		return
	}
	defer s.mgr.Unsubscribe(sub)
	s.logger.Debug("websocket attached", "id", id)

	gone := make(chan struct{})
	go readUntilClosed(conn, gone)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case snap, ok := <-sub.C:
			if !ok {
				closeWith(conn, websocket.CloseNormalClosure, "job closed")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				s.logger.Debug("websocket write failed", "id", id, "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			s.logger.Debug("websocket detached", "id", id)
			return
		case <-r.Context().Done():
			return
		}
	}
}

// readUntilClosed drains client frames so pongs and close frames are
// processed; gone is closed when the connection fails.
func readUntilClosed(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
