package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GeminiLight/OverLink/internal/mirror"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 8192
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS already allows any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWSMirror runs the mirror stream over a WebSocket. The first client
// message is the job; every event is sent as one JSON text frame. Closing
// the socket cancels the job.
func (s *Server) handleWSMirror(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed.", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	var job mirror.Job
	if err := conn.ReadJSON(&job); err != nil {
		s.logger.Debug("WebSocket closed before a job arrived.", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := make(chan mirror.Event, sendBufferSize)
	done := make(chan struct{})
	go s.writePump(conn, send, done, cancel)
	go readPump(conn, cancel)

	if msg := validateJob(job); msg != "" {
		send <- mirror.Event{Type: mirror.EventError, Message: msg}
	} else {
		s.mirror.Mirror(ctx, job, func(e mirror.Event) {
			select {
			case send <- e:
			case <-ctx.Done():
			}
		})
	}
	close(send)
	<-done
}

// readPump only watches for pongs and the close frame.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, send <-chan mirror.Event, done chan<- struct{}, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	failed := false
	for {
		select {
		case e, ok := <-send:
			if !ok {
				if !failed {
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("WebSocket write failed.", zap.Error(err))
				failed = true
				cancel()
			}
		case <-ticker.C:
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				failed = true
				cancel()
			}
		}
	}
}
