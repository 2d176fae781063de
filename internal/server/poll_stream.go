//go:build !js || !wasm

package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API only listens locally and is guarded by the admin key.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pollStreamHandler handles GET /v1/orders/{ref}/poll/stream. Each state
// change is sent as a JSON snapshot; the server closes the socket after
// the final one.
func (s *Server) pollStreamHandler(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	sess, ok := s.polls.Get(ref)
	if !ok {
		s.writeError(w, errNoPoll(ref))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	// Drain client frames so close and pong control frames are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "poll finished"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				s.logger.Debug().Err(err).Str("transaction_ref", ref).Msg("Poll stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case <-clientGone:
			s.logger.Debug().Str("transaction_ref", ref).Msg("Poll stream client disconnected")
			return
		}
	}
}
