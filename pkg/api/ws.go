/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carverauto/fleetwatch/pkg/broadcast"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// handleWebSocket attaches the client as a live viewer. The first message
// it receives is always the full fleet snapshot.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.checkWebSocketOrigin(r)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade to WebSocket")
		return
	}

	viewer := s.broadcaster.Attach()

	s.logger.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("viewer_id", viewer.ID).
		Msg("WebSocket viewer connected")

	defer func() {
		s.broadcaster.Detach(viewer)
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.readPump(conn, cancel)

	s.writePump(ctx, conn, viewer)
}

// checkWebSocketOrigin mirrors the CORS policy: empty configuration allows
// any origin.
func (s *Server) checkWebSocketOrigin(r *http.Request) bool {
	if len(s.corsOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}

	return false
}

// readPump drains client frames so pong handlers run and disconnects are
// noticed promptly. Viewers never send application messages.
func (s *Server) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("WebSocket read error")
			}

			return
		}
	}
}

// writePump forwards viewer messages and keeps the connection alive with
// pings. One slow or dead connection only ever stalls itself; the
// broadcaster has already decoupled it from the publishers.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, viewer *broadcast.Viewer) {
	pinger := time.NewTicker(wsPingPeriod)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-viewer.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug().Err(err).Str("viewer_id", viewer.ID).Msg("WebSocket write failed")
				return
			}
		case <-pinger.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
