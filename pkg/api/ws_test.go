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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetwatch/pkg/broadcast"
	"github.com/carverauto/fleetwatch/pkg/models"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) broadcast.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg broadcast.Message

	require.NoError(t, conn.ReadJSON(&msg))

	return msg
}

func TestWebSocketSnapshotThenUpdates(t *testing.T) {
	f := newAPIFixture(t)

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv)
	defer func() { _ = conn.Close() }()

	msg := readMessage(t, conn)
	assert.Equal(t, broadcast.TypeSnapshot, msg.Type)
	require.Len(t, msg.Hosts, 1)
	assert.Equal(t, "10.0.0.1", msg.Hosts[0].IP)
	require.NotNil(t, msg.Summary)

	f.server.broadcaster.Publish(broadcast.Message{
		Type:         broadcast.TypeStateUpdate,
		ChangedHosts: []models.Machine{{IP: "10.0.0.1", Status: models.StatusOffline}},
	})

	msg = readMessage(t, conn)
	assert.Equal(t, broadcast.TypeStateUpdate, msg.Type)
	require.Len(t, msg.ChangedHosts, 1)
	assert.Equal(t, models.StatusOffline, msg.ChangedHosts[0].Status)
}

func TestWebSocketDisconnectDetachesViewer(t *testing.T) {
	f := newAPIFixture(t)

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn := dialWS(t, srv)

	readMessage(t, conn) // snapshot

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return f.server.broadcaster.ViewerCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketMultipleViewers(t *testing.T) {
	f := newAPIFixture(t)

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	c1 := dialWS(t, srv)
	c2 := dialWS(t, srv)

	defer func() { _ = c1.Close() }()
	defer func() { _ = c2.Close() }()

	readMessage(t, c1)
	readMessage(t, c2)

	f.server.broadcaster.Publish(broadcast.Message{Type: broadcast.TypeSummaryUpdate,
		Summary: &models.NetworkSummary{TotalMachines: 1}})

	for _, conn := range []*websocket.Conn{c1, c2} {
		msg := readMessage(t, conn)
		assert.Equal(t, broadcast.TypeSummaryUpdate, msg.Type)
	}
}
