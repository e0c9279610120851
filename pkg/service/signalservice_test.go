// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"

	"github.com/livebeacon/beacon-server/pkg/routing"
	"github.com/livebeacon/beacon-server/pkg/testutils"
)

type receivedEvent struct {
	Event routing.EventType `json:"event"`
	Data  json.RawMessage   `json:"data"`
}

func newSignalServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewSignalService(f.manager, f.recorder, f.hub).SetupRoutes(mux)
	authMiddleware := NewAPIKeyAuthMiddleware(f.verifier)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authMiddleware.ServeHTTP(w, r, mux.ServeHTTP)
	}))
	t.Cleanup(server.Close)
	return server
}

func dialSignal(t *testing.T, server *httptest.Server, f *fixture, identity livekit.ParticipantIdentity) *websocket.Conn {
	t.Helper()
	token, err := f.issuer.Issue(identity, "", true, true, 0)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// the hub registers the connection right after the upgrade
	testutils.WithTimeout(t, func() string {
		if !f.hub.IsConnected(identity) {
			return "connection not registered"
		}
		return ""
	})
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(clientEvent{Event: event, Data: payload}))
}

func readUntil(t *testing.T, conn *websocket.Conn, event routing.EventType) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testutils.DefaultTimeout)))
	for {
		var msg receivedEvent
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", event)
		if msg.Event == event {
			return msg.Data
		}
	}
}

func TestSignalConnectionRequiresToken(t *testing.T) {
	f := newFixture(t)
	server := newSignalServer(t, f)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestSignalSession(t *testing.T) {
	f := newFixture(t)
	server := newSignalServer(t, f)
	alice := dialSignal(t, server, f, "alice")
	bob := dialSignal(t, server, f, "bob")

	sendEvent(t, alice, clientJoinRoom, joinRoomData{IsSource: true})
	var joined routing.RoomJoinedEvent
	require.NoError(t, json.Unmarshal(readUntil(t, alice, routing.EventRoomJoined), &joined))
	require.True(t, joined.IsSource)
	require.NotEmpty(t, joined.Room)

	sendEvent(t, bob, clientJoinRoom, joinRoomData{Room: string(joined.Room)})
	var participants routing.RoomParticipantsEvent
	require.NoError(t, json.Unmarshal(readUntil(t, bob, routing.EventRoomParticipants), &participants))
	require.ElementsMatch(t, []livekit.ParticipantIdentity{"alice", "bob"}, participants.Participants)

	var newcomer routing.ParticipantEvent
	require.NoError(t, json.Unmarshal(readUntil(t, alice, routing.EventParticipantJoined), &newcomer))
	require.Equal(t, livekit.ParticipantIdentity("bob"), newcomer.Identity)

	sendEvent(t, alice, clientLocationUpdate, map[string]float64{"lat": 48.85, "lng": 2.35})
	var update routing.LocationUpdateEvent
	require.NoError(t, json.Unmarshal(readUntil(t, bob, routing.EventSourceLocationUpdate), &update))
	require.Equal(t, livekit.ParticipantIdentity("alice"), update.Identity)
	require.InDelta(t, 48.85, update.Location.Latitude, 1e-9)

	// nothing is published, so recording cannot start
	sendEvent(t, alice, clientStartRecording, roomData{Room: string(joined.Room)})
	var recErr routing.RecordingEvent
	require.NoError(t, json.Unmarshal(readUntil(t, alice, routing.EventRecordingError), &recErr))
	require.Equal(t, joined.Room, recErr.Room)
	require.NotEmpty(t, recErr.Reason)

	// source disconnecting ends the room for everyone
	require.NoError(t, alice.Close())
	var left routing.SourceLeftEvent
	require.NoError(t, json.Unmarshal(readUntil(t, bob, routing.EventSourceLeft), &left))
	require.True(t, left.ForceDisconnect)

	testutils.WithTimeout(t, func() string {
		if _, ok := f.store.Room(joined.Room); ok {
			return "room not closed"
		}
		return ""
	})
}

func TestSignalInvalidEvents(t *testing.T) {
	f := newFixture(t)
	server := newSignalServer(t, f)
	bob := dialSignal(t, server, f, "bob")

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("not json")))
	var errEvent routing.ErrorEvent
	require.NoError(t, json.Unmarshal(readUntil(t, bob, routing.EventError), &errEvent))
	require.Equal(t, "invalid_argument", errEvent.Code)

	sendEvent(t, bob, clientJoinRoom, joinRoomData{Room: "missing"})
	require.NoError(t, json.Unmarshal(readUntil(t, bob, routing.EventError), &errEvent))
	require.Equal(t, "not_found", errEvent.Code)

	sendEvent(t, bob, clientLocationUpdate, map[string]float64{"lat": 1})
	require.NoError(t, json.Unmarshal(readUntil(t, bob, routing.EventError), &errEvent))
	require.Equal(t, ErrInvalidLocation.Msg(), errEvent.Message)

	// the connection survives bad input
	sendEvent(t, bob, "unknown-event", nil)
	sendEvent(t, bob, clientStopRecording, roomData{Room: "missing"})
	var recErr routing.RecordingEvent
	require.NoError(t, json.Unmarshal(readUntil(t, bob, routing.EventRecordingError), &recErr))
	require.Equal(t, livekit.RoomName("missing"), recErr.Room)
}
