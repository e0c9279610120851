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

package routing_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livebeacon/beacon-server/pkg/routing"
)

func drain(ch *routing.MessageChannel) []routing.EventType {
	var events []routing.EventType
	for {
		select {
		case msg := <-ch.ReadChan():
			events = append(events, msg.Event)
		default:
			return events
		}
	}
}

func TestSignalHubRoomFanout(t *testing.T) {
	hub := routing.NewSignalHub(8)
	alice := hub.Register("alice")
	bob := hub.Register("bob")
	carol := hub.Register("carol")

	hub.JoinRoom("r1", "alice")
	hub.JoinRoom("r1", "bob")
	require.Equal(t, 2, len(hub.RoomMembers("r1")))

	hub.SendToRoom("r1", routing.NewMessage(routing.EventParticipantJoined, routing.ParticipantEvent{Room: "r1", Identity: "bob"}), "bob")
	require.Equal(t, []routing.EventType{routing.EventParticipantJoined}, drain(alice))
	require.Empty(t, drain(bob))
	require.Empty(t, drain(carol))

	hub.SendToParticipant("bob", routing.NewMessage(routing.EventRoomParticipants, nil))
	require.Equal(t, []routing.EventType{routing.EventRoomParticipants}, drain(bob))

	hub.Broadcast(routing.NewMessage(routing.EventSourceLeft, routing.SourceLeftEvent{Identity: "alice"}))
	require.Len(t, drain(alice), 1)
	require.Len(t, drain(bob), 1)
	require.Len(t, drain(carol), 1)

	hub.LeaveRoom("r1", "bob")
	hub.SendToRoom("r1", routing.NewMessage(routing.EventParticipantLeft, nil))
	require.Len(t, drain(alice), 1)
	require.Empty(t, drain(bob))

	hub.CloseRoom("r1")
	require.Empty(t, hub.RoomMembers("r1"))
}

func TestSignalHubMultipleConnections(t *testing.T) {
	hub := routing.NewSignalHub(8)
	first := hub.Register("alice")
	second := hub.Register("alice")
	hub.JoinRoom("r1", "alice")

	hub.SendToRoom("r1", routing.NewMessage(routing.EventRecordingStarted, nil))
	require.Len(t, drain(first), 1)
	require.Len(t, drain(second), 1)

	first.Close()
	require.True(t, hub.IsConnected("alice"))
	second.Close()
	require.False(t, hub.IsConnected("alice"))

	// membership survives disconnects, sends to absent members are dropped
	hub.SendToRoom("r1", routing.NewMessage(routing.EventRecordingStopped, nil))
	require.Equal(t, 1, len(hub.RoomMembers("r1")))
}
