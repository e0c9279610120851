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

package routing

import (
	"github.com/livekit/protocol/livekit"
)

type EventType string

const (
	EventParticipantJoined    EventType = "participant-joined"
	EventParticipantLeft      EventType = "participant-left"
	EventRoomParticipants     EventType = "room-participants"
	EventSourceLeft           EventType = "source-left"
	EventSourceLocationUpdate EventType = "source-location-update"
	EventRecordingStarted     EventType = "recording-started"
	EventRecordingStopped     EventType = "recording-stopped"
	EventRecordingError       EventType = "recording-error"
	EventRoomJoined           EventType = "room-joined"
	EventError                EventType = "error"
)

// Message is the JSON envelope written to signal connections.
type Message struct {
	Event EventType   `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type ParticipantEvent struct {
	Room     livekit.RoomName            `json:"room"`
	Identity livekit.ParticipantIdentity `json:"identity"`
}

type RoomParticipantsEvent struct {
	Room         livekit.RoomName              `json:"room"`
	Participants []livekit.ParticipantIdentity `json:"participants"`
}

// SourceLeftEvent is sent to room members with Reason and ForceDisconnect set, and broadcast
// globally with Identity set.
type SourceLeftEvent struct {
	Room            livekit.RoomName            `json:"room,omitempty"`
	Identity        livekit.ParticipantIdentity `json:"identity,omitempty"`
	Reason          string                      `json:"reason,omitempty"`
	ForceDisconnect bool                        `json:"forceDisconnect,omitempty"`
}

type LocationPayload struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

type LocationUpdateEvent struct {
	Identity livekit.ParticipantIdentity `json:"identity"`
	Location LocationPayload             `json:"location"`
	Room     livekit.RoomName            `json:"room"`
}

type RecordingEvent struct {
	Room      livekit.RoomName `json:"room"`
	SessionID string           `json:"sessionId,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

type RoomJoinedEvent struct {
	Room        livekit.RoomName `json:"room"`
	DisplayName string           `json:"displayName"`
	IsSource    bool             `json:"isSource"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewMessage(event EventType, data interface{}) *Message {
	return &Message{Event: event, Data: data}
}
