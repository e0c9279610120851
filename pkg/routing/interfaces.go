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

// Notifier fans messages out to connected clients. Every send is at-most-once: a client that
// is not connected, or whose outbound buffer is full, misses the message.
type Notifier interface {
	SendToParticipant(identity livekit.ParticipantIdentity, msg *Message)
	// SendToRoom delivers to every member of the room's group except the listed identities.
	SendToRoom(room livekit.RoomName, msg *Message, except ...livekit.ParticipantIdentity)
	Broadcast(msg *Message)

	JoinRoom(room livekit.RoomName, identity livekit.ParticipantIdentity)
	LeaveRoom(room livekit.RoomName, identity livekit.ParticipantIdentity)
	CloseRoom(room livekit.RoomName)
}
