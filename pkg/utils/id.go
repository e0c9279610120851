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

package utils

import (
	"crypto/rand"

	"github.com/jxskiss/base62"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/utils"
)

const (
	SessionPrefix   = "RS_"
	RecordingPrefix = "RC_"

	roomNameBytes = 8
)

// NewRoomName returns a random, URL safe room name.
func NewRoomName() livekit.RoomName {
	b := make([]byte, roomNameBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms
		return livekit.RoomName(utils.NewGuid("RM_"))
	}
	return livekit.RoomName(base62.EncodeToString(b))
}

func NewSessionID() string {
	return utils.NewGuid(SessionPrefix)
}

func NewRecordingID() string {
	return utils.NewGuid(RecordingPrefix)
}
