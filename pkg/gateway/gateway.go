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

package gateway

import (
	"context"
	"errors"

	"github.com/twitchtv/twirp"

	"github.com/livekit/protocol/livekit"
)

var (
	ErrRoomNotFound        = errors.New("room does not exist on media server")
	ErrParticipantNotFound = errors.New("participant does not exist on media server")
	ErrEgressNotFound      = errors.New("egress does not exist on media server")
)

// RoomGateway is the media server as seen by the coordinator. Every method is a remote call
// and must not be invoked while holding a room lock.
type RoomGateway interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
	DeleteRoom(ctx context.Context, room livekit.RoomName) error
	// ListRooms returns active rooms. A nil names slice lists every room.
	ListRooms(ctx context.Context, names []livekit.RoomName) ([]*livekit.Room, error)
	ListParticipants(ctx context.Context, room livekit.RoomName) ([]*livekit.ParticipantInfo, error)
	RemoveParticipant(ctx context.Context, room livekit.RoomName, identity livekit.ParticipantIdentity) error
	StartTrackEgress(ctx context.Context, room livekit.RoomName, trackID livekit.TrackID, output *livekit.DirectFileOutput) (*livekit.EgressInfo, error)
	StopEgress(ctx context.Context, egressID string) error
}

func isTwirpNotFound(err error) bool {
	var twErr twirp.Error
	return errors.As(err, &twErr) && twErr.Code() == twirp.NotFound
}
