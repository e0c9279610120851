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
	"fmt"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/livekit/protocol/livekit"

	"github.com/livebeacon/beacon-server/pkg/config"
)

// LiveKitGateway talks to a LiveKit server through its twirp room and egress services.
type LiveKitGateway struct {
	rooms   *lksdk.RoomServiceClient
	egress  *lksdk.EgressClient
	timeout time.Duration
}

func NewLiveKitGateway(conf config.LiveKitConfig) *LiveKitGateway {
	return &LiveKitGateway{
		rooms:   lksdk.NewRoomServiceClient(conf.URL, conf.APIKey, conf.APISecret),
		egress:  lksdk.NewEgressClient(conf.URL, conf.APIKey, conf.APISecret),
		timeout: conf.RequestTimeout,
	}
}

func (g *LiveKitGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *LiveKitGateway) CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.rooms.CreateRoom(ctx, req)
}

func (g *LiveKitGateway) DeleteRoom(ctx context.Context, room livekit.RoomName) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	_, err := g.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: string(room)})
	if isTwirpNotFound(err) {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, room)
	}
	return err
}

func (g *LiveKitGateway) ListRooms(ctx context.Context, names []livekit.RoomName) ([]*livekit.Room, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	req := &livekit.ListRoomsRequest{}
	for _, name := range names {
		req.Names = append(req.Names, string(name))
	}
	res, err := g.rooms.ListRooms(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Rooms, nil
}

func (g *LiveKitGateway) ListParticipants(ctx context.Context, room livekit.RoomName) ([]*livekit.ParticipantInfo, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	res, err := g.rooms.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: string(room)})
	if err != nil {
		if isTwirpNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, room)
		}
		return nil, err
	}
	return res.Participants, nil
}

func (g *LiveKitGateway) RemoveParticipant(ctx context.Context, room livekit.RoomName, identity livekit.ParticipantIdentity) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	_, err := g.rooms.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     string(room),
		Identity: string(identity),
	})
	if isTwirpNotFound(err) {
		return fmt.Errorf("%w: %s/%s", ErrParticipantNotFound, room, identity)
	}
	return err
}

func (g *LiveKitGateway) StartTrackEgress(
	ctx context.Context,
	room livekit.RoomName,
	trackID livekit.TrackID,
	output *livekit.DirectFileOutput,
) (*livekit.EgressInfo, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.egress.StartTrackEgress(ctx, &livekit.TrackEgressRequest{
		RoomName: string(room),
		TrackId:  string(trackID),
		Output: &livekit.TrackEgressRequest_File{
			File: output,
		},
	})
}

func (g *LiveKitGateway) StopEgress(ctx context.Context, egressID string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	_, err := g.egress.StopEgress(ctx, &livekit.StopEgressRequest{EgressId: egressID})
	if isTwirpNotFound(err) {
		return fmt.Errorf("%w: %s", ErrEgressNotFound, egressID)
	}
	return err
}
