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
	"time"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livebeacon/beacon-server/pkg/telemetry/prometheus"
)

type instrumentedGateway struct {
	RoomGateway
	logger logger.Logger
}

// Instrument wraps a gateway so every call is timed and failures are logged.
func Instrument(g RoomGateway, l logger.Logger) RoomGateway {
	return &instrumentedGateway{
		RoomGateway: g,
		logger:      l.WithValues("component", "gateway"),
	}
}

func (g *instrumentedGateway) observe(op Op, started time.Time, err error, keysAndValues ...interface{}) {
	prometheus.RecordGatewayRequest(string(op), started, err)
	switch {
	case err == nil:
		g.logger.Debugw("gateway call", append(keysAndValues, "op", op, "duration", time.Since(started))...)
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrParticipantNotFound), errors.Is(err, ErrEgressNotFound):
		g.logger.Debugw("gateway call: not found", append(keysAndValues, "op", op, "error", err)...)
	default:
		g.logger.Warnw("gateway call failed", err, append(keysAndValues, "op", op)...)
	}
}

func (g *instrumentedGateway) CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error) {
	started := time.Now()
	room, err := g.RoomGateway.CreateRoom(ctx, req)
	g.observe(OpCreateRoom, started, err, "room", req.Name)
	return room, err
}

func (g *instrumentedGateway) DeleteRoom(ctx context.Context, room livekit.RoomName) error {
	started := time.Now()
	err := g.RoomGateway.DeleteRoom(ctx, room)
	g.observe(OpDeleteRoom, started, err, "room", room)
	return err
}

func (g *instrumentedGateway) ListRooms(ctx context.Context, names []livekit.RoomName) ([]*livekit.Room, error) {
	started := time.Now()
	rooms, err := g.RoomGateway.ListRooms(ctx, names)
	g.observe(OpListRooms, started, err, "filter", len(names), "count", len(rooms))
	return rooms, err
}

func (g *instrumentedGateway) ListParticipants(ctx context.Context, room livekit.RoomName) ([]*livekit.ParticipantInfo, error) {
	started := time.Now()
	participants, err := g.RoomGateway.ListParticipants(ctx, room)
	g.observe(OpListParticipants, started, err, "room", room, "count", len(participants))
	return participants, err
}

func (g *instrumentedGateway) RemoveParticipant(ctx context.Context, room livekit.RoomName, identity livekit.ParticipantIdentity) error {
	started := time.Now()
	err := g.RoomGateway.RemoveParticipant(ctx, room, identity)
	g.observe(OpRemoveParticipant, started, err, "room", room, "participant", identity)
	return err
}

func (g *instrumentedGateway) StartTrackEgress(
	ctx context.Context,
	room livekit.RoomName,
	trackID livekit.TrackID,
	output *livekit.DirectFileOutput,
) (*livekit.EgressInfo, error) {
	started := time.Now()
	info, err := g.RoomGateway.StartTrackEgress(ctx, room, trackID, output)
	g.observe(OpStartTrackEgress, started, err, "room", room, "trackID", trackID, "filepath", output.GetFilepath())
	return info, err
}

func (g *instrumentedGateway) StopEgress(ctx context.Context, egressID string) error {
	started := time.Now()
	err := g.RoomGateway.StopEgress(ctx, egressID)
	g.observe(OpStopEgress, started, err, "egressID", egressID)
	return err
}
