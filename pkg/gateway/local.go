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
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/utils"
)

type Op string

const (
	OpCreateRoom        Op = "create_room"
	OpDeleteRoom        Op = "delete_room"
	OpListRooms         Op = "list_rooms"
	OpListParticipants  Op = "list_participants"
	OpRemoveParticipant Op = "remove_participant"
	OpStartTrackEgress  Op = "start_track_egress"
	OpStopEgress        Op = "stop_egress"
)

type localRoom struct {
	room         *livekit.Room
	participants map[livekit.ParticipantIdentity]*livekit.ParticipantInfo
}

// LocalGateway is an in-process media server used in development mode and tests.
// Rooms only gain media participants through JoinParticipant.
type LocalGateway struct {
	lock     sync.Mutex
	rooms    map[livekit.RoomName]*localRoom
	egress   map[string]*livekit.EgressInfo
	failures map[Op]error
	calls    map[Op]int
}

func NewLocalGateway() *LocalGateway {
	return &LocalGateway{
		rooms:    make(map[livekit.RoomName]*localRoom),
		egress:   make(map[string]*livekit.EgressInfo),
		failures: make(map[Op]error),
		calls:    make(map[Op]int),
	}
}

// Fail makes every subsequent call of op return err. A nil err clears the failure.
func (g *LocalGateway) Fail(op Op, err error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if err == nil {
		delete(g.failures, op)
		return
	}
	g.failures[op] = err
}

func (g *LocalGateway) Calls(op Op) int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.calls[op]
}

// begin records the call and returns the injected failure, if any. Caller must hold lock.
func (g *LocalGateway) begin(op Op) error {
	g.calls[op]++
	return g.failures[op]
}

func (g *LocalGateway) CreateRoom(_ context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if err := g.begin(OpCreateRoom); err != nil {
		return nil, err
	}

	name := livekit.RoomName(req.Name)
	if existing, ok := g.rooms[name]; ok {
		return proto.Clone(existing.room).(*livekit.Room), nil
	}
	room := &livekit.Room{
		Sid:             utils.NewGuid("RM_"),
		Name:            req.Name,
		EmptyTimeout:    req.EmptyTimeout,
		MaxParticipants: req.MaxParticipants,
		CreationTime:    time.Now().Unix(),
		Metadata:        req.Metadata,
	}
	g.rooms[name] = &localRoom{
		room:         room,
		participants: make(map[livekit.ParticipantIdentity]*livekit.ParticipantInfo),
	}
	return proto.Clone(room).(*livekit.Room), nil
}

// InsertRoom registers a room as if it had been created by another process.
func (g *LocalGateway) InsertRoom(room *livekit.Room) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.rooms[livekit.RoomName(room.Name)] = &localRoom{
		room:         proto.Clone(room).(*livekit.Room),
		participants: make(map[livekit.ParticipantIdentity]*livekit.ParticipantInfo),
	}
}

// DropRoom removes a room without a DeleteRoom call, as when the server expires it.
func (g *LocalGateway) DropRoom(name livekit.RoomName) {
	g.lock.Lock()
	defer g.lock.Unlock()
	delete(g.rooms, name)
}

func (g *LocalGateway) HasRoom(name livekit.RoomName) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	_, ok := g.rooms[name]
	return ok
}

// JoinParticipant adds a media participant publishing one track per kind.
func (g *LocalGateway) JoinParticipant(name livekit.RoomName, identity livekit.ParticipantIdentity, kinds ...livekit.TrackType) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	lr, ok := g.rooms[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	p := &livekit.ParticipantInfo{
		Sid:      utils.NewGuid("PA_"),
		Identity: string(identity),
		State:    livekit.ParticipantInfo_ACTIVE,
		JoinedAt: time.Now().Unix(),
	}
	for _, kind := range kinds {
		p.Tracks = append(p.Tracks, &livekit.TrackInfo{
			Sid:  utils.NewGuid("TR_"),
			Type: kind,
			Name: kind.String(),
		})
	}
	lr.participants[identity] = p
	return nil
}

func (g *LocalGateway) DeleteRoom(_ context.Context, name livekit.RoomName) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if err := g.begin(OpDeleteRoom); err != nil {
		return err
	}
	if _, ok := g.rooms[name]; !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	delete(g.rooms, name)

	now := time.Now().UnixNano()
	for _, info := range g.egress {
		if info.RoomName == string(name) && info.Status == livekit.EgressStatus_EGRESS_ACTIVE {
			info.Status = livekit.EgressStatus_EGRESS_ABORTED
			info.EndedAt = now
		}
	}
	return nil
}

func (g *LocalGateway) ListRooms(_ context.Context, names []livekit.RoomName) ([]*livekit.Room, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if err := g.begin(OpListRooms); err != nil {
		return nil, err
	}

	var filter map[livekit.RoomName]bool
	if names != nil {
		filter = make(map[livekit.RoomName]bool, len(names))
		for _, n := range names {
			filter[n] = true
		}
	}

	rooms := make([]*livekit.Room, 0, len(g.rooms))
	for name, lr := range g.rooms {
		if filter != nil && !filter[name] {
			continue
		}
		room := proto.Clone(lr.room).(*livekit.Room)
		room.NumParticipants = uint32(len(lr.participants))
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].Name < rooms[j].Name
	})
	return rooms, nil
}

func (g *LocalGateway) ListParticipants(_ context.Context, name livekit.RoomName) ([]*livekit.ParticipantInfo, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if err := g.begin(OpListParticipants); err != nil {
		return nil, err
	}
	lr, ok := g.rooms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	participants := make([]*livekit.ParticipantInfo, 0, len(lr.participants))
	for _, p := range lr.participants {
		participants = append(participants, proto.Clone(p).(*livekit.ParticipantInfo))
	}
	return participants, nil
}

func (g *LocalGateway) RemoveParticipant(_ context.Context, name livekit.RoomName, identity livekit.ParticipantIdentity) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if err := g.begin(OpRemoveParticipant); err != nil {
		return err
	}
	lr, ok := g.rooms[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	if _, ok := lr.participants[identity]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrParticipantNotFound, name, identity)
	}
	delete(lr.participants, identity)
	return nil
}

func (g *LocalGateway) StartTrackEgress(
	_ context.Context,
	name livekit.RoomName,
	trackID livekit.TrackID,
	output *livekit.DirectFileOutput,
) (*livekit.EgressInfo, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if err := g.begin(OpStartTrackEgress); err != nil {
		return nil, err
	}
	lr, ok := g.rooms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}

	found := false
	for _, p := range lr.participants {
		for _, track := range p.Tracks {
			if track.Sid == string(trackID) {
				found = true
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("track %s is not published in room %s", trackID, name)
	}

	info := &livekit.EgressInfo{
		EgressId:  utils.NewGuid("EG_"),
		RoomId:    lr.room.Sid,
		RoomName:  string(name),
		Status:    livekit.EgressStatus_EGRESS_ACTIVE,
		StartedAt: time.Now().UnixNano(),
		Request: &livekit.EgressInfo_Track{
			Track: &livekit.TrackEgressRequest{
				RoomName: string(name),
				TrackId:  string(trackID),
				Output:   &livekit.TrackEgressRequest_File{File: output},
			},
		},
	}
	g.egress[info.EgressId] = info
	return proto.Clone(info).(*livekit.EgressInfo), nil
}

func (g *LocalGateway) StopEgress(_ context.Context, egressID string) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if err := g.begin(OpStopEgress); err != nil {
		return err
	}
	info, ok := g.egress[egressID]
	if !ok || info.Status != livekit.EgressStatus_EGRESS_ACTIVE {
		return fmt.Errorf("%w: %s", ErrEgressNotFound, egressID)
	}
	info.Status = livekit.EgressStatus_EGRESS_COMPLETE
	info.EndedAt = time.Now().UnixNano()
	return nil
}

// ActiveEgress returns ids of egress that have been started and not yet stopped.
func (g *LocalGateway) ActiveEgress() []string {
	g.lock.Lock()
	defer g.lock.Unlock()
	var ids []string
	for id, info := range g.egress {
		if info.Status == livekit.EgressStatus_EGRESS_ACTIVE {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
