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
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livebeacon/beacon-server/pkg/auth"
	"github.com/livebeacon/beacon-server/pkg/config"
	"github.com/livebeacon/beacon-server/pkg/gateway"
	"github.com/livebeacon/beacon-server/pkg/rooms"
	"github.com/livebeacon/beacon-server/pkg/routing"
	"github.com/livebeacon/beacon-server/pkg/telemetry/prometheus"
	"github.com/livebeacon/beacon-server/pkg/utils"
)

const (
	teardownReasonSourceLeft  = "source_left"
	teardownReasonTakeover    = "source_takeover"
	teardownReasonEmpty       = "room_empty"
	teardownReasonRemoteEmpty = "remote_empty"
	teardownReasonDeleted     = "deleted"
	teardownReasonDuplicate   = "duplicate"
	teardownReasonStale       = "stale"
)

type JoinRequest struct {
	Room     livekit.RoomName
	Identity livekit.ParticipantIdentity
	AsSource bool
}

type JoinResponse struct {
	Room        livekit.RoomName `json:"room"`
	Token       string           `json:"token"`
	DisplayName string           `json:"displayName"`
	IsSource    bool             `json:"isSource"`
}

type RoomSummary struct {
	Room             livekit.RoomName            `json:"room"`
	DisplayName      string                      `json:"displayName"`
	Source           livekit.ParticipantIdentity `json:"source"`
	ParticipantCount int                         `json:"participantCount"`
	CreatedAt        time.Time                   `json:"createdAt"`
	Recording        bool                        `json:"recording"`
}

// roomMetadata is stored on the remote room so rooms can be attributed to a source even
// when this process never saw them created.
type roomMetadata struct {
	Source      string `json:"source"`
	DisplayName string `json:"displayName"`
}

// RoomManager coordinates room membership, sources and teardown against the media server.
// Room state is mutated only under the room's lock, and never while a gateway call is in flight.
type RoomManager struct {
	config   *config.Config
	store    *rooms.Store
	gateway  gateway.RoomGateway
	notifier routing.Notifier
	issuer   *auth.Issuer
	recorder *RecordingService
	logger   logger.Logger

	// rooms whose remote deletion failed, retried on reconciliation
	tombstoneLock sync.Mutex
	tombstones    map[livekit.RoomName]time.Time

	workerLock sync.Mutex
	cancel     context.CancelFunc
	workers    sync.WaitGroup
}

func NewRoomManager(
	conf *config.Config,
	store *rooms.Store,
	gw gateway.RoomGateway,
	notifier routing.Notifier,
	issuer *auth.Issuer,
	recorder *RecordingService,
) *RoomManager {
	return &RoomManager{
		config:     conf,
		store:      store,
		gateway:    gw,
		notifier:   notifier,
		issuer:     issuer,
		recorder:   recorder,
		logger:     logger.GetLogger().WithValues("component", "roommanager"),
		tombstones: make(map[livekit.RoomName]time.Time),
	}
}

// Join adds identity to a room and issues its join grant. A source join without a room
// creates one; a source that already owns another room has it torn down first.
func (r *RoomManager) Join(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	if req.Identity == "" {
		return nil, ErrIdentityEmpty
	}
	if !req.AsSource && req.Room == "" {
		return nil, ErrNoRoomName
	}

	unlockIdentity := r.store.LockIdentity(req.Identity)
	defer unlockIdentity()

	var (
		res *JoinResponse
		err error
	)
	if req.AsSource {
		res, err = r.joinAsSource(ctx, req)
	} else {
		res, err = r.joinAsViewer(ctx, req)
	}
	if err != nil {
		prometheus.RecordServiceOperation("join", err, string(toTwirpError(err).Code()))
		return nil, err
	}

	res.Token, err = r.issuer.Issue(req.Identity, res.Room, true, true, r.config.Room.TokenTTL)
	if err != nil {
		return nil, err
	}
	prometheus.RecordServiceOperation("join", nil, "")
	return res, nil
}

func (r *RoomManager) joinAsSource(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	identity := req.Identity
	if prev, ok := r.store.FindRoomForSource(identity); ok && prev != req.Room {
		r.logger.Infow("source started a new room, closing previous one", "participant", identity, "room", prev)
		if err := r.closeRoom(ctx, prev, teardownReasonTakeover, r.config.Room.GraceInterval); err != nil {
			r.logger.Warnw("previous room not deleted remotely", err, "room", prev)
		}
		if _, ok := r.store.FindRoomForSource(identity); ok {
			// another teardown of the previous room is still in its grace interval
			return nil, ErrSourceConflict
		}
	}
	r.leaveCurrentRoom(ctx, identity, req.Room)

	name := req.Room
	if name == "" {
		name = utils.NewRoomName()
	} else if _, ok := r.store.Room(name); ok {
		return r.claimRoom(name, identity)
	}

	displayName := r.config.DisplayName(string(identity))
	metadata, err := json.Marshal(roomMetadata{Source: string(identity), DisplayName: displayName})
	if err != nil {
		return nil, err
	}
	_, err = r.gateway.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            string(name),
		EmptyTimeout:    r.config.Room.EmptyTimeout,
		MaxParticipants: r.config.Room.MaxParticipants,
		Metadata:        string(metadata),
	})
	if err != nil {
		return nil, newRemoteError("create room", err)
	}

	unlock := r.store.LockRoom(name)
	if err = r.store.CreateRoom(name, displayName, time.Now()); err != nil {
		unlock()
		return r.claimRoom(name, identity)
	}
	if err = r.store.SetSource(name, identity); err != nil {
		r.store.ClearRoom(name)
		unlock()
		r.addTombstone(name)
		return nil, ErrSourceConflict
	}
	_, _ = r.store.UpsertParticipant(name, identity)
	unlock()

	prometheus.RoomStarted()
	r.logger.Infow("room created", "room", name, "participant", identity)
	r.onJoined(name, identity, true)
	return &JoinResponse{
		Room:        name,
		DisplayName: displayName,
		IsSource:    true,
	}, nil
}

// claimRoom makes identity the source of an existing local room.
func (r *RoomManager) claimRoom(name livekit.RoomName, identity livekit.ParticipantIdentity) (*JoinResponse, error) {
	unlock := r.store.LockRoom(name)
	info, ok := r.store.Room(name)
	if !ok || info.State != rooms.StateActive {
		unlock()
		return nil, ErrRoomEnded
	}
	if err := r.store.SetSource(name, identity); err != nil {
		unlock()
		return nil, ErrSourceConflict
	}
	added, err := r.store.UpsertParticipant(name, identity)
	unlock()
	if err != nil {
		return nil, ErrSourceConflict
	}

	r.onJoined(name, identity, added)
	return &JoinResponse{
		Room:        name,
		DisplayName: info.DisplayName,
		IsSource:    true,
	}, nil
}

func (r *RoomManager) joinAsViewer(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	identity := req.Identity
	active, err := r.IsRoomActive(ctx, req.Room)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrRoomEnded
	}
	r.leaveCurrentRoom(ctx, identity, req.Room)

	unlock := r.store.LockRoom(req.Room)
	info, ok := r.store.Room(req.Room)
	if !ok || info.State != rooms.StateActive || info.Source == "" {
		unlock()
		return nil, ErrRoomEnded
	}
	added, err := r.store.UpsertParticipant(req.Room, identity)
	unlock()
	if err != nil {
		return nil, ErrRoomEnded
	}

	r.onJoined(req.Room, identity, added)
	return &JoinResponse{
		Room:        req.Room,
		DisplayName: info.DisplayName,
		IsSource:    info.Source == identity,
	}, nil
}

func (r *RoomManager) onJoined(name livekit.RoomName, identity livekit.ParticipantIdentity, added bool) {
	r.notifier.JoinRoom(name, identity)
	if added {
		prometheus.AddParticipant()
		r.notifier.SendToRoom(name, routing.NewMessage(routing.EventParticipantJoined, routing.ParticipantEvent{
			Room:     name,
			Identity: identity,
		}), identity)
	}
	if info, ok := r.store.Room(name); ok {
		r.notifier.SendToParticipant(identity, routing.NewMessage(routing.EventRoomParticipants, routing.RoomParticipantsEvent{
			Room:         name,
			Participants: info.Participants,
		}))
	}
}

// leaveCurrentRoom removes identity from any room other than target.
func (r *RoomManager) leaveCurrentRoom(ctx context.Context, identity livekit.ParticipantIdentity, target livekit.RoomName) {
	current, ok := r.store.FindRoomForMember(identity)
	if !ok || current == target {
		return
	}
	if err := r.Leave(ctx, current, identity); err != nil {
		r.logger.Warnw("could not leave previous room", err, "room", current, "participant", identity)
	}
	err := r.gateway.RemoveParticipant(ctx, current, identity)
	if err != nil && !errors.Is(err, gateway.ErrParticipantNotFound) && !errors.Is(err, gateway.ErrRoomNotFound) {
		r.logger.Debugw("could not remove participant from previous room", "room", current, "participant", identity, "error", err)
	}
}

// Leave removes identity from room. A departing source closes the room after the grace
// interval; the last departing participant closes it immediately.
func (r *RoomManager) Leave(ctx context.Context, room livekit.RoomName, identity livekit.ParticipantIdentity) error {
	if identity == "" {
		return ErrIdentityEmpty
	}
	if room == "" {
		return ErrNoRoomName
	}

	unlock := r.store.LockRoom(room)
	info, ok := r.store.Room(room)
	if !ok {
		unlock()
		return nil
	}
	if info.Source == identity {
		unlock()
		return r.closeRoom(ctx, room, teardownReasonSourceLeft, r.config.Room.GraceInterval)
	}
	remaining, removed := r.store.RemoveParticipant(room, identity)
	unlock()
	if !removed {
		return nil
	}

	prometheus.SubParticipant()
	r.notifier.LeaveRoom(room, identity)
	r.notifier.SendToRoom(room, routing.NewMessage(routing.EventParticipantLeft, routing.ParticipantEvent{
		Room:     room,
		Identity: identity,
	}))
	r.logger.Debugw("participant left", "room", room, "participant", identity, "remaining", remaining)

	if remaining == 0 && info.State == rooms.StateActive {
		return r.closeRoom(ctx, room, teardownReasonEmpty, 0)
	}
	return nil
}

// Disconnect leaves whichever room identity is a member of.
func (r *RoomManager) Disconnect(ctx context.Context, identity livekit.ParticipantIdentity) error {
	if identity == "" {
		return ErrIdentityEmpty
	}
	room, ok := r.store.FindRoomForMember(identity)
	if !ok {
		return nil
	}
	return r.Leave(ctx, room, identity)
}

// UpdateLocation stores and broadcasts the location of a source. Updates from identities
// that are not a source are ignored.
func (r *RoomManager) UpdateLocation(_ context.Context, identity livekit.ParticipantIdentity, lat, lon float64) error {
	if identity == "" {
		return ErrIdentityEmpty
	}
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return ErrInvalidLocation
	}
	room, ok := r.store.FindRoomForSource(identity)
	if !ok {
		return nil
	}

	r.store.SetLocation(identity, rooms.Location{
		Latitude:  lat,
		Longitude: lon,
		UpdatedAt: time.Now(),
	})
	r.notifier.Broadcast(locationMessage(identity, room, lat, lon))
	return nil
}

// BroadcastLocations re-sends the last known location of every current source.
func (r *RoomManager) BroadcastLocations() {
	for identity, loc := range r.store.Locations() {
		room, ok := r.store.FindRoomForSource(identity)
		if !ok {
			continue
		}
		r.notifier.Broadcast(locationMessage(identity, room, loc.Latitude, loc.Longitude))
	}
}

func locationMessage(identity livekit.ParticipantIdentity, room livekit.RoomName, lat, lon float64) *routing.Message {
	return routing.NewMessage(routing.EventSourceLocationUpdate, routing.LocationUpdateEvent{
		Identity: identity,
		Location: routing.LocationPayload{Latitude: lat, Longitude: lon},
		Room:     room,
	})
}

// DeleteRoom terminates a room on request of an administrator.
func (r *RoomManager) DeleteRoom(ctx context.Context, room livekit.RoomName) error {
	if room == "" {
		return ErrNoRoomName
	}
	if _, ok := r.store.Room(room); ok {
		return r.closeRoom(ctx, room, teardownReasonDeleted, 0)
	}

	err := r.gateway.DeleteRoom(ctx, room)
	switch {
	case err == nil:
		r.removeTombstone(room)
		return nil
	case errors.Is(err, gateway.ErrRoomNotFound):
		r.removeTombstone(room)
		return ErrRoomNotFound
	default:
		return newRemoteError("delete room", err)
	}
}

func (r *RoomManager) ListRooms() []RoomSummary {
	var summaries []RoomSummary
	for _, info := range r.store.Snapshot() {
		if info.State != rooms.StateActive {
			continue
		}
		summaries = append(summaries, RoomSummary{
			Room:             info.Name,
			DisplayName:      info.DisplayName,
			Source:           info.Source,
			ParticipantCount: len(info.Participants),
			CreatedAt:        info.CreatedAt,
			Recording:        info.Recording != nil,
		})
	}
	return summaries
}

// IsRoomActive reports whether room has a source locally and still exists on the media server.
func (r *RoomManager) IsRoomActive(ctx context.Context, room livekit.RoomName) (bool, error) {
	info, ok := r.store.Room(room)
	if !ok || info.Source == "" || info.State != rooms.StateActive {
		return false, nil
	}
	remote, err := r.gateway.ListRooms(ctx, []livekit.RoomName{room})
	if err != nil {
		return false, newRemoteError("list rooms", err)
	}
	for _, rr := range remote {
		if rr.Name == string(room) {
			return true, nil
		}
	}
	return false, nil
}

// closeRoom drains a room: members other than the source are told to disconnect, then after
// grace the room is deleted remotely and cleared locally. Only the first caller for a room
// does any work.
func (r *RoomManager) closeRoom(ctx context.Context, name livekit.RoomName, reason string, grace time.Duration) error {
	unlock := r.store.LockRoom(name)
	info, ok := r.store.Room(name)
	if !ok || !r.store.MarkDraining(name) {
		unlock()
		return nil
	}
	unlock()

	notify := false
	for _, p := range info.Participants {
		if p != info.Source {
			notify = true
			break
		}
	}
	if notify {
		r.notifier.SendToRoom(name, routing.NewMessage(routing.EventSourceLeft, routing.SourceLeftEvent{
			Room:            name,
			Reason:          reason,
			ForceDisconnect: true,
		}), info.Source)
		if err := utils.Sleep(ctx, grace); err != nil {
			r.logger.Debugw("grace interval cut short", "room", name, "error", err)
		}
	}

	return r.finishTeardown(context.WithoutCancel(ctx), name, reason, true)
}

// finishTeardown stops recording, deletes the remote room when remote is set, and clears
// local state. A failed remote delete leaves a tombstone for reconciliation.
func (r *RoomManager) finishTeardown(ctx context.Context, name livekit.RoomName, reason string, remote bool) error {
	r.recorder.closeForRoom(ctx, name, remote)

	var remoteErr error
	if remote {
		err := r.gateway.DeleteRoom(ctx, name)
		if err != nil && !errors.Is(err, gateway.ErrRoomNotFound) {
			r.addTombstone(name)
			remoteErr = newRemoteError("delete room", err)
		}
	}

	unlock := r.store.LockRoom(name)
	info, cleared := r.store.ClearRoom(name)
	unlock()
	if !cleared {
		return remoteErr
	}

	r.notifier.CloseRoom(name)
	prometheus.RoomEnded(info.CreatedAt, reason)
	for range info.Participants {
		prometheus.SubParticipant()
	}
	if info.Source != "" {
		r.notifier.Broadcast(routing.NewMessage(routing.EventSourceLeft, routing.SourceLeftEvent{
			Room:     name,
			Identity: info.Source,
		}))
	}
	r.logger.Infow("room closed", "room", name, "reason", reason, "participants", len(info.Participants), "remoteDeleted", remote && remoteErr == nil)
	return remoteErr
}

func (r *RoomManager) addTombstone(name livekit.RoomName) {
	r.tombstoneLock.Lock()
	defer r.tombstoneLock.Unlock()
	if _, ok := r.tombstones[name]; !ok {
		r.tombstones[name] = time.Now()
	}
}

func (r *RoomManager) removeTombstone(name livekit.RoomName) {
	r.tombstoneLock.Lock()
	defer r.tombstoneLock.Unlock()
	delete(r.tombstones, name)
}

func (r *RoomManager) pendingDeletes() []livekit.RoomName {
	r.tombstoneLock.Lock()
	defer r.tombstoneLock.Unlock()
	names := make([]livekit.RoomName, 0, len(r.tombstones))
	for name := range r.tombstones {
		names = append(names, name)
	}
	return names
}

// Start launches reconciliation, duplicate cleanup and location re-broadcast workers.
func (r *RoomManager) Start() {
	r.workerLock.Lock()
	defer r.workerLock.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	rc := r.config.Room
	r.runEvery(ctx, rc.ReconcileInterval, func(ctx context.Context) {
		_ = r.Reconcile(ctx)
	})
	r.runEvery(ctx, rc.DuplicateCheckInterval, func(ctx context.Context) {
		_, _ = r.CleanupDuplicateSourceRooms(ctx)
	})
	r.runEvery(ctx, rc.LocationBroadcastInterval, func(context.Context) {
		r.BroadcastLocations()
	})
}

func (r *RoomManager) runEvery(ctx context.Context, interval time.Duration, f func(context.Context)) {
	if interval <= 0 {
		return
	}
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f(ctx)
			}
		}
	}()
}

func (r *RoomManager) Stop() {
	r.workerLock.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.workerLock.Unlock()

	if cancel != nil {
		cancel()
	}
	r.workers.Wait()
}
