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

package rooms

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
)

var (
	ErrRoomNotFound           = errors.New("room not found")
	ErrRoomExists             = errors.New("room already exists")
	ErrParticipantInOtherRoom = errors.New("participant is a member of another room")
	ErrSourceConflict         = errors.New("identity is already the source of another room")
	ErrRoomHasSource          = errors.New("room already has a different source")
	ErrRecordingOpen          = errors.New("room already has an open recording session")
	ErrNoRecording            = errors.New("room has no open recording session")
)

type State int

const (
	StateActive State = iota
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

type Location struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	UpdatedAt time.Time `json:"-"`
}

// RecordingHandle references the open recording session of a room. EgressIDs is empty while
// the session is reserved but its egress is still being started.
type RecordingHandle struct {
	SessionID string
	Requester livekit.ParticipantIdentity
	EgressIDs []string
	StartedAt time.Time
}

func (h *RecordingHandle) clone() *RecordingHandle {
	if h == nil {
		return nil
	}
	c := *h
	c.EgressIDs = append([]string(nil), h.EgressIDs...)
	return &c
}

// RoomInfo is a point-in-time copy of a room. Mutating it does not affect the store.
type RoomInfo struct {
	Name         livekit.RoomName
	DisplayName  string
	Source       livekit.ParticipantIdentity
	Participants []livekit.ParticipantIdentity
	CreatedAt    time.Time
	State        State
	Recording    *RecordingHandle
}

func (r RoomInfo) HasParticipant(identity livekit.ParticipantIdentity) bool {
	for _, p := range r.Participants {
		if p == identity {
			return true
		}
	}
	return false
}

type room struct {
	name         livekit.RoomName
	displayName  string
	source       livekit.ParticipantIdentity
	participants map[livekit.ParticipantIdentity]struct{}
	createdAt    time.Time
	state        State
	recording    *RecordingHandle
}

func (r *room) info() RoomInfo {
	participants := make([]livekit.ParticipantIdentity, 0, len(r.participants))
	for p := range r.participants {
		participants = append(participants, p)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i] < participants[j] })
	return RoomInfo{
		Name:         r.name,
		DisplayName:  r.displayName,
		Source:       r.source,
		Participants: participants,
		CreatedAt:    r.createdAt,
		State:        r.state,
		Recording:    r.recording.clone(),
	}
}

// Store holds room, membership, source, location and recording state. Its methods are
// individually atomic; callers serialize multi-step updates of one room with LockRoom.
type Store struct {
	lock      sync.RWMutex
	rooms     map[livekit.RoomName]*room
	sources   map[livekit.ParticipantIdentity]livekit.RoomName
	members   map[livekit.ParticipantIdentity]livekit.RoomName
	locations map[livekit.ParticipantIdentity]Location

	roomLocks     *keyedMutex
	identityLocks *keyedMutex
}

func NewStore() *Store {
	return &Store{
		rooms:         make(map[livekit.RoomName]*room),
		sources:       make(map[livekit.ParticipantIdentity]livekit.RoomName),
		members:       make(map[livekit.ParticipantIdentity]livekit.RoomName),
		locations:     make(map[livekit.ParticipantIdentity]Location),
		roomLocks:     newKeyedMutex(),
		identityLocks: newKeyedMutex(),
	}
}

// LockRoom serializes mutations of one room. The returned func releases the lock.
// Never hold it across a gateway call.
func (s *Store) LockRoom(name livekit.RoomName) func() {
	return s.roomLocks.lock(string(name))
}

// LockIdentity serializes joins and source claims of one identity. When both are needed,
// the identity lock is taken first.
func (s *Store) LockIdentity(identity livekit.ParticipantIdentity) func() {
	return s.identityLocks.lock(string(identity))
}

func (s *Store) CreateRoom(name livekit.RoomName, displayName string, createdAt time.Time) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.rooms[name]; ok {
		return ErrRoomExists
	}
	s.rooms[name] = &room{
		name:         name,
		displayName:  displayName,
		participants: make(map[livekit.ParticipantIdentity]struct{}),
		createdAt:    createdAt,
		state:        StateActive,
	}
	return nil
}

func (s *Store) Room(name livekit.RoomName) (RoomInfo, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	r, ok := s.rooms[name]
	if !ok {
		return RoomInfo{}, false
	}
	return r.info(), true
}

// UpsertParticipant adds identity to the room, reporting whether it was newly added.
func (s *Store) UpsertParticipant(name livekit.RoomName, identity livekit.ParticipantIdentity) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		return false, ErrRoomNotFound
	}
	if current, ok := s.members[identity]; ok && current != name {
		return false, ErrParticipantInOtherRoom
	}
	if _, ok := r.participants[identity]; ok {
		return false, nil
	}
	r.participants[identity] = struct{}{}
	s.members[identity] = name
	return true, nil
}

// RemoveParticipant drops identity from the room and returns the number of members left.
// removed is false when the room does not exist or identity was not a member.
func (s *Store) RemoveParticipant(name livekit.RoomName, identity livekit.ParticipantIdentity) (remaining int, removed bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		return 0, false
	}
	if _, ok := r.participants[identity]; !ok {
		return len(r.participants), false
	}
	delete(r.participants, identity)
	if s.members[identity] == name {
		delete(s.members, identity)
	}
	return len(r.participants), true
}

func (s *Store) SetSource(name livekit.RoomName, identity livekit.ParticipantIdentity) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if current, ok := s.sources[identity]; ok && current != name {
		return ErrSourceConflict
	}
	if r.source != "" && r.source != identity {
		return ErrRoomHasSource
	}
	r.source = identity
	s.sources[identity] = name
	return nil
}

func (s *Store) FindRoomForSource(identity livekit.ParticipantIdentity) (livekit.RoomName, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	name, ok := s.sources[identity]
	return name, ok
}

func (s *Store) FindRoomForMember(identity livekit.ParticipantIdentity) (livekit.RoomName, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	name, ok := s.members[identity]
	return name, ok
}

// MarkDraining moves an active room to draining. It returns false if the room is missing or
// already draining.
func (s *Store) MarkDraining(name livekit.RoomName) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	r, ok := s.rooms[name]
	if !ok || r.state == StateDraining {
		return false
	}
	r.state = StateDraining
	return true
}

// ClearRoom removes the room with its membership, source and location entries and returns
// what was removed.
func (s *Store) ClearRoom(name livekit.RoomName) (RoomInfo, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		return RoomInfo{}, false
	}
	info := r.info()
	for p := range r.participants {
		if s.members[p] == name {
			delete(s.members, p)
		}
	}
	if r.source != "" && s.sources[r.source] == name {
		delete(s.sources, r.source)
		delete(s.locations, r.source)
	}
	delete(s.rooms, name)
	return info, true
}

func (s *Store) SetLocation(identity livekit.ParticipantIdentity, loc Location) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.locations[identity] = loc
}

func (s *Store) Location(identity livekit.ParticipantIdentity) (Location, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	loc, ok := s.locations[identity]
	return loc, ok
}

func (s *Store) Locations() map[livekit.ParticipantIdentity]Location {
	s.lock.RLock()
	defer s.lock.RUnlock()
	locations := make(map[livekit.ParticipantIdentity]Location, len(s.locations))
	for identity, loc := range s.locations {
		locations[identity] = loc
	}
	return locations
}

// PruneLocations discards locations of identities that no longer source any room.
func (s *Store) PruneLocations() []livekit.ParticipantIdentity {
	s.lock.Lock()
	defer s.lock.Unlock()
	var pruned []livekit.ParticipantIdentity
	for identity := range s.locations {
		if _, ok := s.sources[identity]; !ok {
			delete(s.locations, identity)
			pruned = append(pruned, identity)
		}
	}
	return pruned
}

// OpenRecording reserves the room's recording slot for sessionID.
func (s *Store) OpenRecording(name livekit.RoomName, sessionID string, requester livekit.ParticipantIdentity, startedAt time.Time) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if r.recording != nil {
		return ErrRecordingOpen
	}
	r.recording = &RecordingHandle{
		SessionID: sessionID,
		Requester: requester,
		StartedAt: startedAt,
	}
	return nil
}

func (s *Store) AttachEgress(name livekit.RoomName, sessionID string, egressIDs []string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if r.recording == nil || r.recording.SessionID != sessionID {
		return ErrNoRecording
	}
	r.recording.EgressIDs = append(r.recording.EgressIDs, egressIDs...)
	return nil
}

func (s *Store) Recording(name livekit.RoomName) (*RecordingHandle, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	r, ok := s.rooms[name]
	if !ok || r.recording == nil {
		return nil, false
	}
	return r.recording.clone(), true
}

// CloseRecording clears the open session of the room and returns it.
func (s *Store) CloseRecording(name livekit.RoomName) (*RecordingHandle, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	r, ok := s.rooms[name]
	if !ok || r.recording == nil {
		return nil, false
	}
	handle := r.recording
	r.recording = nil
	return handle, true
}

// ReleaseRecording clears the open session only if it is still sessionID.
func (s *Store) ReleaseRecording(name livekit.RoomName, sessionID string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	r, ok := s.rooms[name]
	if !ok || r.recording == nil || r.recording.SessionID != sessionID {
		return false
	}
	r.recording = nil
	return true
}

// Snapshot returns every room ordered by creation time.
func (s *Store) Snapshot() []RoomInfo {
	s.lock.RLock()
	infos := make([]RoomInfo, 0, len(s.rooms))
	for _, r := range s.rooms {
		infos = append(infos, r.info())
	}
	s.lock.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

func (s *Store) NumRooms() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.rooms)
}
