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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"
)

func newRoom(t *testing.T, s *Store, name livekit.RoomName, source livekit.ParticipantIdentity) {
	require.NoError(t, s.CreateRoom(name, string(source)+"'s stream", time.Now()))
	require.NoError(t, s.SetSource(name, source))
	_, err := s.UpsertParticipant(name, source)
	require.NoError(t, err)
}

func TestMembership(t *testing.T) {
	s := NewStore()
	newRoom(t, s, "r1", "alice")

	added, err := s.UpsertParticipant("r1", "bob")
	require.NoError(t, err)
	require.True(t, added)

	added, err = s.UpsertParticipant("r1", "bob")
	require.NoError(t, err)
	require.False(t, added)

	_, err = s.UpsertParticipant("missing", "carol")
	require.ErrorIs(t, err, ErrRoomNotFound)

	newRoom(t, s, "r2", "carol")
	_, err = s.UpsertParticipant("r2", "bob")
	require.ErrorIs(t, err, ErrParticipantInOtherRoom)

	room, ok := s.FindRoomForMember("bob")
	require.True(t, ok)
	require.Equal(t, livekit.RoomName("r1"), room)

	remaining, removed := s.RemoveParticipant("r1", "bob")
	require.True(t, removed)
	require.Equal(t, 1, remaining)

	_, removed = s.RemoveParticipant("r1", "bob")
	require.False(t, removed)
	_, ok = s.FindRoomForMember("bob")
	require.False(t, ok)

	info, ok := s.Room("r1")
	require.True(t, ok)
	require.Equal(t, []livekit.ParticipantIdentity{"alice"}, info.Participants)
	require.True(t, info.HasParticipant("alice"))
}

func TestSourceUniqueness(t *testing.T) {
	s := NewStore()
	newRoom(t, s, "r1", "alice")
	require.NoError(t, s.CreateRoom("r2", "", time.Now()))

	require.ErrorIs(t, s.SetSource("r2", "alice"), ErrSourceConflict)
	require.ErrorIs(t, s.SetSource("r1", "bob"), ErrRoomHasSource)
	require.NoError(t, s.SetSource("r1", "alice"))

	room, ok := s.FindRoomForSource("alice")
	require.True(t, ok)
	require.Equal(t, livekit.RoomName("r1"), room)

	s.ClearRoom("r1")
	require.NoError(t, s.SetSource("r2", "alice"))
}

func TestClearRoom(t *testing.T) {
	s := NewStore()
	newRoom(t, s, "r1", "alice")
	_, err := s.UpsertParticipant("r1", "bob")
	require.NoError(t, err)
	s.SetLocation("alice", Location{Latitude: 1, Longitude: 2})
	require.NoError(t, s.OpenRecording("r1", "RS_1", "alice", time.Now()))

	info, ok := s.ClearRoom("r1")
	require.True(t, ok)
	require.Equal(t, livekit.ParticipantIdentity("alice"), info.Source)
	require.Len(t, info.Participants, 2)
	require.NotNil(t, info.Recording)
	require.Equal(t, "RS_1", info.Recording.SessionID)

	_, ok = s.Room("r1")
	require.False(t, ok)
	_, ok = s.FindRoomForSource("alice")
	require.False(t, ok)
	_, ok = s.FindRoomForMember("bob")
	require.False(t, ok)
	_, ok = s.Location("alice")
	require.False(t, ok)

	_, ok = s.ClearRoom("r1")
	require.False(t, ok)
}

func TestDraining(t *testing.T) {
	s := NewStore()
	newRoom(t, s, "r1", "alice")
	require.True(t, s.MarkDraining("r1"))
	require.False(t, s.MarkDraining("r1"))
	require.False(t, s.MarkDraining("missing"))

	info, _ := s.Room("r1")
	require.Equal(t, StateDraining, info.State)
}

func TestPruneLocations(t *testing.T) {
	s := NewStore()
	newRoom(t, s, "r1", "alice")
	s.SetLocation("alice", Location{Latitude: 1, Longitude: 2})
	s.SetLocation("ghost", Location{Latitude: 3, Longitude: 4})

	pruned := s.PruneLocations()
	require.Equal(t, []livekit.ParticipantIdentity{"ghost"}, pruned)
	require.Len(t, s.Locations(), 1)
}

func TestRecordingSlot(t *testing.T) {
	s := NewStore()
	newRoom(t, s, "r1", "alice")

	require.ErrorIs(t, s.OpenRecording("missing", "RS_1", "alice", time.Now()), ErrRoomNotFound)
	require.NoError(t, s.OpenRecording("r1", "RS_1", "alice", time.Now()))
	require.ErrorIs(t, s.OpenRecording("r1", "RS_2", "alice", time.Now()), ErrRecordingOpen)

	require.ErrorIs(t, s.AttachEgress("r1", "RS_2", []string{"EG_1"}), ErrNoRecording)
	require.NoError(t, s.AttachEgress("r1", "RS_1", []string{"EG_1", "EG_2"}))

	handle, ok := s.Recording("r1")
	require.True(t, ok)
	handle.EgressIDs[0] = "mutated"
	handle, _ = s.Recording("r1")
	require.Equal(t, []string{"EG_1", "EG_2"}, handle.EgressIDs)

	require.False(t, s.ReleaseRecording("r1", "RS_2"))
	handle, ok = s.CloseRecording("r1")
	require.True(t, ok)
	require.Equal(t, "RS_1", handle.SessionID)

	_, ok = s.CloseRecording("r1")
	require.False(t, ok)
}

func TestSnapshotOrder(t *testing.T) {
	s := NewStore()
	now := time.Now()
	require.NoError(t, s.CreateRoom("b", "", now))
	require.NoError(t, s.CreateRoom("a", "", now.Add(time.Second)))
	require.ErrorIs(t, s.CreateRoom("a", "", now), ErrRoomExists)

	snapshot := s.Snapshot()
	require.Len(t, snapshot, 2)
	require.Equal(t, livekit.RoomName("b"), snapshot[0].Name)
	require.Equal(t, 2, s.NumRooms())
}

func TestLockRoomSerializes(t *testing.T) {
	s := NewStore()
	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.LockRoom("r1")
			defer unlock()
			n := inside.Inc()
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Dec()
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, maxInside.Load())
	require.Equal(t, 0, s.roomLocks.size())
}

func TestLockDifferentRoomsInParallel(t *testing.T) {
	s := NewStore()
	unlockA := s.LockRoom("a")
	done := make(chan struct{})
	go func() {
		unlock := s.LockRoom("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another room blocked")
	}
	unlockA()
	unlockA()
}
