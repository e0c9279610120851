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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twitchtv/twirp"

	lkauth "github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"

	"github.com/livebeacon/beacon-server/pkg/auth"
	"github.com/livebeacon/beacon-server/pkg/config"
	"github.com/livebeacon/beacon-server/pkg/gateway"
	"github.com/livebeacon/beacon-server/pkg/recording"
	"github.com/livebeacon/beacon-server/pkg/rooms"
	"github.com/livebeacon/beacon-server/pkg/routing"
	"github.com/livebeacon/beacon-server/pkg/testutils"
)

const (
	testAPIKey    = "APIbeacontest"
	testAPISecret = "beacon-test-secret-that-is-long-enough"
)

type fixture struct {
	conf     *config.Config
	store    *rooms.Store
	gw       *gateway.LocalGateway
	hub      *routing.SignalHub
	sessions *recording.LocalStore
	recorder *RecordingService
	manager  *RoomManager
	issuer   *auth.Issuer
	verifier *auth.Verifier
}

func testConfig() *config.Config {
	conf := config.DefaultConfig
	conf.LiveKit.APIKey = testAPIKey
	conf.LiveKit.APISecret = testAPISecret
	conf.Room.GraceInterval = 10 * time.Millisecond
	conf.Room.RemoteEmptyGrace = 0
	conf.Room.ReconcileInterval = 0
	conf.Room.DuplicateCheckInterval = 0
	conf.Room.LocationBroadcastInterval = 0
	return &conf
}

func newFixture(t *testing.T) *fixture {
	gw := gateway.NewLocalGateway()
	return newFixtureWithGateway(t, gw, gw)
}

func newFixtureWithGateway(t *testing.T, gw *gateway.LocalGateway, rg gateway.RoomGateway) *fixture {
	t.Helper()
	f := &fixture{
		conf:     testConfig(),
		store:    rooms.NewStore(),
		gw:       gw,
		hub:      routing.NewSignalHub(routing.DefaultMessageChannelSize),
		sessions: recording.NewLocalStore(),
	}
	f.recorder = NewRecordingService(f.conf, f.store, rg, f.sessions, f.hub)
	f.issuer = auth.NewIssuer(testAPIKey, testAPISecret, f.conf.Room.TokenTTL)
	f.manager = NewRoomManager(f.conf, f.store, rg, f.hub, f.issuer, f.recorder)
	f.verifier = auth.NewVerifier(lkauth.NewSimpleKeyProvider(testAPIKey, testAPISecret))
	t.Cleanup(f.manager.Stop)
	return f
}

func (f *fixture) startSource(t *testing.T, identity livekit.ParticipantIdentity) livekit.RoomName {
	t.Helper()
	res, err := f.manager.Join(context.Background(), JoinRequest{Identity: identity, AsSource: true})
	require.NoError(t, err)
	require.True(t, res.IsSource)
	return res.Room
}

func (f *fixture) joinViewer(t *testing.T, room livekit.RoomName, identity livekit.ParticipantIdentity) {
	t.Helper()
	_, err := f.manager.Join(context.Background(), JoinRequest{Room: room, Identity: identity})
	require.NoError(t, err)
}

// waitForEvent reads ch until a message of the given event arrives.
func waitForEvent(t *testing.T, ch *routing.MessageChannel, event routing.EventType) *routing.Message {
	t.Helper()
	timeout := time.After(testutils.DefaultTimeout)
	for {
		select {
		case msg, ok := <-ch.ReadChan():
			if !ok {
				t.Fatalf("channel closed before %s", event)
				return nil
			}
			if msg.Event == event {
				return msg
			}
		case <-timeout:
			t.Fatalf("did not receive %s", event)
			return nil
		}
	}
}

func pendingEvents(ch *routing.MessageChannel) []routing.EventType {
	var events []routing.EventType
	for {
		select {
		case msg, ok := <-ch.ReadChan():
			if !ok {
				return events
			}
			events = append(events, msg.Event)
		default:
			return events
		}
	}
}

func TestJoinAsSource(t *testing.T) {
	f := newFixture(t)
	res, err := f.manager.Join(context.Background(), JoinRequest{Identity: "alice", AsSource: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.Room)
	require.True(t, res.IsSource)
	require.Equal(t, "alice's stream", res.DisplayName)
	require.True(t, f.gw.HasRoom(res.Room))

	grants, err := f.verifier.Verify(res.Token)
	require.NoError(t, err)
	require.Equal(t, "alice", grants.Identity)
	require.Equal(t, string(res.Room), grants.Video.Room)
	require.True(t, grants.Video.RoomJoin)

	info, ok := f.store.Room(res.Room)
	require.True(t, ok)
	require.Equal(t, livekit.ParticipantIdentity("alice"), info.Source)
	require.True(t, info.HasParticipant("alice"))

	summaries := f.manager.ListRooms()
	require.Len(t, summaries, 1)
	require.Equal(t, res.Room, summaries[0].Room)
	require.Equal(t, 1, summaries[0].ParticipantCount)
}

func TestJoinValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Join(ctx, JoinRequest{AsSource: true})
	require.ErrorIs(t, err, ErrIdentityEmpty)

	_, err = f.manager.Join(ctx, JoinRequest{Identity: "bob"})
	require.ErrorIs(t, err, ErrNoRoomName)

	_, err = f.manager.Join(ctx, JoinRequest{Identity: "bob", Room: "missing"})
	require.ErrorIs(t, err, ErrRoomEnded)
	require.Equal(t, "true", toTwirpError(err).Meta("room_ended"))
}

func TestJoinAsSourceWithNamedRoom(t *testing.T) {
	f := newFixture(t)
	res, err := f.manager.Join(context.Background(), JoinRequest{Identity: "alice", Room: "street-cam", AsSource: true})
	require.NoError(t, err)
	require.Equal(t, livekit.RoomName("street-cam"), res.Room)

	// joining again as source is idempotent
	res, err = f.manager.Join(context.Background(), JoinRequest{Identity: "alice", Room: "street-cam", AsSource: true})
	require.NoError(t, err)
	require.True(t, res.IsSource)
	require.Equal(t, 1, f.gw.Calls(gateway.OpCreateRoom))

	_, err = f.manager.Join(context.Background(), JoinRequest{Identity: "mallory", Room: "street-cam", AsSource: true})
	require.ErrorIs(t, err, ErrSourceConflict)
}

func TestJoinCreateRoomFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.Fail(gateway.OpCreateRoom, errors.New("unreachable"))

	_, err := f.manager.Join(context.Background(), JoinRequest{Identity: "alice", AsSource: true})
	require.ErrorIs(t, err, ErrRemoteService)
	require.Equal(t, 0, f.store.NumRooms())
}

func TestViewerJoinNotifiesRoom(t *testing.T) {
	f := newFixture(t)
	aliceCh := f.hub.Register("alice")
	bobCh := f.hub.Register("bob")

	room := f.startSource(t, "alice")
	res, err := f.manager.Join(context.Background(), JoinRequest{Room: room, Identity: "bob"})
	require.NoError(t, err)
	require.False(t, res.IsSource)
	require.Equal(t, "alice's stream", res.DisplayName)

	joined := waitForEvent(t, aliceCh, routing.EventParticipantJoined)
	require.Equal(t, livekit.ParticipantIdentity("bob"), joined.Data.(routing.ParticipantEvent).Identity)

	list := waitForEvent(t, bobCh, routing.EventRoomParticipants)
	require.ElementsMatch(t,
		[]livekit.ParticipantIdentity{"alice", "bob"},
		list.Data.(routing.RoomParticipantsEvent).Participants,
	)

	// a repeated join does not announce the participant again
	f.joinViewer(t, room, "bob")
	require.NotContains(t, pendingEvents(aliceCh), routing.EventParticipantJoined)
}

func TestViewerJoinRemoteRoomGone(t *testing.T) {
	f := newFixture(t)
	room := f.startSource(t, "alice")
	f.gw.DropRoom(room)

	_, err := f.manager.Join(context.Background(), JoinRequest{Room: room, Identity: "bob"})
	require.ErrorIs(t, err, ErrRoomEnded)

	f.gw.Fail(gateway.OpListRooms, errors.New("timeout"))
	_, err = f.manager.Join(context.Background(), JoinRequest{Room: room, Identity: "bob"})
	require.ErrorIs(t, err, ErrRemoteService)
}

func TestViewerSwitchesRooms(t *testing.T) {
	f := newFixture(t)
	first := f.startSource(t, "alice")
	second := f.startSource(t, "carol")

	f.joinViewer(t, first, "bob")
	f.joinViewer(t, second, "bob")

	info, _ := f.store.Room(first)
	require.False(t, info.HasParticipant("bob"))
	info, _ = f.store.Room(second)
	require.True(t, info.HasParticipant("bob"))
}

func TestSourceLeaveClosesRoom(t *testing.T) {
	f := newFixture(t)
	bobCh := f.hub.Register("bob")
	daveCh := f.hub.Register("dave")

	room := f.startSource(t, "alice")
	f.joinViewer(t, room, "bob")

	require.NoError(t, f.manager.Leave(context.Background(), room, "alice"))

	left := waitForEvent(t, bobCh, routing.EventSourceLeft).Data.(routing.SourceLeftEvent)
	require.True(t, left.ForceDisconnect)
	require.Equal(t, teardownReasonSourceLeft, left.Reason)

	// everyone connected learns the source is gone
	global := waitForEvent(t, daveCh, routing.EventSourceLeft).Data.(routing.SourceLeftEvent)
	require.Equal(t, livekit.ParticipantIdentity("alice"), global.Identity)
	require.Equal(t, room, global.Room)

	_, ok := f.store.Room(room)
	require.False(t, ok)
	require.False(t, f.gw.HasRoom(room))
	require.Empty(t, f.hub.RoomMembers(room))
	require.Empty(t, f.manager.ListRooms())

	// leaving a room that is gone is a no-op
	require.NoError(t, f.manager.Leave(context.Background(), room, "bob"))
}

func TestViewerLeave(t *testing.T) {
	f := newFixture(t)
	aliceCh := f.hub.Register("alice")
	room := f.startSource(t, "alice")
	f.joinViewer(t, room, "bob")

	require.NoError(t, f.manager.Leave(context.Background(), room, "bob"))
	left := waitForEvent(t, aliceCh, routing.EventParticipantLeft)
	require.Equal(t, livekit.ParticipantIdentity("bob"), left.Data.(routing.ParticipantEvent).Identity)

	info, ok := f.store.Room(room)
	require.True(t, ok)
	require.Equal(t, []livekit.ParticipantIdentity{"alice"}, info.Participants)

	require.NoError(t, f.manager.Leave(context.Background(), room, "bob"))
	require.ErrorIs(t, f.manager.Leave(context.Background(), "", "bob"), ErrNoRoomName)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	room := f.startSource(t, "alice")
	f.joinViewer(t, room, "bob")

	require.NoError(t, f.manager.Disconnect(context.Background(), "bob"))
	info, _ := f.store.Room(room)
	require.False(t, info.HasParticipant("bob"))

	require.NoError(t, f.manager.Disconnect(context.Background(), "alice"))
	_, ok := f.store.Room(room)
	require.False(t, ok)

	require.NoError(t, f.manager.Disconnect(context.Background(), "nobody"))
}

func TestSourceTakeover(t *testing.T) {
	f := newFixture(t)
	bobCh := f.hub.Register("bob")
	carolCh := f.hub.Register("carol")

	first := f.startSource(t, "alice")
	f.joinViewer(t, first, "bob")

	second := f.startSource(t, "alice")
	require.NotEqual(t, first, second)

	left := waitForEvent(t, bobCh, routing.EventSourceLeft).Data.(routing.SourceLeftEvent)
	require.Equal(t, teardownReasonTakeover, left.Reason)
	require.Equal(t, first, left.Room)

	_, ok := f.store.Room(first)
	require.False(t, ok)
	require.False(t, f.gw.HasRoom(first))

	room, ok := f.store.FindRoomForSource("alice")
	require.True(t, ok)
	require.Equal(t, second, room)

	// observers outside the room hear about the departed source too
	global := waitForEvent(t, carolCh, routing.EventSourceLeft).Data.(routing.SourceLeftEvent)
	require.Equal(t, livekit.ParticipantIdentity("alice"), global.Identity)
	require.Equal(t, first, global.Room)
	require.False(t, global.ForceDisconnect)
}

func TestConcurrentSourceJoins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const joins = 8
	var (
		wg      sync.WaitGroup
		lock    sync.Mutex
		created []livekit.RoomName
	)
	for i := 0; i < joins; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.manager.Join(ctx, JoinRequest{Identity: "alice", AsSource: true})
			if err != nil {
				assert.ErrorIs(t, err, ErrSourceConflict)
				return
			}
			lock.Lock()
			created = append(created, res.Room)
			lock.Unlock()
		}()
	}
	wg.Wait()
	require.NotEmpty(t, created)

	room, ok := f.store.FindRoomForSource("alice")
	require.True(t, ok)
	require.Contains(t, created, room)

	for _, name := range created {
		if name == room {
			continue
		}
		_, ok := f.store.Room(name)
		require.False(t, ok, "room %s still tracked", name)
		require.False(t, f.gw.HasRoom(name), "room %s still on media server", name)
	}

	snapshot := f.store.Snapshot()
	require.Len(t, snapshot, 1)
	require.Equal(t, room, snapshot[0].Name)
	remote, err := f.gw.ListRooms(ctx, nil)
	require.NoError(t, err)
	require.Len(t, remote, 1)
}

func TestConcurrentTeardownRunsOnce(t *testing.T) {
	f := newFixture(t)
	room := f.startSource(t, "alice")
	f.joinViewer(t, room, "bob")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = f.manager.Leave(context.Background(), room, "alice")
		}()
		go func() {
			defer wg.Done()
			_ = f.manager.closeRoom(context.Background(), room, teardownReasonDeleted, 0)
		}()
	}
	wg.Wait()

	testutils.WithTimeout(t, func() string {
		if _, ok := f.store.Room(room); ok {
			return "room still present"
		}
		return ""
	})
	require.Equal(t, 1, f.gw.Calls(gateway.OpDeleteRoom))
}

func TestConcurrentViewerJoins(t *testing.T) {
	f := newFixture(t)
	room := f.startSource(t, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.manager.Join(context.Background(), JoinRequest{
				Room:     room,
				Identity: livekit.ParticipantIdentity(fmt.Sprintf("viewer-%d", i)),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	info, _ := f.store.Room(room)
	require.Len(t, info.Participants, 21)
	require.Len(t, f.hub.RoomMembers(room), 21)
}

func TestDeleteRoom(t *testing.T) {
	t.Run("active room", func(t *testing.T) {
		f := newFixture(t)
		room := f.startSource(t, "alice")
		require.NoError(t, f.manager.DeleteRoom(context.Background(), room))
		_, ok := f.store.Room(room)
		require.False(t, ok)
		require.False(t, f.gw.HasRoom(room))
	})

	t.Run("remote only", func(t *testing.T) {
		f := newFixture(t)
		f.gw.InsertRoom(&livekit.Room{Name: "orphan"})
		require.NoError(t, f.manager.DeleteRoom(context.Background(), "orphan"))
		require.False(t, f.gw.HasRoom("orphan"))
	})

	t.Run("unknown room", func(t *testing.T) {
		f := newFixture(t)
		require.ErrorIs(t, f.manager.DeleteRoom(context.Background(), "missing"), ErrRoomNotFound)
		require.ErrorIs(t, f.manager.DeleteRoom(context.Background(), ""), ErrNoRoomName)
	})

	t.Run("remote failure leaves tombstone", func(t *testing.T) {
		f := newFixture(t)
		room := f.startSource(t, "alice")
		f.gw.Fail(gateway.OpDeleteRoom, errors.New("unreachable"))

		err := f.manager.DeleteRoom(context.Background(), room)
		require.ErrorIs(t, err, ErrRemoteService)
		require.Equal(t, twirp.Unavailable, toTwirpError(err).Code())

		// local state is cleared regardless
		_, ok := f.store.Room(room)
		require.False(t, ok)
		require.Equal(t, []livekit.RoomName{room}, f.manager.pendingDeletes())

		f.gw.Fail(gateway.OpDeleteRoom, nil)
		require.NoError(t, f.manager.Reconcile(context.Background()))
		require.False(t, f.gw.HasRoom(room))
		require.Empty(t, f.manager.pendingDeletes())
	})
}

func TestUpdateLocation(t *testing.T) {
	f := newFixture(t)
	daveCh := f.hub.Register("dave")
	ctx := context.Background()
	room := f.startSource(t, "alice")
	f.joinViewer(t, room, "bob")

	require.ErrorIs(t, f.manager.UpdateLocation(ctx, "alice", 91, 0), ErrInvalidLocation)
	require.ErrorIs(t, f.manager.UpdateLocation(ctx, "alice", 0, -181), ErrInvalidLocation)
	require.ErrorIs(t, f.manager.UpdateLocation(ctx, "", 0, 0), ErrIdentityEmpty)

	// viewers have no location to share
	require.NoError(t, f.manager.UpdateLocation(ctx, "bob", 10, 10))
	_, ok := f.store.Location("bob")
	require.False(t, ok)
	require.Empty(t, pendingEvents(daveCh))

	require.NoError(t, f.manager.UpdateLocation(ctx, "alice", 52.52, 13.405))
	update := waitForEvent(t, daveCh, routing.EventSourceLocationUpdate).Data.(routing.LocationUpdateEvent)
	require.Equal(t, livekit.ParticipantIdentity("alice"), update.Identity)
	require.Equal(t, room, update.Room)
	require.InDelta(t, 52.52, update.Location.Latitude, 1e-9)
	require.InDelta(t, 13.405, update.Location.Longitude, 1e-9)

	f.manager.BroadcastLocations()
	waitForEvent(t, daveCh, routing.EventSourceLocationUpdate)

	// locations go away with the room
	require.NoError(t, f.manager.Leave(ctx, room, "alice"))
	_, ok = f.store.Location("alice")
	require.False(t, ok)
	pendingEvents(daveCh)
	f.manager.BroadcastLocations()
	require.NotContains(t, pendingEvents(daveCh), routing.EventSourceLocationUpdate)
}

func TestIsRoomActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.startSource(t, "alice")

	active, err := f.manager.IsRoomActive(ctx, room)
	require.NoError(t, err)
	require.True(t, active)

	active, err = f.manager.IsRoomActive(ctx, "missing")
	require.NoError(t, err)
	require.False(t, active)

	f.gw.DropRoom(room)
	active, err = f.manager.IsRoomActive(ctx, room)
	require.NoError(t, err)
	require.False(t, active)
}

func TestStartStopWorkers(t *testing.T) {
	f := newFixture(t)
	f.conf.Room.ReconcileInterval = 5 * time.Millisecond
	room := f.startSource(t, "alice")
	f.gw.DropRoom(room)

	f.manager.Start()
	f.manager.Start()
	testutils.WithTimeout(t, func() string {
		if _, ok := f.store.Room(room); ok {
			return "stale room not purged"
		}
		return ""
	})
	f.manager.Stop()
	f.manager.Stop()
}
