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
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livebeacon/beacon-server/pkg/routing"
	"github.com/livebeacon/beacon-server/pkg/utils"
)

const (
	clientJoinRoom       = "join-room"
	clientLeaveRoom      = "leave-room"
	clientLocationUpdate = "location-update"
	clientStartRecording = "start-recording"
	clientStopRecording  = "stop-recording"

	commandQueueSize = 32
)

type joinRoomData struct {
	Room     string `json:"room"`
	IsSource bool   `json:"isSource"`
}

type roomData struct {
	Room string `json:"room"`
}

type locationData struct {
	Latitude  *float64 `json:"lat"`
	Longitude *float64 `json:"lng"`
}

// SignalService serves signal websockets at /ws. The connection identity is taken from the
// verified access token; commands of one connection are handled in arrival order.
type SignalService struct {
	roomManager *RoomManager
	recorder    *RecordingService
	hub         *routing.SignalHub
	upgrader    websocket.Upgrader
}

func NewSignalService(roomManager *RoomManager, recorder *RecordingService, hub *routing.SignalHub) *SignalService {
	s := &SignalService{
		roomManager: roomManager,
		recorder:    recorder,
		hub:         hub,
		upgrader:    websocket.Upgrader{},
	}

	// allow connections from any origin, since clients may be hosted anywhere
	// security is enforced by access tokens
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	return s
}

func (s *SignalService) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("/ws", s)
}

func (s *SignalService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := EnsureIdentity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	// upgrade only once the basics are good to go
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("could not upgrade to WS", err, "participant", identity)
		return
	}
	sigConn := NewWSSignalConnection(conn)
	ch := s.hub.Register(identity)
	l := logger.GetLogger().WithValues("participant", identity, "connID", ch.ID())
	l.Infow("new client WS connected")

	ctx := utils.ContextWithLogger(context.Background(), l)
	commands := utils.NewOpsQueue(l, "signal", commandQueueSize)
	commands.Start()

	// handle responses
	go func() {
		defer func() {
			_ = sigConn.Close()
		}()
		for msg := range ch.ReadChan() {
			if _, err := sigConn.WriteMessage(msg); err != nil {
				l.Warnw("error writing to websocket", err)
				return
			}
		}
	}()

	defer func() {
		ch.Close()
		commands.Stop()
		go func() {
			<-commands.Done()
			if s.hub.IsConnected(identity) {
				return
			}
			if err := s.roomManager.Disconnect(context.Background(), identity); err != nil {
				l.Warnw("could not process disconnect", err)
			}
		}()
		l.Infow("WS connection closed")
	}()

	// handle incoming requests from websocket
	for {
		event, _, err := sigConn.ReadEvent()
		if err != nil {
			if IsWebSocketCloseError(err) {
				return
			}
			if errors.Is(err, ErrInvalidEventData) {
				s.sendError(identity, ErrInvalidEventData)
				continue
			}
			l.Warnw("error reading from websocket", err)
			return
		}
		if event == nil {
			continue
		}
		commands.Enqueue(func() {
			s.handleEvent(ctx, identity, event)
		})
	}
}

func (s *SignalService) handleEvent(ctx context.Context, identity livekit.ParticipantIdentity, event *clientEvent) {
	switch event.Event {
	case clientJoinRoom:
		var data joinRoomData
		if err := decodeEventData(event, &data); err != nil {
			s.sendError(identity, err)
			return
		}
		res, err := s.roomManager.Join(ctx, JoinRequest{
			Room:     livekit.RoomName(data.Room),
			Identity: identity,
			AsSource: data.IsSource,
		})
		if err != nil {
			s.sendError(identity, err)
			return
		}
		s.hub.SendToParticipant(identity, routing.NewMessage(routing.EventRoomJoined, routing.RoomJoinedEvent{
			Room:        res.Room,
			DisplayName: res.DisplayName,
			IsSource:    res.IsSource,
		}))

	case clientLeaveRoom:
		var data roomData
		if err := decodeEventData(event, &data); err != nil {
			s.sendError(identity, err)
			return
		}
		if err := s.roomManager.Leave(ctx, livekit.RoomName(data.Room), identity); err != nil {
			s.sendError(identity, err)
		}

	case clientLocationUpdate:
		var data locationData
		if err := decodeEventData(event, &data); err != nil {
			s.sendError(identity, err)
			return
		}
		if data.Latitude == nil || data.Longitude == nil {
			s.sendError(identity, ErrInvalidLocation)
			return
		}
		if err := s.roomManager.UpdateLocation(ctx, identity, *data.Latitude, *data.Longitude); err != nil {
			s.sendError(identity, err)
		}

	case clientStartRecording:
		var data roomData
		if err := decodeEventData(event, &data); err != nil {
			s.sendError(identity, err)
			return
		}
		if _, err := s.recorder.StartRecording(ctx, livekit.RoomName(data.Room), identity); err != nil {
			s.sendRecordingError(identity, livekit.RoomName(data.Room), err)
		}

	case clientStopRecording:
		var data roomData
		if err := decodeEventData(event, &data); err != nil {
			s.sendError(identity, err)
			return
		}
		if _, err := s.recorder.StopRecording(ctx, livekit.RoomName(data.Room), identity); err != nil {
			s.sendRecordingError(identity, livekit.RoomName(data.Room), err)
		}

	default:
		utils.GetLogger(ctx).Debugw("unknown signal event", "event", event.Event)
	}
}

func decodeEventData(event *clientEvent, v interface{}) error {
	if len(event.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(event.Data, v); err != nil {
		return ErrInvalidEventData
	}
	return nil
}

func (s *SignalService) sendError(identity livekit.ParticipantIdentity, err error) {
	tw := toTwirpError(err)
	s.hub.SendToParticipant(identity, routing.NewMessage(routing.EventError, routing.ErrorEvent{
		Code:    string(tw.Code()),
		Message: tw.Msg(),
	}))
}

func (s *SignalService) sendRecordingError(identity livekit.ParticipantIdentity, room livekit.RoomName, err error) {
	s.hub.SendToParticipant(identity, routing.NewMessage(routing.EventRecordingError, routing.RecordingEvent{
		Room:   room,
		Reason: toTwirpError(err).Msg(),
	}))
}
