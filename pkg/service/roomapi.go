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
	"encoding/json"
	"net/http"

	"github.com/twitchtv/twirp"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livebeacon/beacon-server/pkg/telemetry/prometheus"
)

type tokenRequest struct {
	Room     string `json:"room"`
	Username string `json:"username"`
	IsSource bool   `json:"isSource"`
}

type roomsResponse struct {
	Rooms []RoomSummary `json:"rooms"`
}

type cleanupResponse struct {
	Removed []livekit.RoomName `json:"removed"`
}

type healthResponse struct {
	Status string              `json:"status"`
	Stats  prometheus.Snapshot `json:"stats"`
}

// RoomAPI is the JSON HTTP surface of the coordinator and the recording history.
type RoomAPI struct {
	roomManager *RoomManager
	recorder    *RecordingService
}

func NewRoomAPI(roomManager *RoomManager, recorder *RecordingService) *RoomAPI {
	return &RoomAPI{
		roomManager: roomManager,
		recorder:    recorder,
	}
}

func (a *RoomAPI) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/livekit/token", a.handleToken)
	mux.HandleFunc("GET /api/livekit/rooms", a.handleListRooms)
	mux.HandleFunc("DELETE /api/livekit/rooms/{room}", a.handleDeleteRoom)
	mux.HandleFunc("POST /api/livekit/rooms/{room}/recording", a.handleStartRecording)
	mux.HandleFunc("DELETE /api/livekit/rooms/{room}/recording", a.handleStopRecording)
	mux.HandleFunc("POST /api/livekit/cleanup-duplicates", a.handleCleanupDuplicates)
	mux.HandleFunc("GET /api/recordings", a.handleListRecordings)
	mux.HandleFunc("GET /api/recordings/{id}", a.handleGetRecording)
	mux.HandleFunc("GET /health", a.handleHealth)
}

func (a *RoomAPI) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrInvalidEventData)
		return
	}

	res, err := a.roomManager.Join(r.Context(), JoinRequest{
		Room:     livekit.RoomName(req.Room),
		Identity: livekit.ParticipantIdentity(req.Username),
		AsSource: req.IsSource,
	})
	if err != nil {
		logger.Debugw("join rejected", "room", req.Room, "participant", req.Username, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *RoomAPI) handleListRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := a.roomManager.ListRooms()
	if rooms == nil {
		rooms = []RoomSummary{}
	}
	writeJSON(w, http.StatusOK, roomsResponse{Rooms: rooms})
}

func (a *RoomAPI) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := EnsureCreatePermission(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	room := livekit.RoomName(r.PathValue("room"))
	if err := a.roomManager.DeleteRoom(r.Context(), room); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *RoomAPI) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	identity, err := EnsureIdentity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	session, err := a.recorder.StartRecording(r.Context(), livekit.RoomName(r.PathValue("room")), identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// handleStopRecording accepts the room source, or any caller holding a room create grant.
func (a *RoomAPI) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	var requester livekit.ParticipantIdentity
	if EnsureCreatePermission(r.Context()) != nil {
		identity, err := EnsureIdentity(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		requester = identity
	}
	session, err := a.recorder.StopRecording(r.Context(), livekit.RoomName(r.PathValue("room")), requester)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *RoomAPI) handleCleanupDuplicates(w http.ResponseWriter, r *http.Request) {
	if err := EnsureCreatePermission(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	removed, err := a.roomManager.CleanupDuplicateSourceRooms(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if removed == nil {
		removed = []livekit.RoomName{}
	}
	writeJSON(w, http.StatusOK, cleanupResponse{Removed: removed})
}

func (a *RoomAPI) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	identity, err := EnsureIdentity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	sessions, err := a.recorder.ListSessions(r.Context(), identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *RoomAPI) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	identity, err := EnsureIdentity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	session, err := a.recorder.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if session.Source != identity && EnsureCreatePermission(r.Context()) != nil {
		writeError(w, ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *RoomAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Stats:  prometheus.Current(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnw("could not write response", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	tw := toTwirpError(err)
	if tw.Code() == twirp.Internal {
		logger.Errorw("request failed", err)
	}
	_ = twirp.WriteError(w, tw)
}
