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
	"time"

	"github.com/gammazero/workerpool"
	"github.com/twitchtv/twirp"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livebeacon/beacon-server/pkg/config"
	"github.com/livebeacon/beacon-server/pkg/gateway"
	"github.com/livebeacon/beacon-server/pkg/recording"
	"github.com/livebeacon/beacon-server/pkg/rooms"
	"github.com/livebeacon/beacon-server/pkg/routing"
	"github.com/livebeacon/beacon-server/pkg/telemetry/prometheus"
	"github.com/livebeacon/beacon-server/pkg/utils"
)

const (
	egressStopWorkers = 4
	recordingTimeFmt  = "2006-01-02T15:04:05.000Z"
)

var (
	ErrNothingToRecord   = twirp.NewError(twirp.FailedPrecondition, "no participants are publishing in the room")
	ErrRecordingStarting = twirp.NewError(twirp.FailedPrecondition, "recording is still starting")
	recordedKinds        = []recording.TrackKind{recording.TrackVideo, recording.TrackAudio}
)

// RecordingService opens one track egress per media kind per participant and tracks them
// as a recording session.
type RecordingService struct {
	conf     config.RecordingConfig
	store    *rooms.Store
	gateway  gateway.RoomGateway
	sessions recording.Store
	notifier routing.Notifier
	logger   logger.Logger
}

func NewRecordingService(
	conf *config.Config,
	store *rooms.Store,
	gw gateway.RoomGateway,
	sessions recording.Store,
	notifier routing.Notifier,
) *RecordingService {
	return &RecordingService{
		conf:     conf.Recording,
		store:    store,
		gateway:  gw,
		sessions: sessions,
		notifier: notifier,
		logger:   logger.GetLogger().WithValues("component", "recording"),
	}
}

type plannedEgress struct {
	participant livekit.ParticipantIdentity
	kind        recording.TrackKind
	trackID     livekit.TrackID
}

// StartRecording opens a session for room on behalf of its source. Either every egress
// starts, or none is left running.
func (s *RecordingService) StartRecording(ctx context.Context, room livekit.RoomName, requester livekit.ParticipantIdentity) (*recording.Session, error) {
	if requester == "" {
		return nil, ErrIdentityEmpty
	}
	if room == "" {
		return nil, ErrNoRoomName
	}

	startedAt := time.Now()
	sessionID := utils.NewSessionID()

	unlock := s.store.LockRoom(room)
	info, ok := s.store.Room(room)
	if !ok || info.State != rooms.StateActive {
		unlock()
		return nil, ErrRoomNotFound
	}
	if info.Source != requester {
		unlock()
		return nil, ErrNotSource
	}
	members := info.Participants
	if err := s.store.OpenRecording(room, sessionID, requester, startedAt); err != nil {
		unlock()
		if errors.Is(err, rooms.ErrRecordingOpen) {
			return nil, ErrRecordingInProgress
		}
		return nil, ErrRoomNotFound
	}
	unlock()

	l := s.logger.WithValues("room", room, "sessionID", sessionID)
	session := recording.NewSession(sessionID, room, requester, startedAt)
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		s.store.ReleaseRecording(room, sessionID)
		return nil, err
	}

	fail := func(cause error) (*recording.Session, error) {
		ctx := context.WithoutCancel(ctx)
		s.stopEgress(ctx, session.EgressIDs())
		s.store.ReleaseRecording(room, sessionID)
		session.Fail(cause.Error(), time.Now())
		if err := s.sessions.UpdateSession(ctx, session); err != nil {
			l.Warnw("could not persist failed recording session", err)
		}
		prometheus.RecordingFailed()
		l.Infow("recording failed to start", "error", cause)
		return nil, cause
	}

	participants, err := s.gateway.ListParticipants(ctx, room)
	if err != nil {
		if errors.Is(err, gateway.ErrRoomNotFound) {
			return fail(ErrRoomNotFound)
		}
		return fail(newRemoteError("list participants", err))
	}
	plan, err := planEgress(members, participants)
	if err != nil {
		return fail(err)
	}

	stamp := startedAt.UTC().Format(recordingTimeFmt)
	for _, p := range plan {
		path := fmt.Sprintf("%s/%s/%s-%s.mp4-%s", s.conf.PathPrefix, room, p.participant, stamp, p.kind)
		egress, err := s.gateway.StartTrackEgress(ctx, room, p.trackID, s.output(path))
		if err != nil {
			return fail(newRemoteError("start track egress", err))
		}
		session.Recordings = append(session.Recordings, &recording.Recording{
			ID:          utils.NewRecordingID(),
			SessionID:   sessionID,
			Participant: p.participant,
			Kind:        p.kind,
			TrackID:     p.trackID,
			EgressID:    egress.EgressId,
			StorageKey:  path,
			Status:      recording.StatusRecording,
			StartedAt:   time.Now(),
		})
	}

	if err = s.store.AttachEgress(room, sessionID, session.EgressIDs()); err != nil {
		// room was torn down while egress was starting
		return fail(ErrRoomNotFound)
	}

	session.Status = recording.StatusRecording
	if err = s.sessions.UpdateSession(ctx, session); err != nil {
		l.Warnw("could not persist recording session", err)
	}
	prometheus.RecordingStarted()
	l.Infow("recording started", "egressCount", len(session.Recordings))
	s.notifier.SendToRoom(room, routing.NewMessage(routing.EventRecordingStarted, routing.RecordingEvent{
		Room:      room,
		SessionID: sessionID,
	}))
	return session, nil
}

// planEgress maps every room member to its published tracks. Members are the room's local
// participant set; the media server listing only supplies track ids.
func planEgress(members []livekit.ParticipantIdentity, participants []*livekit.ParticipantInfo) ([]plannedEgress, error) {
	if len(members) == 0 {
		return nil, ErrNothingToRecord
	}
	byIdentity := make(map[livekit.ParticipantIdentity]*livekit.ParticipantInfo, len(participants))
	for _, p := range participants {
		byIdentity[livekit.ParticipantIdentity(p.Identity)] = p
	}

	var plan []plannedEgress
	for _, member := range members {
		p := byIdentity[member]
		for _, kind := range recordedKinds {
			var trackID livekit.TrackID
			if p != nil {
				for _, track := range p.Tracks {
					if track.Type == kind.TrackType() {
						trackID = livekit.TrackID(track.Sid)
						break
					}
				}
			}
			if trackID == "" {
				return nil, &ErrMissingTrack{Participant: string(member), Kind: string(kind)}
			}
			plan = append(plan, plannedEgress{
				participant: member,
				kind:        kind,
				trackID:     trackID,
			})
		}
	}
	return plan, nil
}

func (s *RecordingService) output(path string) *livekit.DirectFileOutput {
	output := &livekit.DirectFileOutput{Filepath: path}
	if s3 := s.conf.S3; s3.IsConfigured() {
		output.Output = &livekit.DirectFileOutput_S3{
			S3: &livekit.S3Upload{
				AccessKey: s3.AccessKey,
				Secret:    s3.Secret,
				Region:    s3.Region,
				Bucket:    s3.Bucket,
				Endpoint:  s3.Endpoint,
			},
		}
	}
	return output
}

// StopRecording closes the open session of room. An empty requester skips the source check.
func (s *RecordingService) StopRecording(ctx context.Context, room livekit.RoomName, requester livekit.ParticipantIdentity) (*recording.Session, error) {
	if room == "" {
		return nil, ErrNoRoomName
	}

	unlock := s.store.LockRoom(room)
	info, ok := s.store.Room(room)
	if !ok || info.Recording == nil {
		unlock()
		return nil, ErrNoActiveRecording
	}
	if requester != "" && info.Source != requester {
		unlock()
		return nil, ErrNotSource
	}
	if len(info.Recording.EgressIDs) == 0 {
		unlock()
		return nil, ErrRecordingStarting
	}
	handle, _ := s.store.CloseRecording(room)
	unlock()

	return s.finish(ctx, room, handle, true)
}

// closeForRoom ends the recording of a room that is being torn down. A start still in
// progress cleans up after itself once it notices the room is gone.
func (s *RecordingService) closeForRoom(ctx context.Context, room livekit.RoomName, stopEgress bool) {
	unlock := s.store.LockRoom(room)
	info, ok := s.store.Room(room)
	if !ok || info.Recording == nil || len(info.Recording.EgressIDs) == 0 {
		unlock()
		return
	}
	handle, _ := s.store.CloseRecording(room)
	unlock()

	if _, err := s.finish(ctx, room, handle, stopEgress); err != nil {
		s.logger.Warnw("could not close recording on teardown", err, "room", room, "sessionID", handle.SessionID)
	}
}

func (s *RecordingService) finish(ctx context.Context, room livekit.RoomName, handle *rooms.RecordingHandle, stopEgress bool) (*recording.Session, error) {
	// runs to completion even if the caller has gone away
	ctx = context.WithoutCancel(ctx)
	if stopEgress {
		s.stopEgress(ctx, handle.EgressIDs)
	}
	prometheus.RecordingEnded()

	s.notifier.SendToRoom(room, routing.NewMessage(routing.EventRecordingStopped, routing.RecordingEvent{
		Room:      room,
		SessionID: handle.SessionID,
	}))

	session, err := s.sessions.LoadSession(ctx, handle.SessionID)
	if err != nil {
		return nil, err
	}
	session.Complete(time.Now())
	if err = s.sessions.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	s.logger.Infow("recording stopped", "room", room, "sessionID", handle.SessionID, "egressCount", len(handle.EgressIDs))
	return session, nil
}

// stopEgress stops every egress independently. Failures are logged and do not stop the rest.
func (s *RecordingService) stopEgress(ctx context.Context, egressIDs []string) {
	if len(egressIDs) == 0 {
		return
	}
	workers := egressStopWorkers
	if len(egressIDs) < workers {
		workers = len(egressIDs)
	}
	wp := workerpool.New(workers)
	for _, id := range egressIDs {
		id := id
		wp.Submit(func() {
			err := s.gateway.StopEgress(ctx, id)
			if err != nil && !errors.Is(err, gateway.ErrEgressNotFound) {
				s.logger.Warnw("could not stop egress", err, "egressID", id)
			}
		})
	}
	wp.StopWait()
}

func (s *RecordingService) GetSession(ctx context.Context, id string) (*recording.Session, error) {
	if id == "" {
		return nil, ErrSessionIDEmpty
	}
	session, err := s.sessions.LoadSession(ctx, id)
	if errors.Is(err, recording.ErrSessionNotFound) {
		return nil, ErrSessionNotFound
	}
	return session, err
}

func (s *RecordingService) ListSessions(ctx context.Context, source livekit.ParticipantIdentity) ([]*recording.Session, error) {
	return s.sessions.ListSessions(ctx, source)
}
