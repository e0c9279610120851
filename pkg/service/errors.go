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
	"errors"
	"fmt"

	"github.com/twitchtv/twirp"
)

var (
	ErrIdentityEmpty    = twirp.NewError(twirp.InvalidArgument, "identity cannot be empty")
	ErrNoRoomName       = twirp.NewError(twirp.InvalidArgument, "room is required unless joining as source")
	ErrInvalidLocation  = twirp.NewError(twirp.InvalidArgument, "latitude must be within [-90, 90] and longitude within [-180, 180]")
	ErrSessionIDEmpty   = twirp.NewError(twirp.InvalidArgument, "session id cannot be empty")
	ErrInvalidEventData = twirp.NewError(twirp.InvalidArgument, "invalid event payload")

	ErrRecordingInProgress = twirp.NewError(twirp.AlreadyExists, "room already has an active recording")
	ErrSourceConflict      = twirp.NewError(twirp.AlreadyExists, "room already has a different source")

	ErrRoomNotFound       = twirp.NewError(twirp.NotFound, "requested room does not exist")
	ErrRoomEnded          = twirp.NewError(twirp.NotFound, "room not found or has ended").WithMeta("room_ended", "true")
	ErrNoActiveRecording  = twirp.NewError(twirp.NotFound, "no active recording for room")
	ErrSessionNotFound    = twirp.NewError(twirp.NotFound, "recording session does not exist")
	ErrNotRoomParticipant = twirp.NewError(twirp.NotFound, "participant is not in the room")

	ErrNotSource        = twirp.NewError(twirp.PermissionDenied, "only the room source can control recording")
	ErrPermissionDenied = twirp.NewError(twirp.PermissionDenied, "permissions denied")
	ErrUnauthenticated  = twirp.NewError(twirp.Unauthenticated, "missing or invalid access token")

	ErrRemoteService = twirp.NewError(twirp.Unavailable, "media server request failed")
)

// ErrMissingTrack is returned when a participant does not publish a track needed for recording.
type ErrMissingTrack struct {
	Participant string
	Kind        string
}

func (e *ErrMissingTrack) Error() string {
	return fmt.Sprintf("participant %s has no %s track", e.Participant, e.Kind)
}

// remoteError wraps a gateway failure so it reports as ErrRemoteService while keeping its cause.
type remoteError struct {
	op    string
	cause error
}

func newRemoteError(op string, cause error) error {
	return &remoteError{op: op, cause: cause}
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrRemoteService.Msg(), e.op, e.cause)
}

func (e *remoteError) Unwrap() []error {
	return []error{ErrRemoteService, e.cause}
}

// toTwirpError maps any error onto the twirp taxonomy used by the HTTP and signal surfaces.
func toTwirpError(err error) twirp.Error {
	var missing *ErrMissingTrack
	if errors.As(err, &missing) {
		return twirp.NewError(twirp.FailedPrecondition, missing.Error()).
			WithMeta("participant", missing.Participant).
			WithMeta("kind", missing.Kind)
	}
	var remote *remoteError
	if errors.As(err, &remote) {
		return ErrRemoteService.WithMeta("op", remote.op)
	}
	var twErr twirp.Error
	if errors.As(err, &twErr) {
		return twErr
	}
	return twirp.InternalErrorWith(err)
}
