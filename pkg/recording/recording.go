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

package recording

import (
	"context"
	"errors"
	"time"

	"github.com/livekit/protocol/livekit"
)

var (
	ErrSessionNotFound = errors.New("recording session not found")
	ErrSessionExists   = errors.New("recording session already exists")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRecording Status = "recording"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

func (k TrackKind) TrackType() livekit.TrackType {
	if k == TrackAudio {
		return livekit.TrackType_AUDIO
	}
	return livekit.TrackType_VIDEO
}

// Recording describes one output file: a single track of a single participant.
type Recording struct {
	ID              string                      `json:"id"`
	SessionID       string                      `json:"sessionId"`
	Participant     livekit.ParticipantIdentity `json:"participant"`
	Kind            TrackKind                   `json:"kind"`
	TrackID         livekit.TrackID             `json:"trackId"`
	EgressID        string                      `json:"egressId,omitempty"`
	StorageKey      string                      `json:"storageKey"`
	Status          Status                      `json:"status"`
	StartedAt       time.Time                   `json:"startedAt"`
	EndedAt         *time.Time                  `json:"endedAt,omitempty"`
	DurationSeconds float64                     `json:"duration"`
	SizeBytes       int64                       `json:"size"`
}

// Session groups the recordings opened by one start request.
type Session struct {
	ID         string                      `json:"id"`
	Room       livekit.RoomName            `json:"roomId"`
	Source     livekit.ParticipantIdentity `json:"userId"`
	Status     Status                      `json:"status"`
	StartedAt  time.Time                   `json:"startedAt"`
	EndedAt    *time.Time                  `json:"endedAt,omitempty"`
	Error      string                      `json:"error,omitempty"`
	Recordings []*Recording                `json:"recordings"`
}

func NewSession(id string, room livekit.RoomName, source livekit.ParticipantIdentity, startedAt time.Time) *Session {
	return &Session{
		ID:        id,
		Room:      room,
		Source:    source,
		Status:    StatusPending,
		StartedAt: startedAt,
	}
}

func (s *Session) IsOpen() bool {
	return s.EndedAt == nil
}

func (s *Session) EgressIDs() []string {
	var ids []string
	for _, r := range s.Recordings {
		if r.EgressID != "" {
			ids = append(ids, r.EgressID)
		}
	}
	return ids
}

// Complete closes the session. Recordings still in progress become completed with their
// duration measured up to endedAt.
func (s *Session) Complete(endedAt time.Time) {
	s.EndedAt = &endedAt
	s.Status = StatusCompleted
	for _, r := range s.Recordings {
		if r.Status == StatusFailed {
			continue
		}
		r.Status = StatusCompleted
		r.EndedAt = &endedAt
		r.DurationSeconds = endedAt.Sub(r.StartedAt).Seconds()
	}
}

func (s *Session) Fail(reason string, endedAt time.Time) {
	s.EndedAt = &endedAt
	s.Status = StatusFailed
	s.Error = reason
	for _, r := range s.Recordings {
		if r.Status == StatusCompleted {
			continue
		}
		r.Status = StatusFailed
		r.EndedAt = &endedAt
	}
}

func (s *Session) clone() *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	c.Recordings = make([]*Recording, 0, len(s.Recordings))
	for _, r := range s.Recordings {
		rc := *r
		if r.EndedAt != nil {
			t := *r.EndedAt
			rc.EndedAt = &t
		}
		c.Recordings = append(c.Recordings, &rc)
	}
	return &c
}

// Store persists recording sessions.
type Store interface {
	CreateSession(ctx context.Context, session *Session) error
	UpdateSession(ctx context.Context, session *Session) error
	LoadSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns sessions newest first. An empty source lists every session.
	ListSessions(ctx context.Context, source livekit.ParticipantIdentity) ([]*Session, error)
}
