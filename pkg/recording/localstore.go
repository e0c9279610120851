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
	"sort"
	"sync"

	"github.com/livekit/protocol/livekit"
)

// LocalStore keeps sessions in memory. It is used when redis is not configured.
type LocalStore struct {
	lock     sync.RWMutex
	sessions map[string]*Session
}

func NewLocalStore() *LocalStore {
	return &LocalStore{
		sessions: make(map[string]*Session),
	}
}

func (s *LocalStore) CreateSession(_ context.Context, session *Session) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return ErrSessionExists
	}
	s.sessions[session.ID] = session.clone()
	return nil
}

func (s *LocalStore) UpdateSession(_ context.Context, session *Session) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	s.sessions[session.ID] = session.clone()
	return nil
}

func (s *LocalStore) LoadSession(_ context.Context, id string) (*Session, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.clone(), nil
}

func (s *LocalStore) ListSessions(_ context.Context, source livekit.ParticipantIdentity) ([]*Session, error) {
	s.lock.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if source != "" && session.Source != source {
			continue
		}
		sessions = append(sessions, session.clone())
	}
	s.lock.RUnlock()

	sortNewestFirst(sessions)
	return sessions, nil
}

func sortNewestFirst(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
}
