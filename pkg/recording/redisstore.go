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
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/protocol/livekit"
)

const (
	// SessionsKey is a hash of sessionID => Session json
	SessionsKey = "recording_sessions"

	// SourceSessionsPrefix is a sorted set of sessionIDs per source, scored by start time
	SourceSessionsPrefix = "recording_sessions:source:"
)

type RedisStore struct {
	rc *redis.Client
}

func NewRedisStore(rc *redis.Client) *RedisStore {
	return &RedisStore{rc: rc}
}

func (s *RedisStore) CreateSession(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	created, err := s.rc.HSetNX(ctx, SessionsKey, session.ID, data).Result()
	if err != nil {
		return errors.Wrap(err, "could not store recording session")
	}
	if !created {
		return ErrSessionExists
	}

	err = s.rc.ZAdd(ctx, SourceSessionsPrefix+string(session.Source), redis.Z{
		Score:  float64(session.StartedAt.UnixNano()),
		Member: session.ID,
	}).Err()
	if err != nil {
		return errors.Wrap(err, "could not index recording session")
	}
	return nil
}

func (s *RedisStore) UpdateSession(ctx context.Context, session *Session) error {
	exists, err := s.rc.HExists(ctx, SessionsKey, session.ID).Result()
	if err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}

	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err = s.rc.HSet(ctx, SessionsKey, session.ID, data).Err(); err != nil {
		return errors.Wrap(err, "could not update recording session")
	}
	return nil
}

func (s *RedisStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	data, err := s.rc.HGet(ctx, SessionsKey, id).Result()
	switch err {
	case nil:
		session := &Session{}
		if err = json.Unmarshal([]byte(data), session); err != nil {
			return nil, err
		}
		return session, nil

	case redis.Nil:
		return nil, ErrSessionNotFound

	default:
		return nil, err
	}
}

func (s *RedisStore) ListSessions(ctx context.Context, source livekit.ParticipantIdentity) ([]*Session, error) {
	if source == "" {
		data, err := s.rc.HGetAll(ctx, SessionsKey).Result()
		if err != nil {
			if err == redis.Nil {
				return nil, nil
			}
			return nil, err
		}

		sessions := make([]*Session, 0, len(data))
		for _, d := range data {
			session := &Session{}
			if err = json.Unmarshal([]byte(d), session); err != nil {
				return nil, err
			}
			sessions = append(sessions, session)
		}
		sortNewestFirst(sessions)
		return sessions, nil
	}

	ids, err := s.rc.ZRevRange(ctx, SourceSessionsPrefix+string(source), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	data, err := s.rc.HMGet(ctx, SessionsKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	sessions := make([]*Session, 0, len(data))
	for _, d := range data {
		str, ok := d.(string)
		if !ok {
			continue
		}
		session := &Session{}
		if err = json.Unmarshal([]byte(str), session); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, session *Session) error {
	tx := s.rc.TxPipeline()
	tx.HDel(ctx, SessionsKey, session.ID)
	tx.ZRem(ctx, SourceSessionsPrefix+string(session.Source), session.ID)
	_, err := tx.Exec(ctx)
	return err
}
