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

package auth

import (
	"errors"
	"time"

	lkauth "github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
)

var ErrKeysMissing = errors.New("missing API key or secret key")

// Issuer signs time-boxed room join grants with the media server key pair.
type Issuer struct {
	apiKey     string
	secret     string
	defaultTTL time.Duration
}

func NewIssuer(apiKey, secret string, defaultTTL time.Duration) *Issuer {
	return &Issuer{
		apiKey:     apiKey,
		secret:     secret,
		defaultTTL: defaultTTL,
	}
}

func (i *Issuer) APIKey() string {
	return i.apiKey
}

// Issue creates a join grant for identity in room. A zero ttl uses the issuer default.
func (i *Issuer) Issue(
	identity livekit.ParticipantIdentity,
	room livekit.RoomName,
	canPublish bool,
	canSubscribe bool,
	ttl time.Duration,
) (string, error) {
	if i.apiKey == "" || i.secret == "" {
		return "", ErrKeysMissing
	}
	if ttl <= 0 {
		ttl = i.defaultTTL
	}

	grant := &lkauth.VideoGrant{
		RoomJoin:     true,
		Room:         string(room),
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}

	at := lkauth.NewAccessToken(i.apiKey, i.secret).
		AddGrant(grant).
		SetIdentity(string(identity)).
		SetValidFor(ttl)
	return at.ToJWT()
}

// IssueAdmin creates a token allowed to list, create and delete rooms.
func (i *Issuer) IssueAdmin(identity string, ttl time.Duration) (string, error) {
	if i.apiKey == "" || i.secret == "" {
		return "", ErrKeysMissing
	}
	if ttl <= 0 {
		ttl = i.defaultTTL
	}

	at := lkauth.NewAccessToken(i.apiKey, i.secret).
		AddGrant(&lkauth.VideoGrant{
			RoomCreate: true,
			RoomList:   true,
			RoomAdmin:  true,
		}).
		SetIdentity(identity).
		SetValidFor(ttl)
	return at.ToJWT()
}
