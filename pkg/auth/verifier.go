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

	lkauth "github.com/livekit/protocol/auth"
)

var ErrUnknownAPIKey = errors.New("token signed with an unknown api key")

// Verifier validates bearer tokens previously produced by an Issuer sharing the same keys.
type Verifier struct {
	provider lkauth.KeyProvider
}

func NewVerifier(provider lkauth.KeyProvider) *Verifier {
	return &Verifier{provider: provider}
}

func (v *Verifier) Verify(raw string) (*lkauth.ClaimGrants, error) {
	tv, err := lkauth.ParseAPIToken(raw)
	if err != nil {
		return nil, err
	}

	secret := v.provider.GetSecret(tv.APIKey())
	if secret == "" {
		return nil, ErrUnknownAPIKey
	}
	return tv.Verify(secret)
}
